package cryptorand

import (
	"crypto/rand"
	"encoding/binary"

	"k8s.io/klog/v2"
)

// Uint32 returns a cryptographically secure random number in the range of uint32
func Uint32() uint32 {
	b := make([]byte, 4)
	_, err := rand.Read(b)
	if err != nil {
		klog.Errorf("Unable to generate cryptographically secure random number: %v", err)
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
