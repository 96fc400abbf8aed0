package txn

import (
	"fmt"
	"sync/atomic"

	"github.com/ovn-org/ovsdbclient/cryptorand"
)

const (
	namedUUIDPrefix = 'u'
)

var (
	namedUUIDCounter = cryptorand.Uint32()
)

// IsNamedUUID checks if the passed id is a provisional identifier built
// with BuildNamedUUID
func IsNamedUUID(id string) bool {
	return id != "" && id[0] == namedUUIDPrefix
}

// BuildNamedUUID builds an id that can be used as a named-uuid
// as per OVSDB rfc 7047 section 5.1
func BuildNamedUUID() string {
	return fmt.Sprintf("%c%010d", namedUUIDPrefix, atomic.AddUint32(&namedUUIDCounter, 1))
}
