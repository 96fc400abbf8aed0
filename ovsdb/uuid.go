package ovsdb

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var validUUID = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// UUID is a UUID according to RFC7047
type UUID struct {
	GoUUID string `json:"uuid"`
}

// MarshalJSON will marshal an OVSDB style UUID to a JSON encoded byte array.
// Values that do not validate as RFC4122 UUIDs are encoded as named-uuids,
// the provisional identifiers a client hands out before the server has
// assigned the real one.
func (u UUID) MarshalJSON() ([]byte, error) {
	var uuidSlice []string
	err := ValidateUUID(u.GoUUID)
	if err == nil {
		uuidSlice = []string{"uuid", u.GoUUID}
	} else {
		uuidSlice = []string{"named-uuid", u.GoUUID}
	}
	return json.Marshal(uuidSlice)
}

// UnmarshalJSON will unmarshal a JSON encoded byte array to a OVSDB style UUID
func (u *UUID) UnmarshalJSON(b []byte) (err error) {
	var ovsUUID []string
	if err = json.Unmarshal(b, &ovsUUID); err == nil {
		u.GoUUID = ovsUUID[1]
	}
	return err
}

// ValidateUUID returns an error unless the given string is a well formed UUID
func ValidateUUID(uuid string) error {
	if len(uuid) != 36 {
		return fmt.Errorf("uuid exceeds 36 characters")
	}
	if !validUUID.MatchString(uuid) {
		return fmt.Errorf("uuid does not match regexp")
	}
	return nil
}

// IsValidUUID reports whether the given string is a well formed UUID
func IsValidUUID(uuid string) bool {
	return ValidateUUID(uuid) == nil
}
