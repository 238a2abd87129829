package mesh

import (
	"fmt"

	"github.com/google/uuid"
)

// UUID is the 128-bit device UUID advertised in unprovisioned beacons and
// matched against PB-ADV LinkOpen.
type UUID = uuid.UUID

// NilUUID is the zero UUID; a configuration carrying it has never been validated.
var NilUUID = uuid.Nil

// NewDeviceUUID returns a random (version 4) device UUID.
func NewDeviceUUID() (UUID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return NilUUID, fmt.Errorf("device uuid: %w", err)
	}
	return u, nil
}

// ParseUUID parses the textual or hex form of a device UUID.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilUUID, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return u, nil
}

// UUIDFromBytes decodes 16 raw octets.
func UUIDFromBytes(b []byte) (UUID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NilUUID, fmt.Errorf("%w: uuid", ErrInvalidLength)
	}
	return u, nil
}
