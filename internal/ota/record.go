// Package ota holds the update record that survives resets: the pending
// update flag, the length of the image staged in each external slot, and the
// firmware version tag.
package ota

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// UpdateFlag marks a validated image staged in slot 0 and ready to commit.
// Any other value means no update is pending.
const UpdateFlag uint32 = 0xAABB1122

const (
	// SlotCount is the number of external slots tracked by the record.
	SlotCount = 11
	// VersionSize is the fixed, null-padded size of the version tag.
	VersionSize = 32
	// RecordSize is the encoded size of Record.
	RecordSize = 4 + SlotCount*4 + VersionSize
)

// Record is the persistent update record. It is stored little-endian, laid
// out the way the loader's C struct sits in memory.
type Record struct {
	Flag        uint32
	SlotLengths [SlotCount]uint32
	Version     [VersionSize]byte
}

// UpdatePending reports whether Flag carries UpdateFlag.
func (r *Record) UpdatePending() bool {
	return r.Flag == UpdateFlag
}

// SlotLength returns the recorded length of slot. Out-of-range slots report 0.
func (r *Record) SlotLength(slot int) uint32 {
	if slot < 0 || slot >= SlotCount {
		return 0
	}
	return r.SlotLengths[slot]
}

// SetSlotLength records the image length of slot.
func (r *Record) SetSlotLength(slot int, length uint32) error {
	if slot < 0 || slot >= SlotCount {
		return fmt.Errorf("slot %d out of range 0-%d", slot, SlotCount-1)
	}
	r.SlotLengths[slot] = length
	return nil
}

// VersionString returns the version tag with its null padding removed.
func (r *Record) VersionString() string {
	if i := bytes.IndexByte(r.Version[:], 0); i >= 0 {
		return string(r.Version[:i])
	}
	return string(r.Version[:])
}

// MarshalBinary encodes the record into RecordSize bytes.
func (r *Record) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(RecordSize)
	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a record from at least RecordSize bytes.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < RecordSize {
		return fmt.Errorf("record too short: %d bytes, want %d", len(data), RecordSize)
	}
	return binary.Read(bytes.NewReader(data[:RecordSize]), binary.LittleEndian, r)
}
