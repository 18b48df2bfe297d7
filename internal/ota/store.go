package ota

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Device is the non-volatile storage holding the record, typically an I2C
// EEPROM. The record lives at Offset.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

type syncer interface {
	Sync() error
}

// Store loads and saves the record on a Device.
type Store struct {
	dev    Device
	offset int64
}

// NewStore creates a Store for the record at offset on dev.
func NewStore(dev Device, offset int64) *Store {
	return &Store{dev: dev, offset: offset}
}

// Load reads the record. Uninitialised storage (short read or an all-0xFF
// erased image) yields the zero record and no error. A device read failure
// also yields the zero record, together with the error, so callers can carry
// on with "no update pending".
func (s *Store) Load() (Record, error) {
	var rec Record

	buf := make([]byte, RecordSize)
	n, err := s.dev.ReadAt(buf, s.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return Record{}, fmt.Errorf("read record: %w", err)
	}
	if n < RecordSize {
		return Record{}, nil
	}
	if bytes.Count(buf, []byte{0xFF}) == RecordSize {
		return Record{}, nil
	}

	if err := rec.UnmarshalBinary(buf); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Save writes the full record and, when the device supports it, syncs it.
// The caller must not act on the new record (e.g. reset) unless Save
// returned nil.
func (s *Store) Save(rec *Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if _, err := s.dev.WriteAt(data, s.offset); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	if sd, ok := s.dev.(syncer); ok {
		if err := sd.Sync(); err != nil {
			return fmt.Errorf("sync record: %w", err)
		}
	}
	return nil
}
