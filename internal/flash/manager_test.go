package flash

import (
	"bytes"
	"errors"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

// recordingFlash wraps Internal and counts operations.
type recordingFlash struct {
	*Internal
	erases   []uint32
	writes   []uint32
	eraseErr error
}

func (r *recordingFlash) ErasePages(addr uint32, count int) error {
	if r.eraseErr != nil {
		return r.eraseErr
	}
	for i := 0; i < count; i++ {
		r.erases = append(r.erases, addr+uint32(i*r.pageSize))
	}
	return r.Internal.ErasePages(addr, count)
}

func (r *recordingFlash) WriteHalfwords(addr uint32, data []uint16) error {
	r.writes = append(r.writes, addr)
	return r.Internal.WriteHalfwords(addr, data)
}

type failingStorage struct{}

func (failingStorage) ReadAt(p []byte, off int64) (int, error)  { return 0, errors.New("spi timeout") }
func (failingStorage) WriteAt(p []byte, off int64) (int, error) { return 0, errors.New("spi timeout") }

func newTestManager(t *testing.T) (*Manager, *recordingFlash, *Buffer) {
	t.Helper()
	l := smallLayout()
	program := &recordingFlash{Internal: NewInternal(NewBuffer(l.PageCount*l.PageSize), l)}
	external := NewBuffer(int(l.ExternalSize()))
	log, _ := logtest.NewNullLogger()
	return NewManager(l, program, external, log), program, external
}

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed ^ byte(i*7)
	}
	return data
}

func readApp(t *testing.T, m *Manager, n int) []byte {
	t.Helper()
	got := make([]byte, n)
	if err := m.Program().Read(m.Layout().AppStart(), got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return got
}

func TestManager_CommitSlot(t *testing.T) {
	m, program, external := newTestManager(t)
	l := m.Layout()

	// two full pages and a 100-byte tail in slot 1
	image := pattern(2*l.PageSize+100, 0x5A)
	copy(external.Bytes()[l.SlotSize:], image)

	if err := m.CommitSlot(1, len(image)); err != nil {
		t.Fatalf("CommitSlot() error = %v", err)
	}

	if got := readApp(t, m, len(image)); !bytes.Equal(got, image) {
		t.Errorf("execution region does not match slot image")
	}
	expected := []uint32{l.AppStart(), l.AppStart() + 256, l.AppStart() + 512}
	if len(program.writes) != len(expected) {
		t.Fatalf("writes = %d, want %d", len(program.writes), len(expected))
	}
	for i, addr := range expected {
		if program.writes[i] != addr || program.erases[i] != addr {
			t.Errorf("page %d: write 0x%X erase 0x%X, want 0x%X", i, program.writes[i], program.erases[i], addr)
		}
	}
}

func TestManager_CommitSlotOverwritesPreviousImage(t *testing.T) {
	m, _, external := newTestManager(t)
	l := m.Layout()

	first := pattern(l.PageSize, 0x01)
	copy(external.Bytes(), first)
	if err := m.CommitSlot(0, len(first)); err != nil {
		t.Fatalf("first CommitSlot() error = %v", err)
	}

	second := pattern(l.PageSize, 0x80)
	copy(external.Bytes(), second)
	if err := m.CommitSlot(0, len(second)); err != nil {
		t.Fatalf("second CommitSlot() error = %v", err)
	}
	if got := readApp(t, m, len(second)); !bytes.Equal(got, second) {
		t.Errorf("execution region holds stale image")
	}
}

func TestManager_CommitSlotAlignmentGate(t *testing.T) {
	tests := []struct {
		length  int
		wantErr bool
	}{
		{0, false},
		{4, false},
		{256, false},
		{1, true},
		{2, true},
		{3, true},
		{258, true},
	}

	for _, tc := range tests {
		m, program, _ := newTestManager(t)
		err := m.CommitSlot(0, tc.length)

		if tc.wantErr {
			var ae *AlignmentError
			if !errors.As(err, &ae) {
				t.Errorf("CommitSlot(%d) error = %v, want *AlignmentError", tc.length, err)
			}
			if len(program.writes) != 0 || len(program.erases) != 0 {
				t.Errorf("CommitSlot(%d) touched flash after refusal", tc.length)
			}
			continue
		}
		if err != nil {
			t.Errorf("CommitSlot(%d) error = %v", tc.length, err)
		}
	}
}

func TestManager_CommitSlotRange(t *testing.T) {
	m, _, _ := newTestManager(t)
	l := m.Layout()

	var re *RangeError
	if err := m.CommitSlot(l.SlotCount, 4); !errors.As(err, &re) {
		t.Errorf("CommitSlot(bad slot) error = %v, want *RangeError", err)
	}
	if err := m.CommitSlot(0, l.SlotSize+4); !errors.As(err, &re) {
		t.Errorf("CommitSlot(oversize) error = %v, want *RangeError", err)
	}
}

func TestManager_CommitSlotStorageError(t *testing.T) {
	l := smallLayout()
	program := &recordingFlash{Internal: NewInternal(NewBuffer(l.PageCount*l.PageSize), l)}
	log, _ := logtest.NewNullLogger()
	m := NewManager(l, program, failingStorage{}, log)

	err := m.CommitSlot(0, 8)
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("CommitSlot() error = %v, want *StorageError", err)
	}
	if len(program.writes) != 0 {
		t.Errorf("CommitSlot() wrote flash after a read failure")
	}
}

func TestManager_FlushExternal(t *testing.T) {
	m, _, external := newTestManager(t)
	l := m.Layout()

	data := pattern(128, 0x33)
	if err := m.Flush(Staged(2), 1, data); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	off := 2*l.SlotSize + l.PageSize
	if !bytes.Equal(external.Bytes()[off:off+128], data) {
		t.Errorf("slot 2 page 1 does not hold flushed data")
	}

	var re *RangeError
	if err := m.Flush(Staged(2), l.SlotSize/l.PageSize, data); !errors.As(err, &re) {
		t.Errorf("Flush() past slot end error = %v, want *RangeError", err)
	}
	if err := m.Flush(Staged(l.SlotCount), 0, data); !errors.As(err, &re) {
		t.Errorf("Flush() bad slot error = %v, want *RangeError", err)
	}
}

func TestManager_FlushInternal(t *testing.T) {
	m, program, _ := newTestManager(t)
	l := m.Layout()

	data := pattern(l.PageSize, 0x44)
	if err := m.Flush(Direct(), 0, data); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := m.Flush(Direct(), 1, data[:128]); err != nil {
		t.Fatalf("Flush() partial error = %v", err)
	}
	if len(program.erases) != 2 {
		t.Errorf("erases = %d, want 2", len(program.erases))
	}

	got := readApp(t, m, l.PageSize+128)
	if !bytes.Equal(got[:l.PageSize], data) || !bytes.Equal(got[l.PageSize:], data[:128]) {
		t.Errorf("execution region does not hold flushed pages")
	}

	if err := m.Flush(Direct(), 0, make([]byte, l.PageSize+1)); err == nil {
		t.Errorf("Flush() oversize error = nil")
	}
}

func TestManager_FlushStorageError(t *testing.T) {
	m, program, _ := newTestManager(t)
	program.eraseErr = errors.New("flash busy")

	var se *StorageError
	if err := m.Flush(Direct(), 0, make([]byte, 128)); !errors.As(err, &se) {
		t.Errorf("Flush() error = %v, want *StorageError", err)
	}
}

func TestManager_EraseRegion(t *testing.T) {
	m, program, _ := newTestManager(t)
	l := m.Layout()

	if err := m.EraseApp(); err != nil {
		t.Fatalf("EraseApp() error = %v", err)
	}
	if len(program.erases) != l.AppPages() {
		t.Errorf("EraseApp() erased %d pages, want %d", len(program.erases), l.AppPages())
	}

	tests := []struct {
		name  string
		start uint32
		pages int
	}{
		{"loader page", l.FlashBase, 1},
		{"unaligned", l.AppStart() + 4, 1},
		{"past end", l.AppStart(), l.AppPages() + 1},
	}
	for _, tc := range tests {
		var re *RangeError
		if err := m.EraseRegion(tc.start, tc.pages); !errors.As(err, &re) {
			t.Errorf("EraseRegion(%s) error = %v, want *RangeError", tc.name, err)
		}
	}
}

func TestTarget_String(t *testing.T) {
	if got := Staged(3).String(); got != "slot 3" {
		t.Errorf("Staged(3).String() = %q", got)
	}
	if got := Direct().String(); got != "execution region" {
		t.Errorf("Direct().String() = %q", got)
	}
}
