package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// CommitGranularity is the alignment a staged image length must have before
// it is copied into program flash.
const CommitGranularity = 4

// Kind selects where a received page is written.
type Kind int

const (
	// KindExternal stages pages in an external slot.
	KindExternal Kind = iota
	// KindInternal writes pages straight into the execution region.
	KindInternal
)

// Target is the destination of a transfer.
type Target struct {
	Kind Kind
	Slot int
}

// Staged returns a target writing into external slot.
func Staged(slot int) Target {
	return Target{Kind: KindExternal, Slot: slot}
}

// Direct returns a target writing into the execution region.
func Direct() Target {
	return Target{Kind: KindInternal}
}

func (t Target) String() string {
	if t.Kind == KindInternal {
		return "execution region"
	}
	return fmt.Sprintf("slot %d", t.Slot)
}

// Manager moves pages between external slots, the execution region and
// caller-supplied buffers.
type Manager struct {
	layout   Layout
	program  ProgramFlash
	external Storage
	page     []byte
	log      logrus.FieldLogger
}

// NewManager creates a Manager. A nil log uses the standard logrus logger.
func NewManager(layout Layout, program ProgramFlash, external Storage, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		layout:   layout,
		program:  program,
		external: external,
		page:     make([]byte, layout.PageSize),
		log:      log,
	}
}

// Layout returns the layout the manager was built with.
func (m *Manager) Layout() Layout {
	return m.layout
}

// Program returns the program flash device.
func (m *Manager) Program() ProgramFlash {
	return m.program
}

// CommitSlot copies length bytes of slot into the execution region, page by
// page, erasing each destination page first. A length that is not a multiple
// of CommitGranularity is refused before anything is written. A zero length
// is a successful no-op.
func (m *Manager) CommitSlot(slot, length int) error {
	if length < 0 || length%CommitGranularity != 0 {
		return &AlignmentError{Length: length, Granularity: CommitGranularity}
	}
	if _, err := m.layout.SlotOffset(slot, 0, length); err != nil {
		return err
	}
	if _, err := m.layout.AppAddress(0, length); err != nil {
		return err
	}

	full, rem := m.layout.PageSpan(length)
	for i := 0; i < full; i++ {
		if err := m.copyPage(slot, i, m.layout.PageSize); err != nil {
			return err
		}
	}
	if rem != 0 {
		if err := m.copyPage(slot, full, rem); err != nil {
			return err
		}
	}

	m.log.WithFields(logrus.Fields{"slot": slot, "length": length}).Info("slot committed")
	return nil
}

func (m *Manager) copyPage(slot, pageIndex, n int) error {
	off, err := m.layout.SlotOffset(slot, pageIndex, n)
	if err != nil {
		return err
	}
	buf := m.page[:n]
	if err := readFull(m.external, buf, off); err != nil {
		return &StorageError{Op: "read slot", Addr: off, Err: err}
	}
	return m.writeAppPage(pageIndex, buf)
}

// Flush writes data, the first bytes of the page assembly buffer, as page
// pageIndex of the target.
func (m *Manager) Flush(t Target, pageIndex int, data []byte) error {
	if len(data) > m.layout.PageSize {
		return fmt.Errorf("flush of %d bytes exceeds page size %d", len(data), m.layout.PageSize)
	}

	log := m.log.WithFields(logrus.Fields{"target": t.String(), "page": pageIndex, "length": len(data)})

	switch t.Kind {
	case KindExternal:
		off, err := m.layout.SlotOffset(t.Slot, pageIndex, len(data))
		if err != nil {
			return err
		}
		if _, err := m.external.WriteAt(data, off); err != nil {
			return &StorageError{Op: "write slot", Addr: off, Err: err}
		}
	case KindInternal:
		if err := m.writeAppPage(pageIndex, data); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown target kind %d", t.Kind)
	}

	log.Debug("page flushed")
	return nil
}

// writeAppPage erases execution-region page pageIndex and programs data at
// its start.
func (m *Manager) writeAppPage(pageIndex int, data []byte) error {
	if len(data)%HalfwordSize != 0 {
		return &AlignmentError{Length: len(data), Granularity: HalfwordSize}
	}
	addr, err := m.layout.AppAddress(pageIndex, len(data))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if err := m.program.ErasePages(addr, 1); err != nil {
		return &StorageError{Op: "erase", Addr: int64(addr), Err: err}
	}

	words := make([]uint16, len(data)/HalfwordSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(data[i*HalfwordSize:])
	}
	if err := m.program.WriteHalfwords(addr, words); err != nil {
		return &StorageError{Op: "program", Addr: int64(addr), Err: err}
	}
	return nil
}

// EraseRegion erases pages starting at the page-aligned address start. The
// range must lie inside the execution region; the loader's own pages are
// never erased.
func (m *Manager) EraseRegion(start uint32, pages int) error {
	appStart := m.layout.AppStart()
	if start < appStart || (start-appStart)%uint32(m.layout.PageSize) != 0 {
		return &RangeError{Region: "execution region", Offset: int64(start) - int64(appStart), Length: pages * m.layout.PageSize, Limit: int64(m.layout.AppSize())}
	}
	first := int((start - appStart) / uint32(m.layout.PageSize))
	if _, err := m.layout.AppAddress(first, pages*m.layout.PageSize); err != nil {
		return err
	}
	if pages == 0 {
		return nil
	}

	if err := m.program.ErasePages(start, pages); err != nil {
		return &StorageError{Op: "erase", Addr: int64(start), Err: err}
	}
	m.log.WithFields(logrus.Fields{"addr": fmt.Sprintf("0x%08X", start), "pages": pages}).Info("region erased")
	return nil
}

// EraseApp erases the whole execution region.
func (m *Manager) EraseApp() error {
	return m.EraseRegion(m.layout.AppStart(), m.layout.AppPages())
}

func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
