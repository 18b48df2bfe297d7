package boot

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/iapboot/internal/flash"
	"github.com/bigbag/iapboot/internal/ota"
	"github.com/bigbag/iapboot/internal/xmodem"
)

// Platform bundles the collaborators the machine drives.
type Platform struct {
	Store   *ota.Store
	Regions *flash.Manager
	Console io.Writer
	Reset   Resetter
	Jump    Jumper
}

// Machine is the loader state machine. It is not safe for concurrent use;
// the harness calls it from a single loop.
type Machine struct {
	cfg     Config
	store   *ota.Store
	regions *flash.Manager
	console *Console
	rx      *xmodem.Receiver
	reset   Resetter
	jumper  Jumper
	log     logrus.FieldLogger

	record   ota.Record
	stale    bool
	mode     Mode
	slot     int
	bootLeft time.Duration
}

// New creates a machine. Call Start before feeding it bytes or ticks.
func New(p Platform, opts ...Option) (*Machine, error) {
	switch {
	case p.Store == nil:
		return nil, errors.New("boot: nil record store")
	case p.Regions == nil:
		return nil, errors.New("boot: nil region manager")
	case p.Console == nil:
		return nil, errors.New("boot: nil console")
	case p.Reset == nil:
		return nil, errors.New("boot: nil resetter")
	case p.Jump == nil:
		return nil, errors.New("boot: nil jumper")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	console := NewConsole(p.Console, cfg.Logger)
	rx, err := xmodem.NewReceiver(p.Regions, console, p.Regions.Layout().PageSize, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	rx.SetHandshakeInterval(cfg.HandshakeInterval)

	return &Machine{
		cfg:     cfg,
		store:   p.Store,
		regions: p.Regions,
		console: console,
		rx:      rx,
		reset:   p.Reset,
		jumper:  p.Jump,
		log:     cfg.Logger,
		mode:    ModeHalted,
	}, nil
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	return m.mode
}

// Record returns the in-RAM copy of the persistent record.
func (m *Machine) Record() ota.Record {
	return m.record
}

// Slot returns the slot targeted by the current or last slot operation.
func (m *Machine) Slot() int {
	return m.slot
}

// Receiver exposes the Xmodem receiver for inspection.
func (m *Machine) Receiver() *xmodem.Receiver {
	return m.rx
}

// Start loads the persistent record and opens the boot window.
func (m *Machine) Start() {
	rec, err := m.store.Load()
	if err != nil {
		m.log.WithError(err).Warn("update record unreadable, assuming no pending update")
	}
	m.record = rec
	m.stale = err != nil
	m.slot = 0
	m.bootLeft = m.cfg.BootTimeout
	m.setMode(ModeBootWait)

	m.console.Printf("press '%c' within %d seconds to enter the loader menu",
		m.cfg.InterruptKey, int((m.cfg.BootTimeout+time.Second-1)/time.Second))
}

// OnBytes handles one chunk from the receive ring.
func (m *Machine) OnBytes(chunk []byte) {
	if m.mode.Transferring() {
		m.receive(chunk)
		return
	}

	switch m.mode {
	case ModeBootWait:
		if len(chunk) > 0 && chunk[0] == m.cfg.InterruptKey {
			m.console.Printf("entering loader menu")
			m.enterMenu()
		}
	case ModeMenu, ModeSelectDownloadSlot, ModeSelectCommitSlot:
		if len(chunk) != 1 {
			return
		}
		m.apply(transition(m.mode, chunk[0], m.slotCount()))
	case ModeVersionEntry:
		m.setVersion(chunk)
	}
}

// OnTick advances timers and runs a pending install.
func (m *Machine) OnTick(elapsed time.Duration) {
	if m.mode.Transferring() {
		m.rx.Tick(elapsed)
		return
	}

	switch m.mode {
	case ModeBootWait:
		m.bootLeft -= elapsed
		if m.bootLeft <= 0 {
			m.decideBoot()
		}
	case ModeCommit:
		m.commit()
	}
}

func (m *Machine) setMode(next Mode) {
	if next != m.mode {
		m.log.WithFields(logrus.Fields{"from": m.mode.String(), "to": next.String()}).Debug("mode change")
	}
	m.mode = next
}

func (m *Machine) enterMenu() {
	m.setMode(ModeMenu)
	m.console.Menu()
}

func (m *Machine) slotCount() int {
	n := m.regions.Layout().SlotCount
	if n > ota.SlotCount {
		n = ota.SlotCount
	}
	return n
}

// maxSlot is the highest slot a single digit can select.
func (m *Machine) maxSlot() int {
	return min(m.slotCount()-1, 9)
}

// current returns the persistent record for a read-modify-write. If the
// record could not be read at start it is read again; it is never replaced
// by the zero record.
func (m *Machine) current() (ota.Record, error) {
	if !m.stale {
		return m.record, nil
	}
	rec, err := m.store.Load()
	if err != nil {
		m.log.WithError(err).Error("update record still unreadable")
		return rec, fmt.Errorf("record unavailable: %w", err)
	}
	m.record, m.stale = rec, false
	return rec, nil
}

func (m *Machine) decideBoot() {
	if m.record.UpdatePending() {
		m.console.Printf("update pending, installing")
		m.slot = 0
		m.setMode(ModeCommit)
		return
	}

	m.console.Printf("starting application")
	m.startApp()
}

func (m *Machine) startApp() {
	addr := m.regions.Layout().AppStart()
	desc, err := CheckVector(m.regions.Program(), addr, m.cfg.Stack)
	if err != nil {
		m.log.WithError(err).Error("application jump refused")
		m.console.Printf("error: %v", err)
		m.enterMenu()
		return
	}

	m.log.WithField("vector", desc.String()).Info("jumping to application")
	m.setMode(ModeHalted)
	m.jumper.Jump(desc)
}

func (m *Machine) restart() {
	m.setMode(ModeHalted)
	m.reset.Reset()
}

func (m *Machine) apply(s step) {
	m.setMode(s.next)

	switch s.action {
	case actEraseApp:
		if err := m.regions.EraseApp(); err != nil {
			m.console.Printf("error: erase failed: %v", err)
		} else {
			m.console.Printf("execution region erased")
		}
		m.console.Menu()
	case actDirectDownload:
		m.rx.Begin(flash.Direct())
		m.console.Printf("send the image with Xmodem-CRC to the execution region")
	case actVersionPrompt:
		m.console.Printf("enter the version tag, format VER-x.x.x-y/m/d-h:m")
	case actShowVersion:
		rec, err := m.current()
		if err != nil {
			m.console.Printf("error: %v", err)
		} else if v := rec.VersionString(); v != "" {
			m.console.Printf("version: %s", v)
		} else {
			m.console.Printf("version: not set")
		}
		m.console.Menu()
	case actDownloadSlotPrompt:
		m.console.Printf("select the external slot to download to (1-%d)", m.maxSlot())
	case actCommitSlotPrompt:
		m.console.Printf("select the external slot to install (1-%d)", m.maxSlot())
	case actReboot:
		m.console.Printf("rebooting")
		m.restart()
	case actStagedDownload:
		m.slot = s.slot
		m.rx.Begin(flash.Staged(s.slot))
		m.console.Printf("send the image with Xmodem-CRC to slot %d", s.slot)
	case actCommit:
		m.slot = s.slot
		m.console.Printf("installing slot %d", s.slot)
	case actBadSlot:
		m.console.Printf("error: invalid slot, enter 1-%d", m.maxSlot())
	}
}

func (m *Machine) setVersion(chunk []byte) {
	v, err := ota.ParseVersion(chunk)
	if err != nil {
		m.console.Printf("error: %v", err)
		return
	}

	rec, err := m.current()
	if err != nil {
		m.console.Printf("error: %v", err)
		m.enterMenu()
		return
	}
	rec.Version = v
	if err := m.store.Save(&rec); err != nil {
		m.log.WithError(err).Error("saving version failed")
		m.console.Printf("error: saving version failed: %v", err)
		m.enterMenu()
		return
	}
	m.record = rec

	m.console.Printf("version set: %s", rec.VersionString())
	m.enterMenu()
}

func (m *Machine) receive(chunk []byte) {
	ev, err := m.rx.Handle(chunk)
	if err != nil {
		m.log.WithError(err).WithField("packets", m.rx.Packets()).Error("transfer aborted")
		m.console.Printf("error: transfer aborted: %v", err)
		m.enterMenu()
		return
	}
	if ev != xmodem.EventComplete {
		return
	}

	if m.mode == ModeDirectTransfer {
		m.console.Printf("download complete, %d bytes, rebooting", m.rx.Length())
		m.restart()
		return
	}

	rec, err := m.current()
	if err != nil {
		m.console.Printf("error: %v", err)
		m.enterMenu()
		return
	}
	if err := rec.SetSlotLength(m.slot, uint32(m.rx.Length())); err != nil {
		m.console.Printf("error: %v", err)
		m.enterMenu()
		return
	}
	if err := m.store.Save(&rec); err != nil {
		m.log.WithError(err).WithField("slot", m.slot).Error("saving slot length failed")
		m.console.Printf("error: saving slot length failed: %v", err)
		m.enterMenu()
		return
	}
	m.record = rec

	m.console.Printf("slot %d: %d bytes stored", m.slot, m.rx.Length())
	m.enterMenu()
}

func (m *Machine) commit() {
	rec, err := m.current()
	if err != nil {
		m.console.Printf("error: %v", err)
		m.enterMenu()
		return
	}
	length := rec.SlotLength(m.slot)
	m.console.Printf("length: %d bytes", length)

	log := m.log.WithFields(logrus.Fields{"slot": m.slot, "length": length})

	if length%flash.CommitGranularity != 0 {
		log.Error("install refused, length not aligned")
		m.console.Printf("error: length error, install aborted")
		m.enterMenu()
		return
	}
	if err := m.regions.CommitSlot(m.slot, int(length)); err != nil {
		log.WithError(err).Error("install failed")
		m.console.Printf("error: install failed: %v", err)
		m.enterMenu()
		return
	}

	if m.slot == 0 {
		rec.Flag = 0
		if err := m.store.Save(&rec); err != nil {
			log.WithError(err).Error("clearing update flag failed")
			m.console.Printf("error: clearing update flag failed: %v", err)
			m.enterMenu()
			return
		}
		m.record = rec
	}

	m.console.Printf("execution region updated, rebooting")
	m.restart()
}
