package flasher

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/bigbag/iapboot/internal/config"
	"github.com/bigbag/iapboot/internal/flash"
	"github.com/bigbag/iapboot/internal/ota"
	"github.com/bigbag/iapboot/internal/protocol"
	"github.com/bigbag/iapboot/internal/target"
)

// loopPort connects a Flasher to an in-process loader. Every write is one
// received chunk; a read that finds nothing pending advances the loader's
// clock by the read timeout.
type loopPort struct {
	t       *testing.T
	h       *target.Harness
	out     *bytes.Buffer
	frames  int
	corrupt map[int]bool
}

func (p *loopPort) Write(data []byte) (int, error) {
	chunk := append([]byte(nil), data...)
	if len(chunk) == protocol.FrameSize {
		p.frames++
		if p.corrupt[p.frames] {
			chunk[protocol.HeaderSize] ^= 0x01
		}
	}
	if _, err := p.h.Step(chunk, 0); err != nil {
		p.t.Fatalf("Step() error = %v", err)
	}
	return len(data), nil
}

func (p *loopPort) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if p.out.Len() == 0 {
		if _, err := p.h.Step(nil, timeout); err != nil {
			p.t.Fatalf("Step() error = %v", err)
		}
	}
	n, _ := p.out.Read(buf)
	return n, nil
}

func (p *loopPort) Flush() error {
	return nil
}

type bench struct {
	dev  *target.Devices
	port *loopPort
	f    *Flasher
}

func newBench(t *testing.T, seed func(d *target.Devices)) *bench {
	t.Helper()
	dev, err := target.OpenDevices(config.Storage{}, flash.DefaultLayout())
	if err != nil {
		t.Fatalf("OpenDevices() error = %v", err)
	}
	if seed != nil {
		seed(dev)
	}

	log, _ := logtest.NewNullLogger()
	out := &bytes.Buffer{}
	h, err := target.NewHarness(dev, out, config.Default(), log)
	if err != nil {
		t.Fatalf("NewHarness() error = %v", err)
	}

	port := &loopPort{t: t, h: h, out: out}
	f := New(port)
	f.SetLogger(log)
	if err := f.Enter(); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	return &bench{dev: dev, port: port, f: f}
}

func (b *bench) record(t *testing.T) ota.Record {
	t.Helper()
	rec, err := b.dev.Store().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return rec
}

func (b *bench) app(t *testing.T, n int) []byte {
	t.Helper()
	got := make([]byte, n)
	if err := b.dev.Program().Read(b.dev.Layout.AppStart(), got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return got
}

func firmware(n int) []byte {
	img := make([]byte, n)
	binary.LittleEndian.PutUint32(img[0:], 0x20001000)
	binary.LittleEndian.PutUint32(img[4:], 0x08005101)
	for i := 8; i < n; i++ {
		img[i] = byte(i * 7)
	}
	return img
}

func TestFlasher_DownloadToSlotThenInstall(t *testing.T) {
	b := newBench(t, nil)
	img := firmware(5000)

	var calls, lastTotal int
	b.f.SetProgressCallback(func(current, total int) {
		calls++
		lastTotal = total
	})

	if err := b.f.DownloadToSlot(3, img); err != nil {
		t.Fatalf("DownloadToSlot() error = %v", err)
	}
	if calls != 40 || lastTotal != 40 {
		t.Errorf("progress calls = %d total = %d, want 40/40", calls, lastTotal)
	}
	rec := b.record(t)
	if rec.SlotLength(3) != 40*protocol.PayloadSize {
		t.Errorf("slot 3 length = %d, want %d", rec.SlotLength(3), 40*protocol.PayloadSize)
	}
	if rec.UpdatePending() {
		t.Errorf("download set the update flag")
	}

	if err := b.f.UseSlot(3); err != nil {
		t.Fatalf("UseSlot() error = %v", err)
	}
	if got := b.app(t, len(img)); !bytes.Equal(got, img) {
		t.Errorf("execution region does not hold the image")
	}
	if b.port.h.Resets() != 1 {
		t.Errorf("Resets() = %d, want 1", b.port.h.Resets())
	}
}

func TestFlasher_DownloadDirect(t *testing.T) {
	b := newBench(t, nil)
	img := firmware(2048*2 + 300)

	if err := b.f.DownloadDirect(img); err != nil {
		t.Fatalf("DownloadDirect() error = %v", err)
	}
	if got := b.app(t, len(img)); !bytes.Equal(got, img) {
		t.Errorf("execution region does not hold the image")
	}
	if b.port.h.Resets() != 1 {
		t.Errorf("Resets() = %d, want 1", b.port.h.Resets())
	}
}

func TestFlasher_RetriesCorruptBlock(t *testing.T) {
	b := newBench(t, nil)
	b.port.corrupt = map[int]bool{2: true, 5: true}
	img := firmware(600)

	if err := b.f.DownloadToSlot(1, img); err != nil {
		t.Fatalf("DownloadToSlot() error = %v", err)
	}
	if b.port.frames != 7 {
		t.Errorf("frames sent = %d, want 7 (5 blocks + 2 resends)", b.port.frames)
	}
	off := b.dev.Layout.SlotSize
	got := make([]byte, len(img))
	if _, err := b.dev.External.ReadAt(got, int64(off)); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if !bytes.Equal(got, img) {
		t.Errorf("slot 1 does not hold the image")
	}
}

func TestFlasher_GivesUpAfterMaxRetries(t *testing.T) {
	b := newBench(t, nil)
	b.port.corrupt = map[int]bool{}
	for i := 1; i <= MaxRetries; i++ {
		b.port.corrupt[i] = true
	}

	err := b.f.DownloadToSlot(2, firmware(128))
	if err == nil {
		t.Fatalf("DownloadToSlot() error = nil, want retry exhaustion")
	}
	if b.port.frames != MaxRetries {
		t.Errorf("frames sent = %d, want %d", b.port.frames, MaxRetries)
	}
}

func TestFlasher_Version(t *testing.T) {
	b := newBench(t, nil)

	v, err := b.f.Version()
	if err != nil || v != "" {
		t.Fatalf("Version() = %q, %v, want empty", v, err)
	}

	const tag = "VER-2.0.1-2024/12/31-23:59"
	if err := b.f.SetVersion(tag); err != nil {
		t.Fatalf("SetVersion() error = %v", err)
	}
	if v, err = b.f.Version(); err != nil || v != tag {
		t.Errorf("Version() = %q, %v, want %q", v, err, tag)
	}
	if rec := b.record(t); rec.VersionString() != tag {
		t.Errorf("stored version = %q, want %q", rec.VersionString(), tag)
	}

	var fe *ota.FormatError
	if err := b.f.SetVersion("VER-1.2.3-25/1/1-10:30"); !errors.As(err, &fe) {
		t.Errorf("SetVersion(short) error = %v, want *ota.FormatError", err)
	}
}

func TestFlasher_UseSlotLengthError(t *testing.T) {
	b := newBench(t, func(d *target.Devices) {
		rec := ota.Record{}
		rec.SlotLengths[4] = 1001
		if err := d.Store().Save(&rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	})

	var de *DeviceError
	if err := b.f.UseSlot(4); !errors.As(err, &de) {
		t.Fatalf("UseSlot() error = %v, want *DeviceError", err)
	}
	if b.port.h.Resets() != 0 {
		t.Errorf("Resets() = %d, want 0", b.port.h.Resets())
	}
}

func TestFlasher_EraseAndReboot(t *testing.T) {
	b := newBench(t, nil)
	if err := b.f.DownloadDirect(firmware(256)); err != nil {
		t.Fatalf("DownloadDirect() error = %v", err)
	}
	if err := b.f.Enter(); err != nil {
		t.Fatalf("Enter() after reset error = %v", err)
	}

	if err := b.f.EraseApp(); err != nil {
		t.Fatalf("EraseApp() error = %v", err)
	}
	if got := b.app(t, 8); !bytes.Equal(got, bytes.Repeat([]byte{0xFF}, 8)) {
		t.Errorf("vector table after erase = % X, want erased", got)
	}

	if err := b.f.Reboot(); err != nil {
		t.Fatalf("Reboot() error = %v", err)
	}
	if b.port.h.Resets() != 2 {
		t.Errorf("Resets() = %d, want 2", b.port.h.Resets())
	}
}

func TestFlasher_BadSlot(t *testing.T) {
	b := newBench(t, nil)
	for _, slot := range []int{0, 10, -1} {
		if err := b.f.DownloadToSlot(slot, firmware(128)); err == nil {
			t.Errorf("DownloadToSlot(%d) error = nil", slot)
		}
		if err := b.f.UseSlot(slot); err == nil {
			t.Errorf("UseSlot(%d) error = nil", slot)
		}
	}
}

type silentPort struct{}

func (silentPort) Write(data []byte) (int, error) { return len(data), nil }
func (silentPort) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	return 0, nil
}
func (silentPort) Flush() error { return nil }

func TestFlasher_EnterTimeout(t *testing.T) {
	f := New(silentPort{})
	log, _ := logtest.NewNullLogger()
	f.SetLogger(log)
	if err := f.Enter(); !errors.Is(err, ErrTimeout) {
		t.Errorf("Enter() error = %v, want ErrTimeout", err)
	}
}
