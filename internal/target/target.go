// Package target runs the loader against simulated board storage and a
// serial line. It plays the roles of the UART interrupt, the main loop and
// the reset line.
package target

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/iapboot/internal/boot"
	"github.com/bigbag/iapboot/internal/config"
	"github.com/bigbag/iapboot/internal/serial"
)

// latch records reset and jump requests from the machine.
type latch struct {
	reset bool
	jump  *boot.Descriptor
}

func (l *latch) Reset() {
	l.reset = true
}

func (l *latch) Jump(d boot.Descriptor) {
	l.jump = &d
}

// Harness owns one machine and rebuilds it on every reset.
type Harness struct {
	dev     *Devices
	console io.Writer
	cfg     config.Config
	log     logrus.FieldLogger

	m      *boot.Machine
	latch  *latch
	resets int
}

// NewHarness builds and starts a machine over dev, writing console output
// to console.
func NewHarness(dev *Devices, console io.Writer, cfg config.Config, log logrus.FieldLogger) (*Harness, error) {
	h := &Harness{dev: dev, console: console, cfg: cfg, log: log}
	if err := h.power(); err != nil {
		return nil, err
	}
	return h, nil
}

// power starts a fresh machine: volatile state is lost and the record is
// reloaded, as after a power cycle.
func (h *Harness) power() error {
	l := &latch{}
	m, err := boot.New(boot.Platform{
		Store:   h.dev.Store(),
		Regions: h.dev.Regions(h.log),
		Console: h.console,
		Reset:   l,
		Jump:    l,
	}, h.cfg.BootOptions(h.log)...)
	if err != nil {
		return err
	}
	h.m, h.latch = m, l
	m.Start()
	return nil
}

// Machine returns the running machine.
func (h *Harness) Machine() *boot.Machine {
	return h.m
}

// Resets returns how many times the machine has been restarted.
func (h *Harness) Resets() int {
	return h.resets
}

// Step runs one loop iteration: at most one chunk, then one tick. It
// returns the jump target once the machine hands control to the
// application.
func (h *Harness) Step(chunk []byte, elapsed time.Duration) (*boot.Descriptor, error) {
	if chunk != nil {
		h.m.OnBytes(chunk)
	}
	if !h.latch.reset && h.latch.jump == nil {
		h.m.OnTick(elapsed)
	}

	if d := h.latch.jump; d != nil {
		return d, nil
	}
	if h.latch.reset {
		h.resets++
		h.log.WithField("resets", h.resets).Info("device reset")
		if err := h.power(); err != nil {
			return nil, fmt.Errorf("restart: %w", err)
		}
	}
	return nil, nil
}

// Run drives a harness from conn until the application is started or ctx is
// done. conn.Read must return 0, nil when no byte arrives within its
// timeout; a silent read ends the current chunk.
func Run(ctx context.Context, conn io.ReadWriter, dev *Devices, cfg config.Config, log logrus.FieldLogger) error {
	ring, err := serial.NewChunkRing(serial.DefaultRingSize, serial.DefaultChunkSlots)
	if err != nil {
		return err
	}
	h, err := NewHarness(dev, conn, cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- pump(ctx, conn, ring, log)
	}()

	ticker := time.NewTicker(cfg.Tick)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("serial read: %w", err)
		case now := <-ticker.C:
			chunk, _ := ring.Pop()
			d, err := h.Step(chunk, now.Sub(last))
			last = now
			if err != nil {
				return err
			}
			if d != nil {
				log.WithField("vector", d.String()).Info("application started")
				return nil
			}
		}
	}
}

// pump reads conn and pushes each burst of bytes, delimited by a silent
// read, into ring.
func pump(ctx context.Context, conn io.Reader, ring *serial.ChunkRing, log logrus.FieldLogger) error {
	buf := make([]byte, 512)
	var burst []byte

	push := func() {
		if len(burst) == 0 {
			return
		}
		if err := ring.Push(burst); err != nil {
			log.WithError(err).WithField("length", len(burst)).Warn("receive chunk dropped")
		}
		burst = burst[:0]
	}

	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if n > 0 {
			burst = append(burst, buf[:n]...)
		}
		if err != nil {
			push()
			return err
		}
		if n == 0 {
			push()
		}
	}
	return ctx.Err()
}
