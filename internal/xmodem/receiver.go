// Package xmodem receives an Xmodem-CRC transfer one chunk at a time and
// writes it out page by page.
package xmodem

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/iapboot/internal/flash"
	"github.com/bigbag/iapboot/internal/protocol"
)

// DefaultHandshakeInterval is how often the poll character is sent while
// waiting for the first packet.
const DefaultHandshakeInterval = time.Second

// Phase is the state of a transfer.
type Phase int

const (
	PhaseIdle      Phase = iota // no transfer
	PhaseHandshake              // polling for the first packet
	PhaseReceiving              // at least one packet accepted
	PhaseComplete               // EOT handled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHandshake:
		return "handshake"
	case PhaseReceiving:
		return "receiving"
	case PhaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Sink receives completed pages. *flash.Manager implements it.
type Sink interface {
	Flush(t flash.Target, pageIndex int, data []byte) error
}

// Event says what a chunk did to the transfer.
type Event int

const (
	EventIgnored  Event = iota // not a packet, no reply sent
	EventAccepted              // packet stored and ACKed
	EventRejected              // CRC mismatch, NAKed
	EventComplete              // EOT handled, transfer finished
)

func (e Event) String() string {
	switch e {
	case EventIgnored:
		return "ignored"
	case EventAccepted:
		return "accepted"
	case EventRejected:
		return "rejected"
	case EventComplete:
		return "complete"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrNotActive is returned when a chunk arrives with no transfer running.
var ErrNotActive = errors.New("xmodem: no transfer in progress")

// Receiver assembles 128-byte packets into pages and hands each full page,
// and the final partial page, to a Sink.
type Receiver struct {
	sink     Sink
	out      io.ByteWriter
	log      logrus.FieldLogger
	interval time.Duration

	buf     []byte
	perPage int

	target    flash.Target
	phase     Phase
	packets   int
	lastCRC   uint16
	handshake time.Duration
}

// NewReceiver creates a receiver for pages of pageSize bytes. Replies go to
// out. pageSize must be a positive multiple of the packet payload size.
func NewReceiver(sink Sink, out io.ByteWriter, pageSize int, log logrus.FieldLogger) (*Receiver, error) {
	if pageSize <= 0 || pageSize%protocol.PayloadSize != 0 {
		return nil, fmt.Errorf("page size %d is not a multiple of %d", pageSize, protocol.PayloadSize)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Receiver{
		sink:     sink,
		out:      out,
		log:      log,
		interval: DefaultHandshakeInterval,
		buf:      make([]byte, pageSize),
		perPage:  pageSize / protocol.PayloadSize,
	}, nil
}

// SetHandshakeInterval changes the poll period.
func (r *Receiver) SetHandshakeInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

// Begin starts a transfer into t. Any previous transfer is discarded.
func (r *Receiver) Begin(t flash.Target) {
	r.target = t
	r.phase = PhaseHandshake
	r.packets = 0
	r.lastCRC = 0
	r.handshake = 0
}

// Abort drops the current transfer.
func (r *Receiver) Abort() {
	r.phase = PhaseIdle
}

// Phase returns the transfer phase.
func (r *Receiver) Phase() Phase {
	return r.phase
}

// Target returns the destination of the current or last transfer.
func (r *Receiver) Target() flash.Target {
	return r.target
}

// Packets returns the number of packets accepted so far.
func (r *Receiver) Packets() int {
	return r.packets
}

// LastCRC returns the CRC of the most recently accepted packet.
func (r *Receiver) LastCRC() uint16 {
	return r.lastCRC
}

// Length returns the number of bytes received so far.
func (r *Receiver) Length() int {
	return r.packets * protocol.PayloadSize
}

// Tick advances the handshake timer, sending the poll character once per
// interval until the first packet arrives.
func (r *Receiver) Tick(elapsed time.Duration) {
	if r.phase != PhaseHandshake {
		return
	}
	r.handshake += elapsed
	if r.handshake >= r.interval {
		r.handshake = 0
		r.reply(protocol.Poll)
	}
}

// Handle processes one received chunk. A non-nil error means a page could
// not be written; the transfer is aborted and nothing is acknowledged.
func (r *Receiver) Handle(chunk []byte) (Event, error) {
	if r.phase != PhaseHandshake && r.phase != PhaseReceiving {
		return EventIgnored, ErrNotActive
	}

	switch {
	case protocol.IsFrame(chunk):
		return r.handlePacket(chunk)
	case protocol.IsEOT(chunk):
		return r.handleEOT()
	default:
		return EventIgnored, nil
	}
}

func (r *Receiver) handlePacket(frame []byte) (Event, error) {
	pkt, err := protocol.DecodePacket(frame)
	if err != nil {
		r.log.WithError(err).WithField("packets", r.packets).Debug("packet rejected")
		r.reply(protocol.NAK)
		return EventRejected, nil
	}

	off, err := r.pageOffset(r.packets + 1)
	if err != nil {
		r.Abort()
		return EventIgnored, err
	}

	r.packets++
	r.lastCRC = pkt.CRC
	r.phase = PhaseReceiving
	copy(r.buf[off:off+protocol.PayloadSize], pkt.Payload[:])

	if r.packets%r.perPage == 0 {
		if err := r.flush(r.packets/r.perPage-1, len(r.buf)); err != nil {
			return EventIgnored, err
		}
	}

	r.reply(protocol.ACK)
	return EventAccepted, nil
}

func (r *Receiver) handleEOT() (Event, error) {
	if rem := r.packets % r.perPage; rem != 0 {
		if err := r.flush(r.packets/r.perPage, rem*protocol.PayloadSize); err != nil {
			return EventIgnored, err
		}
	}

	r.phase = PhaseComplete
	r.reply(protocol.ACK)
	r.log.WithFields(logrus.Fields{
		"target":  r.target.String(),
		"packets": r.packets,
		"length":  r.Length(),
	}).Info("transfer complete")
	return EventComplete, nil
}

func (r *Receiver) flush(pageIndex, n int) error {
	if err := r.sink.Flush(r.target, pageIndex, r.buf[:n]); err != nil {
		r.Abort()
		return fmt.Errorf("flush page %d of %s: %w", pageIndex, r.target, err)
	}
	return nil
}

// pageOffset returns where packet number count (1-based) lands in the page
// buffer.
func (r *Receiver) pageOffset(count int) (int, error) {
	if count < 1 {
		return 0, fmt.Errorf("packet number %d out of range", count)
	}
	off := ((count - 1) % r.perPage) * protocol.PayloadSize
	if off+protocol.PayloadSize > len(r.buf) {
		return 0, fmt.Errorf("packet %d overruns page buffer", count)
	}
	return off, nil
}

func (r *Receiver) reply(b byte) {
	if err := r.out.WriteByte(b); err != nil {
		r.log.WithError(err).WithField("byte", protocol.ControlName(b)).Warn("reply not sent")
	}
}
