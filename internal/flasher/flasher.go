package flasher

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/iapboot/embedded"
	"github.com/bigbag/iapboot/internal/ota"
	"github.com/bigbag/iapboot/internal/protocol"
)

const (
	// MaxRetries bounds how often one block is sent before giving up.
	MaxRetries = 10

	readSlice        = 100 * time.Millisecond
	enterTimeout     = 10 * time.Second
	replyTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	blockTimeout     = 3 * time.Second
	installTimeout   = 30 * time.Second
)

// ErrTimeout is returned when the loader stays silent.
var ErrTimeout = errors.New("timeout waiting for loader")

// DeviceError is an error line printed by the loader.
type DeviceError struct {
	Message string
}

func (e *DeviceError) Error() string {
	return "loader: " + e.Message
}

// Port is the serial line to the loader. ReadWithTimeout returns 0, nil
// when nothing arrives in time.
type Port interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
}

// ProgressCallback is called to report transfer progress.
type ProgressCallback func(current, total int)

// Flasher drives the loader menu and uploads images with Xmodem-CRC.
type Flasher struct {
	port     Port
	key      byte
	progress ProgressCallback
	log      logrus.FieldLogger

	rx []byte
}

// New creates a new Flasher for the given port.
func New(port Port) *Flasher {
	return &Flasher{port: port, key: 'w', log: logrus.StandardLogger()}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// SetInterruptKey sets the key that opens the menu.
func (f *Flasher) SetInterruptKey(key byte) {
	f.key = key
}

// SetLogger sets the diagnostic logger.
func (f *Flasher) SetLogger(log logrus.FieldLogger) {
	f.log = log
}

func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Enter sends the interrupt key until the menu appears. The board must be
// inside its boot window.
func (f *Flasher) Enter() error {
	f.port.Flush()
	f.rx = f.rx[:0]

	for waited := time.Duration(0); waited < enterTimeout; waited += readSlice {
		if err := f.send([]byte{f.key}); err != nil {
			return err
		}
		if _, err := f.expect(menuTail(), readSlice); err == nil {
			return nil
		} else if !errors.Is(err, ErrTimeout) {
			return err
		}
	}
	return fmt.Errorf("menu: %w", ErrTimeout)
}

// EraseApp erases the execution region.
func (f *Flasher) EraseApp() error {
	if _, err := f.command('1', "execution region erased", replyTimeout); err != nil {
		return err
	}
	return f.awaitMenu()
}

// DownloadDirect writes image straight to the execution region. The loader
// resets when the transfer completes.
func (f *Flasher) DownloadDirect(image []byte) error {
	if _, err := f.command('2', "Xmodem-CRC", replyTimeout); err != nil {
		return err
	}
	if err := f.sendXmodem(image); err != nil {
		return err
	}
	_, err := f.expect("download complete", replyTimeout)
	return err
}

// DownloadToSlot stores image in external slot.
func (f *Flasher) DownloadToSlot(slot int, image []byte) error {
	digit, err := slotDigit(slot)
	if err != nil {
		return err
	}
	if _, err := f.command('5', "select the external slot", replyTimeout); err != nil {
		return err
	}
	if _, err := f.command(digit, "Xmodem-CRC", replyTimeout); err != nil {
		return err
	}
	if err := f.sendXmodem(image); err != nil {
		return err
	}
	if _, err := f.expect("bytes stored", replyTimeout); err != nil {
		return err
	}
	return f.awaitMenu()
}

// UseSlot installs the image in slot. The loader resets on success.
func (f *Flasher) UseSlot(slot int) error {
	digit, err := slotDigit(slot)
	if err != nil {
		return err
	}
	if _, err := f.command('6', "select the external slot", replyTimeout); err != nil {
		return err
	}
	if _, err := f.command(digit, "installing slot", replyTimeout); err != nil {
		return err
	}
	_, err = f.expect("execution region updated", installTimeout)
	return err
}

// SetVersion stores the version tag. The tag is checked locally first.
func (f *Flasher) SetVersion(version string) error {
	if _, err := ota.ParseVersion([]byte(version)); err != nil {
		return err
	}
	if _, err := f.command('3', "enter the version tag", replyTimeout); err != nil {
		return err
	}
	if err := f.send([]byte(version)); err != nil {
		return err
	}
	if _, err := f.expect("version set", replyTimeout); err != nil {
		return err
	}
	return f.awaitMenu()
}

// Version returns the stored version tag, or "" when none is set.
func (f *Flasher) Version() (string, error) {
	line, err := f.command('4', "version: ", replyTimeout)
	if err != nil {
		return "", err
	}
	if err := f.awaitMenu(); err != nil {
		return "", err
	}
	v := strings.TrimPrefix(line, "version: ")
	if v == "not set" {
		return "", nil
	}
	return v, nil
}

// Reboot restarts the board.
func (f *Flasher) Reboot() error {
	_, err := f.command('7', "rebooting", replyTimeout)
	return err
}

func slotDigit(slot int) (byte, error) {
	if slot < 1 || slot > 9 {
		return 0, fmt.Errorf("slot %d must be within 1-9", slot)
	}
	return byte('0' + slot), nil
}

func menuTail() string {
	lines := embedded.Menu()
	return lines[len(lines)-1]
}

func (f *Flasher) awaitMenu() error {
	_, err := f.expect(menuTail(), replyTimeout)
	return err
}

// command sends one menu byte and waits for the line containing want.
func (f *Flasher) command(b byte, want string, timeout time.Duration) (string, error) {
	f.log.WithField("command", string(b)).Debug("menu command")
	if err := f.send([]byte{b}); err != nil {
		return "", err
	}
	return f.expect(want, timeout)
}

func (f *Flasher) send(data []byte) error {
	if _, err := f.port.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// fill reads once and reports whether anything arrived.
func (f *Flasher) fill(timeout time.Duration) (bool, error) {
	buf := make([]byte, 256)
	n, err := f.port.ReadWithTimeout(buf, timeout)
	if n > 0 {
		f.rx = append(f.rx, buf[:n]...)
	}
	if err != nil {
		return n > 0, fmt.Errorf("read: %w", err)
	}
	return n > 0, nil
}

// expect consumes lines until one contains want. An error line from the
// loader ends the wait. timeout counts silent reads only.
func (f *Flasher) expect(want string, timeout time.Duration) (string, error) {
	for waited := time.Duration(0); ; {
		for {
			i := bytes.Index(f.rx, []byte("\r\n"))
			if i < 0 {
				break
			}
			line := string(f.rx[:i])
			f.rx = f.rx[i+2:]
			f.log.WithField("line", line).Debug("loader")

			if msg, ok := strings.CutPrefix(line, "error: "); ok {
				return line, &DeviceError{Message: msg}
			}
			if strings.Contains(line, want) {
				return line, nil
			}
		}

		if waited >= timeout {
			return "", fmt.Errorf("%q: %w", want, ErrTimeout)
		}
		got, err := f.fill(readSlice)
		if err != nil {
			return "", err
		}
		if !got {
			waited += readSlice
		}
	}
}

// awaitControl returns the next ACK, NAK or CAN. Handshake polls are
// skipped; an error line from the loader ends the wait.
func (f *Flasher) awaitControl(timeout time.Duration) (byte, error) {
	for waited := time.Duration(0); ; {
		if i := bytes.Index(f.rx, []byte("error: ")); i >= 0 {
			if j := bytes.Index(f.rx[i:], []byte("\r\n")); j >= 0 {
				msg := string(f.rx[i+len("error: ") : i+j])
				f.rx = f.rx[i+j+2:]
				return 0, &DeviceError{Message: msg}
			}
		}
		if i := bytes.IndexAny(f.rx, string([]byte{protocol.ACK, protocol.NAK, protocol.CAN})); i >= 0 {
			b := f.rx[i]
			f.rx = f.rx[i+1:]
			return b, nil
		}

		if waited >= timeout {
			return 0, ErrTimeout
		}
		got, err := f.fill(readSlice)
		if err != nil {
			return 0, err
		}
		if !got {
			waited += readSlice
		}
	}
}

func (f *Flasher) awaitPoll(timeout time.Duration) error {
	for waited := time.Duration(0); ; {
		if i := bytes.IndexByte(f.rx, protocol.Poll); i >= 0 {
			f.rx = f.rx[i+1:]
			return nil
		}
		f.rx = f.rx[:0]
		if waited >= timeout {
			return fmt.Errorf("handshake: %w", ErrTimeout)
		}
		got, err := f.fill(readSlice)
		if err != nil {
			return err
		}
		if !got {
			waited += readSlice
		}
	}
}

// sendXmodem uploads data once the receiver polls. The last block is padded
// with 0xFF.
func (f *Flasher) sendXmodem(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty image")
	}
	if err := f.awaitPoll(handshakeTimeout); err != nil {
		return err
	}
	f.rx = f.rx[:0]

	total := (len(data) + protocol.PayloadSize - 1) / protocol.PayloadSize
	for i := 0; i < total; i++ {
		start := i * protocol.PayloadSize
		end := min(start+protocol.PayloadSize, len(data))
		frame := protocol.NewPacket(byte(i+1), data[start:end]).Encode()

		if err := f.deliver(frame, fmt.Sprintf("block %d", i+1)); err != nil {
			return err
		}
		f.reportProgress(i+1, total)
	}

	return f.deliver([]byte{protocol.EOT}, "EOT")
}

// deliver sends frame until it is acknowledged.
func (f *Flasher) deliver(frame []byte, what string) error {
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		if err := f.send(frame); err != nil {
			return err
		}
		reply, err := f.awaitControl(blockTimeout)
		switch {
		case err != nil && !errors.Is(err, ErrTimeout):
			return err
		case reply == protocol.ACK:
			return nil
		case reply == protocol.CAN:
			return fmt.Errorf("%s: transfer cancelled by loader", what)
		}
		f.log.WithFields(logrus.Fields{"frame": what, "attempt": attempt, "reply": protocol.ControlName(reply)}).Debug("retrying")
	}
	return fmt.Errorf("%s: no ACK after %d attempts", what, MaxRetries)
}
