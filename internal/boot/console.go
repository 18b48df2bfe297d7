package boot

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/iapboot/embedded"
)

// Console writes text lines and protocol bytes to the serial output.
// Sends block; a failed send is logged and otherwise ignored.
type Console struct {
	w   io.Writer
	log logrus.FieldLogger
}

// NewConsole wraps w.
func NewConsole(w io.Writer, log logrus.FieldLogger) *Console {
	return &Console{w: w, log: log}
}

// Printf writes one CRLF-terminated line.
func (c *Console) Printf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...) + "\r\n"
	if _, err := io.WriteString(c.w, line); err != nil {
		c.log.WithError(err).Warn("console write failed")
	}
}

// WriteByte sends a single control byte.
func (c *Console) WriteByte(b byte) error {
	_, err := c.w.Write([]byte{b})
	return err
}

// Menu prints the command menu.
func (c *Console) Menu() {
	c.Printf("")
	for _, line := range embedded.Menu() {
		c.Printf("%s", line)
	}
}
