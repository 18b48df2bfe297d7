package boot

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/iapboot/internal/xmodem"
)

// Config holds the machine settings.
type Config struct {
	// BootTimeout is how long the boot prompt waits for InterruptKey.
	BootTimeout time.Duration

	// HandshakeInterval is the Xmodem poll period.
	HandshakeInterval time.Duration

	// InterruptKey opens the menu when it starts a chunk inside the boot window.
	InterruptKey byte

	// Stack is the vector table plausibility test.
	Stack StackCheck

	// Logger receives diagnostics. Console text is not logged.
	Logger logrus.FieldLogger
}

func defaultConfig() Config {
	return Config{
		BootTimeout:       5 * time.Second,
		HandshakeInterval: xmodem.DefaultHandshakeInterval,
		InterruptKey:      'w',
		Stack:             DefaultStackCheck(),
		Logger:            logrus.StandardLogger(),
	}
}

// Option is a functional option for configuring the Machine.
type Option func(*Config)

// WithBootTimeout sets the boot window.
//
// Example:
//
//	m, _ := boot.New(platform, boot.WithBootTimeout(3*time.Second))
func WithBootTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.BootTimeout = d
		}
	}
}

// WithHandshakeInterval sets the Xmodem poll period.
func WithHandshakeInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.HandshakeInterval = d
		}
	}
}

// WithInterruptKey sets the key that opens the menu.
func WithInterruptKey(key byte) Option {
	return func(c *Config) {
		c.InterruptKey = key
	}
}

// WithStackCheck sets the vector table plausibility test.
func WithStackCheck(check StackCheck) Option {
	return func(c *Config) {
		c.Stack = check
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}
