// Package config holds loader and harness settings. Values come from
// Default, optionally overlaid by a YAML file, then by command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/bigbag/iapboot/internal/boot"
	"github.com/bigbag/iapboot/internal/flash"
	"github.com/bigbag/iapboot/internal/protocol"
)

// Layout mirrors flash.Layout plus the stack pointer check.
type Layout struct {
	FlashBase   uint32 `yaml:"flash_base"`
	PageSize    int    `yaml:"page_size"`
	PageCount   int    `yaml:"page_count"`
	LoaderPages int    `yaml:"loader_pages"`
	SlotSize    int    `yaml:"slot_size"`
	SlotCount   int    `yaml:"slot_count"`
	RAMBase     uint32 `yaml:"ram_base"`
	RAMMask     uint32 `yaml:"ram_mask"`
}

// Storage names the image files backing the simulated devices. An empty
// path keeps that device in memory.
type Storage struct {
	InternalImage string `yaml:"internal_image"`
	ExternalImage string `yaml:"external_image"`
	EEPROMImage   string `yaml:"eeprom_image"`
}

// Config is the full settings tree. Durations are written as Go duration
// strings ("5s", "10ms"). A bare integer decodes as nanoseconds and fails
// Validate.
type Config struct {
	Port              string        `yaml:"port"`
	Baud              int           `yaml:"baud"`
	BootTimeout       time.Duration `yaml:"boot_timeout"`
	HandshakeInterval time.Duration `yaml:"handshake_interval"`
	Tick              time.Duration `yaml:"tick"`
	InterruptKey      string        `yaml:"interrupt_key"`
	LogLevel          string        `yaml:"log_level"`
	Layout            Layout        `yaml:"layout"`
	Storage           Storage       `yaml:"storage"`
}

// Default returns the settings of the reference board.
func Default() Config {
	fl := flash.DefaultLayout()
	sc := boot.DefaultStackCheck()
	return Config{
		Baud:              protocol.DefaultBaudRate,
		BootTimeout:       5 * time.Second,
		HandshakeInterval: time.Second,
		Tick:              10 * time.Millisecond,
		InterruptKey:      "w",
		LogLevel:          "info",
		Layout: Layout{
			FlashBase:   fl.FlashBase,
			PageSize:    fl.PageSize,
			PageCount:   fl.PageCount,
			LoaderPages: fl.LoaderPages,
			SlotSize:    fl.SlotSize,
			SlotCount:   fl.SlotCount,
			RAMBase:     sc.RAMBase,
			RAMMask:     sc.Mask,
		},
	}
}

// Load reads path over Default. A missing path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// FlashLayout converts the layout section.
func (c Config) FlashLayout() flash.Layout {
	return flash.Layout{
		FlashBase:   c.Layout.FlashBase,
		PageSize:    c.Layout.PageSize,
		PageCount:   c.Layout.PageCount,
		LoaderPages: c.Layout.LoaderPages,
		SlotSize:    c.Layout.SlotSize,
		SlotCount:   c.Layout.SlotCount,
	}
}

// StackCheck converts the RAM settings.
func (c Config) StackCheck() boot.StackCheck {
	return boot.StackCheck{RAMBase: c.Layout.RAMBase, Mask: c.Layout.RAMMask}
}

// Key returns the interrupt key byte.
func (c Config) Key() byte {
	return c.InterruptKey[0]
}

// Level parses LogLevel.
func (c Config) Level() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}

// BootOptions returns the machine options these settings imply.
func (c Config) BootOptions(log logrus.FieldLogger) []boot.Option {
	return []boot.Option{
		boot.WithBootTimeout(c.BootTimeout),
		boot.WithHandshakeInterval(c.HandshakeInterval),
		boot.WithInterruptKey(c.Key()),
		boot.WithStackCheck(c.StackCheck()),
		boot.WithLogger(log),
	}
}

// minTick is the shortest loader tick; anything smaller is a unitless value.
const minTick = time.Millisecond

// Validate checks the settings for consistency. A zero boot_timeout boots
// without a window; any other duration must span at least one tick.
func (c Config) Validate() error {
	if c.Baud <= 0 {
		return fmt.Errorf("baud %d must be positive", c.Baud)
	}
	if c.Tick < minTick {
		return fmt.Errorf("tick %v below %v, durations need a unit like \"10ms\"", c.Tick, minTick)
	}
	if c.BootTimeout < 0 {
		return fmt.Errorf("boot_timeout %v is negative", c.BootTimeout)
	}
	if c.BootTimeout != 0 && c.BootTimeout < c.Tick {
		return fmt.Errorf("boot_timeout %v shorter than tick %v, durations need a unit like \"5s\"", c.BootTimeout, c.Tick)
	}
	if c.HandshakeInterval < c.Tick {
		return fmt.Errorf("handshake_interval %v shorter than tick %v", c.HandshakeInterval, c.Tick)
	}
	if len(c.InterruptKey) != 1 {
		return fmt.Errorf("interrupt_key %q must be a single byte", c.InterruptKey)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Layout.RAMMask&c.Layout.RAMBase != c.Layout.RAMBase {
		return errors.New("ram_base has bits outside ram_mask")
	}
	if err := c.FlashLayout().Validate(); err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	return nil
}
