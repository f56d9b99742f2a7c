// Package config loads the YAML description of one controller: how it is
// wired, how the core is tuned and where its parameters persist.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"touchcode-go/bus"
	"touchcode-go/drivers/ttsp"
	"touchcode-go/services/monitor"
)

const configPrefix = "config"

type File struct {
	Device  Device  `yaml:"device"`
	Lines   Lines   `yaml:"lines"`
	Core    Core    `yaml:"core"`
	Store   Store   `yaml:"store"`
	Monitor Monitor `yaml:"monitor"`
}

type Device struct {
	Name    string `yaml:"name"`
	Bus     string `yaml:"bus"` // i2c | spi
	Port    string `yaml:"port"`
	Addr    uint16 `yaml:"addr"`
	SpeedHz int64  `yaml:"speed_hz"`
	MaxXfer int    `yaml:"max_xfer"`
}

type Lines struct {
	Reset     string        `yaml:"reset"`
	ResetHold time.Duration `yaml:"reset_hold"`
	Power     string        `yaml:"power"`
	IRQ       string        `yaml:"irq"`
}

type Core struct {
	ExclusiveTimeout       time.Duration `yaml:"exclusive_timeout"`
	ModeChangeTimeout      time.Duration `yaml:"mode_change_timeout"`
	CommandTimeout         time.Duration `yaml:"command_timeout"`
	CommandCompleteTimeout time.Duration `yaml:"command_complete_timeout"`
	BootloaderTimeout      time.Duration `yaml:"bootloader_timeout"`
	WakeTimeout            time.Duration `yaml:"wake_timeout"`
	WatchdogInterval       time.Duration `yaml:"watchdog_interval"`
	PowerCycleDelay        time.Duration `yaml:"power_cycle_delay"`
	RestartTimeout         time.Duration `yaml:"restart_timeout"`
	StartupRetries         int           `yaml:"startup_retries"`
	SleepPolicy            string        `yaml:"sleep_policy"` // deep | event_wake
	WakePolicy             string        `yaml:"wake_policy"`  // resleep | report
	WakeEvent              uint8         `yaml:"wake_event"`
	IRQQueueDepth          int           `yaml:"irq_queue_depth"`
}

type Store struct {
	Path string `yaml:"path"` // empty keeps parameters in memory only
}

type Monitor struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the embedded configuration.
func Default() *File {
	f := &File{}
	if err := yaml.Unmarshal(defaultYAML, f); err != nil {
		panic("config: embedded default: " + err.Error())
	}
	return f
}

// Load reads path over the embedded default. An empty path returns the
// default alone.
func Load(path string) (*File, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes raw over the embedded default. Unknown keys are rejected.
func Parse(raw []byte) (*File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := f.CoreConfig(nil); err != nil {
		return nil, err
	}
	return f, nil
}

func sleepPolicy(s string) (ttsp.SleepPolicy, error) {
	switch s {
	case "deep", "":
		return ttsp.SleepDeep, nil
	case "event_wake":
		return ttsp.SleepEventWake, nil
	}
	return 0, fmt.Errorf("config: unknown sleep_policy %q", s)
}

func wakePolicy(s string) (ttsp.WakePolicy, error) {
	switch s {
	case "resleep", "":
		return ttsp.WakeResleep, nil
	case "report":
		return ttsp.WakeReport, nil
	}
	return 0, fmt.Errorf("config: unknown wake_policy %q", s)
}

// CoreConfig maps the device and core sections onto a ttsp.Config. Lines,
// the transport and stores are wired by the caller.
func (f *File) CoreConfig(log *slog.Logger) (ttsp.Config, error) {
	cfg := ttsp.DefaultConfig()
	sp, err := sleepPolicy(f.Core.SleepPolicy)
	if err != nil {
		return cfg, err
	}
	wp, err := wakePolicy(f.Core.WakePolicy)
	if err != nil {
		return cfg, err
	}
	c := f.Core
	cfg.Name = f.Device.Name
	cfg.MaxXfer = f.Device.MaxXfer
	cfg.ExclusiveTimeout = c.ExclusiveTimeout
	cfg.ModeChangeTimeout = c.ModeChangeTimeout
	cfg.CommandTimeout = c.CommandTimeout
	cfg.CommandCompleteTimeout = c.CommandCompleteTimeout
	cfg.BootloaderTimeout = c.BootloaderTimeout
	cfg.WakeTimeout = c.WakeTimeout
	cfg.WatchdogInterval = c.WatchdogInterval
	cfg.PowerCycleDelay = c.PowerCycleDelay
	cfg.RestartTimeout = c.RestartTimeout
	cfg.StartupRetries = c.StartupRetries
	cfg.SleepPolicy = sp
	cfg.WakePolicy = wp
	cfg.WakeEvent = c.WakeEvent
	cfg.IRQQueueDepth = c.IRQQueueDepth
	cfg.Logger = log
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Publish puts the sections services read at runtime on the bus as
// retained messages under {"config", <section>}.
func (f *File) Publish(conn *bus.Connection) {
	conn.Publish(conn.NewMessage(bus.Topic{configPrefix, "monitor"},
		monitor.Config{Interval: f.Monitor.Interval}, true))
	conn.Publish(conn.NewMessage(bus.Topic{configPrefix, "device"}, f.Device, true))
}
