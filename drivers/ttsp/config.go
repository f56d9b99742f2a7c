package ttsp

import (
	"log/slog"
	"time"

	"touchcode-go/errcode"
)

// ---------------- Platform lines ----------------

// ResetLine pulses the controller's hardware reset.
type ResetLine interface {
	Reset() error
}

// PowerRail switches the controller's supply.
type PowerRail interface {
	SetPower(on bool) error
}

// IRQLine gates delivery of the attention interrupt. While disabled the
// platform may latch an edge and deliver it on the next EnableIRQ.
type IRQLine interface {
	EnableIRQ()
	DisableIRQ()
}

// ParamStore persists runtime parameters across process restarts. The
// core calls SaveParam after every successful SetParam and LoadParams once
// in Start.
type ParamStore interface {
	LoadParams(device string) ([]Param, error)
	SaveParam(device string, p Param) error
}

// StatePublisher receives a snapshot on every observable state change. It
// is called with the state lock held and MUST NOT block or call back into
// the core.
type StatePublisher interface {
	PublishState(State)
}

// ---------------- Configuration ----------------

type Config struct {
	Name string

	// MaxXfer caps a single bus transfer. 0 asks the transport (Limits)
	// and falls back to 256.
	MaxXfer int

	ExclusiveTimeout       time.Duration // core's own acquisitions (sleep, wake, startup)
	ModeChangeTimeout      time.Duration
	CommandTimeout         time.Duration // default wait for command completion
	CommandCompleteTimeout time.Duration // busy-retry wait
	BootloaderTimeout      time.Duration // heartbeat and bootloader-exit waits
	WakeTimeout            time.Duration
	WatchdogInterval       time.Duration // 0 disables the watchdog
	PowerCycleDelay        time.Duration
	RestartTimeout         time.Duration // RequestRestart(wait=true) bound

	// StartupRetries is the number of hardware resets tried before the
	// power rail is cycled. One more full attempt follows the cycle.
	StartupRetries int

	SleepPolicy SleepPolicy
	WakePolicy  WakePolicy
	WakeEvent   byte // wait-for-event parameter for SleepEventWake

	IRQQueueDepth int

	Logger *slog.Logger

	Reset   ResetLine // nil: soft reset through the host-mode register
	Power   PowerRail // nil: no power-cycle recovery
	IRQLine IRQLine   // nil: the interrupt source is never masked

	// PowerUp replaces the dummy bus read used to bring the device out
	// of low power on wake.
	PowerUp func() error

	Params    ParamStore
	Publisher StatePublisher
}

func DefaultConfig() Config {
	return Config{
		Name:                   "ttsp",
		ExclusiveTimeout:       2 * time.Second,
		ModeChangeTimeout:      5 * time.Second,
		CommandTimeout:         500 * time.Millisecond,
		CommandCompleteTimeout: 500 * time.Millisecond,
		BootloaderTimeout:      500 * time.Millisecond,
		WakeTimeout:            500 * time.Millisecond,
		WatchdogInterval:       time.Second,
		PowerCycleDelay:        300 * time.Millisecond,
		RestartTimeout:         30 * time.Second,
		StartupRetries:         3,
		SleepPolicy:            SleepDeep,
		WakePolicy:             WakeResleep,
		IRQQueueDepth:          8,
	}
}

// withDefaults fills zero durations and counts from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	fill := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&c.ExclusiveTimeout, d.ExclusiveTimeout)
	fill(&c.ModeChangeTimeout, d.ModeChangeTimeout)
	fill(&c.CommandTimeout, d.CommandTimeout)
	fill(&c.CommandCompleteTimeout, d.CommandCompleteTimeout)
	fill(&c.BootloaderTimeout, d.BootloaderTimeout)
	fill(&c.WakeTimeout, d.WakeTimeout)
	fill(&c.PowerCycleDelay, d.PowerCycleDelay)
	fill(&c.RestartTimeout, d.RestartTimeout)
	if c.StartupRetries == 0 {
		c.StartupRetries = d.StartupRetries
	}
	if c.IRQQueueDepth == 0 {
		c.IRQQueueDepth = d.IRQQueueDepth
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.MaxXfer < 0:
		return fail(errcode.InvalidParams, "config", "max transfer must not be negative")
	case c.MaxXfer > 0 && c.MaxXfer < HeaderLen:
		return fail(errcode.InvalidParams, "config", "max transfer below header size")
	case c.StartupRetries < 0:
		return fail(errcode.InvalidParams, "config", "startup retries must not be negative")
	case c.WatchdogInterval < 0:
		return fail(errcode.InvalidParams, "config", "watchdog interval must not be negative")
	case c.SleepPolicy > SleepEventWake:
		return fail(errcode.InvalidParams, "config", "unknown sleep policy")
	case c.WakePolicy > WakeReport:
		return fail(errcode.InvalidParams, "config", "unknown wake policy")
	}
	return nil
}
