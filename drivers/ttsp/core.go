package ttsp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"touchcode-go/internal/irq"
)

// Core is the per-device context. All device state lives here and is
// guarded by mu; bus transfers are serialised separately by the bus lock.
type Core struct {
	cfg  Config
	log  *slog.Logger
	bus  *regBus
	arb  *arbiter
	att  attentionRegistry
	self *Client

	mu             sync.Mutex
	changed        cond // broadcast on every state change under mu
	mode           Mode
	sleep          SleepState
	startup        StartupState
	status         IntStatus
	heartbeats     int
	irqSeq         uint64
	sysinfo        *SysInfo
	invalidApp     bool
	lastStartupErr error
	startupsDone   uint64
	params         []Param
	stats          Stats
	published      State

	irqw       *irq.Worker
	irqEnabled atomic.Bool
	ignoreIRQ  atomic.Bool
	startupQ   chan struct{}
	wd         *watchdog

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Stats are debug counters with the lifetime of the Core.
type Stats struct {
	Interrupts         uint64 // deferred dispatches
	ISRDrops           uint32 // fast-stage hand-offs lost to a full queue
	Handshakes         uint64
	Reports            uint64 // report blocks delivered
	MalformedReports   uint64
	Heartbeats         uint64
	Glitches           uint64 // unexpected bootloader entries
	StartupsQueued     uint64
	StartupsRun        uint64
	StartupFailures    uint64
	Resets             uint64
	PowerCycles        uint64
	WatchdogFires      uint64
	WatchdogRecoveries uint64
	BusyRetries        uint64
	BusErrors          uint32
}

// State is the observable summary published on every change.
type State struct {
	Device       string
	Mode         Mode
	Sleep        SleepState
	Startup      StartupState
	InvalidApp   bool
	SysInfoReady bool
}

// New builds a Core over t. Nothing touches the device until Start.
func New(t Transport, cfg Config) (*Core, error) {
	if t == nil {
		return nil, fail(ErrInvalidParams, "new", "nil transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	c := &Core{
		cfg:      cfg,
		log:      cfg.Logger.With("device", cfg.Name),
		bus:      newRegBus(t, cfg.MaxXfer),
		arb:      newArbiter(),
		self:     NewClient(cfg.Name + "-core"),
		changed:  newCond(),
		startupQ: make(chan struct{}, 1),
	}
	c.arb.onRelease = c.exclusiveReleased
	c.irqw = irq.New(cfg.IRQQueueDepth, c.dispatch)
	c.wd = newWatchdog(cfg.WatchdogInterval, c.watchdogCheck)
	return c, nil
}

// Start loads persisted parameters, launches the interrupt, startup and
// watchdog workers, and queues the first startup. It does not wait for
// it; see AwaitStartup.
func (c *Core) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fail(ErrBusy, "start", "already started")
	}
	if c.cfg.Params != nil {
		ps, err := c.cfg.Params.LoadParams(c.cfg.Name)
		if err != nil {
			c.log.Warn("stored params unavailable", "err", err)
		}
		c.mu.Lock()
		for _, p := range ps {
			if p.validate() == nil {
				c.rememberParamLocked(p)
			}
		}
		c.mu.Unlock()
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.irqw.Start(ctx)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.startupWorker(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.wd.run(ctx)
	}()

	c.mu.Lock()
	c.queueStartupLocked("attach")
	c.mu.Unlock()
	return nil
}

// Detach stops every worker and tears down the system information. The
// Core cannot be restarted.
func (c *Core) Detach() {
	if c.cancel == nil {
		return
	}
	c.wd.stop()
	c.disableIRQ()
	c.cancel()
	c.wg.Wait()
	<-c.irqw.Stopped()

	c.mu.Lock()
	c.sysinfo = nil
	c.mode = ModeUnknown
	c.startup = StartupNone
	c.changed.broadcast()
	c.publishLocked()
	c.mu.Unlock()
	c.log.Info("detached")
}

// IRQ is the fast stage of interrupt handling. It is safe from any
// context, never blocks and never takes the state lock.
func (c *Core) IRQ() {
	if !c.irqEnabled.Load() || c.ignoreIRQ.Load() {
		return
	}
	c.irqw.Trigger()
}

func (c *Core) enableIRQ() {
	c.irqEnabled.Store(true)
	if c.cfg.IRQLine != nil {
		c.cfg.IRQLine.EnableIRQ()
	}
}

func (c *Core) disableIRQ() {
	if c.cfg.IRQLine != nil {
		c.cfg.IRQLine.DisableIRQ()
	}
	c.irqEnabled.Store(false)
}

// ---------------- Client operations ----------------

func (c *Core) checkModeLocked(op string, mode Mode) error {
	if mode != ModeAny && c.mode != mode {
		return fail(ErrAccessDenied, op, fmt.Sprintf("device in %s mode, want %s", c.mode, mode))
	}
	return nil
}

// Read reads len(buf) bytes at addr if the device is in mode (ModeAny
// skips the check).
func (c *Core) Read(mode Mode, addr uint16, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeLocked("read", mode); err != nil {
		return err
	}
	return c.bus.Read(addr, buf)
}

func (c *Core) Write(mode Mode, addr uint16, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeLocked("write", mode); err != nil {
		return err
	}
	return c.bus.Write(addr, buf)
}

func (c *Core) Subscribe(e EventType, mask Mode, cl *Client, h Handler) error {
	return c.att.Subscribe(e, mask, cl, h)
}

func (c *Core) Unsubscribe(e EventType, mask Mode, cl *Client) error {
	return c.att.Unsubscribe(e, mask, cl)
}

// RequestExclusive waits up to timeout (<= 0: forever) for exclusive use
// of the device.
func (c *Core) RequestExclusive(cl *Client, timeout time.Duration) error {
	return c.arb.Acquire(cl, timeout)
}

func (c *Core) ReleaseExclusive(cl *Client) error {
	return c.arb.Release(cl)
}

func (c *Core) exclusiveReleased(prev *Client) {
	c.att.Notify(Attention{Type: EventExclusiveReleased, Mode: c.Mode()})
}

// RequestReset pulses the hardware reset (or writes the soft reset) and
// queues a startup. SysInfo is not ready again until that startup
// completes.
func (c *Core) RequestReset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetDeviceLocked()
	err := c.pulseResetLocked()
	c.queueStartupLocked("reset requested")
	return err
}

// RequestRestart queues a startup. With wait it blocks until a startup
// completes (bounded by RestartTimeout) and returns its result.
func (c *Core) RequestRestart(wait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.startupsDone
	c.queueStartupLocked("restart")
	if !wait {
		return nil
	}
	ok := c.changed.wait(&c.mu, c.cfg.RestartTimeout, func() bool { return c.startupsDone > gen })
	if !ok {
		return fail(ErrTimeout, "restart", "startup did not complete")
	}
	return c.lastStartupErr
}

// AwaitStartup blocks until the first startup has completed and returns
// its result.
func (c *Core) AwaitStartup(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.changed.wait(&c.mu, timeout, func() bool { return c.startupsDone > 0 })
	if !ok {
		return fail(ErrTimeout, "await_startup", "startup did not complete")
	}
	return c.lastStartupErr
}

// SysInfo returns the system information of the last successful startup.
func (c *Core) SysInfo() (*SysInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sysinfo == nil {
		return nil, fail(ErrNotReady, "sysinfo", "no successful startup")
	}
	return c.sysinfo, nil
}

// Handshake writes back the host-mode byte hst with its toggle inverted,
// acknowledging a report a client consumed itself.
func (c *Core) Handshake(hst byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakeLocked(hst)
}

func (c *Core) handshakeLocked(hst byte) error {
	if err := c.bus.Write(RegBase, []byte{hst ^ HstToggle}); err != nil {
		return err
	}
	c.stats.Handshakes++
	return nil
}

// ---------------- Introspection ----------------

func (c *Core) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Core) InvalidApp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidApp
}

func (c *Core) WatchdogActive() bool { return c.wd.active.Load() }

func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Core) stateLocked() State {
	return State{
		Device:       c.cfg.Name,
		Mode:         c.mode,
		Sleep:        c.sleep,
		Startup:      c.startup,
		InvalidApp:   c.invalidApp,
		SysInfoReady: c.sysinfo != nil,
	}
}

func (c *Core) Stats() Stats {
	c.mu.Lock()
	s := c.stats
	c.mu.Unlock()
	s.ISRDrops = c.irqw.Drops()
	s.BusErrors = c.bus.Errors()
	return s
}

// publishLocked hands the publisher a snapshot if anything changed.
func (c *Core) publishLocked() {
	s := c.stateLocked()
	if s == c.published {
		return
	}
	c.published = s
	if c.cfg.Publisher != nil {
		c.cfg.Publisher.PublishState(s)
	}
}

// settleLocked wakes waiters and publishes. Call after any state change.
func (c *Core) settleLocked() {
	c.changed.broadcast()
	c.publishLocked()
}
