package ttsp

import (
	"context"
	"errors"
	"strconv"
	"time"

	"touchcode-go/errcode"
)

// queueStartupLocked schedules a startup. Queuing while one is queued or
// running is a no-op.
func (c *Core) queueStartupLocked(reason string) {
	if c.startup != StartupNone {
		return
	}
	c.startup = StartupQueued
	c.stats.StartupsQueued++
	c.log.Info("startup queued", "reason", reason)
	select {
	case c.startupQ <- struct{}{}:
	default:
	}
	c.settleLocked()
}

func (c *Core) startupWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.startupQ:
			c.runStartup(ctx)
		}
	}
}

type startupStep uint8

const (
	stepReset startupStep = iota
	stepWaitBootloader
	stepExitBootloader
	stepReadSysInfo
	stepOperate
	stepDone
)

func (s startupStep) String() string {
	switch s {
	case stepReset:
		return "reset"
	case stepWaitBootloader:
		return "wait_bootloader"
	case stepExitBootloader:
		return "exit_bootloader"
	case stepReadSysInfo:
		return "read_sysinfo"
	case stepOperate:
		return "operate"
	case stepDone:
		return "done"
	}
	return "invalid"
}

// startupRun is one startup sequence. remaining counts resets left before
// the power rail is cycled; after the cycle one more full attempt is made.
type startupRun struct {
	step        startupStep
	remaining   int
	powerCycled bool
	attempt     int
}

func (c *Core) runStartup(ctx context.Context) {
	for {
		if err := c.arb.Acquire(c.self, c.cfg.ExclusiveTimeout); err == nil {
			break
		}
		c.log.Warn("startup waiting for exclusivity", "holder", c.arb.Owner())
		if ctx.Err() != nil {
			return
		}
	}

	c.mu.Lock()
	c.startup = StartupRunning
	c.stats.StartupsRun++
	wasSleeping := c.sleep != SleepOff
	c.sleep = SleepOff
	c.status.Clear(IntIgnore)
	c.invalidApp = false
	c.sysinfo = nil
	c.settleLocked()
	c.mu.Unlock()

	c.wd.stop()
	c.enableIRQ()

	c.mu.Lock()
	err := c.startupSequenceLocked(ctx)
	c.lastStartupErr = err
	switch {
	case err == nil:
		c.log.Info("startup complete", "mode", c.mode)
	case errors.Is(err, ErrInvalidApp):
		c.stats.StartupFailures++
		c.log.Error("touch application invalid", "err", err)
	default:
		c.stats.StartupFailures++
		c.log.Error("startup failed", "err", err)
	}
	mode := c.mode
	c.mu.Unlock()

	c.att.Notify(Attention{Type: EventStartup, Mode: mode})

	c.mu.Lock()
	if err == nil && wasSleeping {
		if serr := c.sleepHeldLocked(); serr != nil {
			c.log.Warn("sleep not restored", "err", serr)
		}
	}
	sleeping := c.sleep != SleepOff
	invalid := c.invalidApp
	c.mu.Unlock()

	if rerr := c.arb.Release(c.self); rerr != nil {
		c.log.Warn("startup release", "err", rerr)
	}
	if !sleeping && !invalid {
		c.wd.start()
	}

	c.mu.Lock()
	c.startup = StartupNone
	c.startupsDone++
	c.settleLocked()
	c.mu.Unlock()
}

func (c *Core) startupSequenceLocked(ctx context.Context) error {
	r := startupRun{step: stepReset, remaining: max(c.cfg.StartupRetries, 1)}
	for r.step != stepDone {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.startupStepLocked(&r)
		if err == nil {
			continue
		}
		c.log.Warn("startup step failed", "step", r.step, "attempt", r.attempt, "err", err)
		if err = c.startupRecoverLocked(&r, err); err != nil {
			return err
		}
	}
	return nil
}

// startupStepLocked runs the current step and advances r on success.
func (c *Core) startupStepLocked(r *startupRun) error {
	switch r.step {
	case stepReset:
		r.attempt++
		if err := c.resetLocked(); err != nil {
			return err
		}
		r.step = stepWaitBootloader

	case stepWaitBootloader:
		if !c.changed.wait(&c.mu, c.cfg.BootloaderTimeout, func() bool { return c.mode == ModeBootloader }) {
			// The heartbeat interrupt may have been lost; look directly.
			var hdr [HeaderLen]byte
			if err := c.bus.Read(RegBase, hdr[:]); err != nil {
				return err
			}
			if !isBootloader(hdr[:]) {
				return fail(ErrTimeout, "startup", "no bootloader heartbeat")
			}
			c.mode = ModeBootloader
		}
		r.step = stepExitBootloader

	case stepExitBootloader:
		c.status.Set(IntModeChange)
		if err := c.bus.Write(RegBase, BootloaderExit[:]); err != nil {
			c.status.Clear(IntModeChange)
			return err
		}
		ok := c.changed.wait(&c.mu, c.cfg.BootloaderTimeout, func() bool { return c.mode == ModeSysInfo })
		c.status.Clear(IntModeChange)
		if !ok {
			var hdr [3]byte
			if err := c.bus.Read(RegBase, hdr[:]); err == nil && bootloaderAppCorrupt(hdr[:]) {
				c.invalidApp = true
				c.settleLocked()
				return fail(ErrInvalidApp, "startup", "bootloader reports corrupt application")
			}
			return fail(ErrTimeout, "startup", "device did not leave the bootloader")
		}
		r.step = stepReadSysInfo

	case stepReadSysInfo:
		si, err := c.readSysInfoLocked()
		if err != nil {
			return err
		}
		c.sysinfo = si
		c.log.Info("system information",
			"ttpid", si.CyData.TTPID, "fw", [2]uint8{si.CyData.FWMajor, si.CyData.FWMinor},
			"endianness", si.Endianness, "max_touches", si.Op.MaxTouches)
		c.settleLocked()
		r.step = stepOperate

	case stepOperate:
		if err := c.setModeLocked(ModeOperational); err != nil {
			return err
		}
		c.restoreParamsLocked()
		r.step = stepDone
	}
	return nil
}

// startupRecoverLocked is the single recovery dispatch: reset again while
// retries remain, then cycle power once, then give up.
func (c *Core) startupRecoverLocked(r *startupRun, err error) error {
	if errors.Is(err, ErrInvalidApp) {
		return err
	}
	r.remaining--
	if r.remaining > 0 {
		r.step = stepReset
		return nil
	}
	if r.powerCycled || c.cfg.Power == nil {
		return &startupError{attempts: r.attempt, last: err}
	}
	if perr := c.powerCycleLocked(); perr != nil {
		return &startupError{attempts: r.attempt, last: perr}
	}
	r.powerCycled = true
	r.remaining = 1
	r.step = stepReset
	return nil
}

type startupError struct {
	attempts int
	last     error
}

func (e *startupError) Error() string {
	return "startup: " + string(ErrStartupFailed) + ": device not detected after " +
		strconv.Itoa(e.attempts) + " attempts: " + e.last.Error()
}

func (e *startupError) Unwrap() []error { return []error{ErrStartupFailed, e.last} }
func (e *startupError) Code() errcode.Code { return errcode.StartupFailed }

// resetLocked forgets the device state and resets it.
func (c *Core) resetLocked() error {
	c.forgetDeviceLocked()
	return c.pulseResetLocked()
}

// forgetDeviceLocked drops everything learned from the device since its
// last reset.
func (c *Core) forgetDeviceLocked() {
	c.mode = ModeUnknown
	c.status.Clear(IntModeChange | IntExecCmd | IntAwake)
	c.heartbeats = 0
	c.sysinfo = nil
	c.settleLocked()
}

// pulseResetLocked pulses the reset line, falling back to the soft reset
// bit.
func (c *Core) pulseResetLocked() error {
	c.stats.Resets++
	if c.cfg.Reset != nil {
		err := c.cfg.Reset.Reset()
		if err == nil {
			return nil
		}
		c.log.Warn("hardware reset failed, using soft reset", "err", err)
	}
	return c.bus.Write(RegBase, []byte{HstReset})
}

// powerCycleLocked drops the rail, holding the lock across the settle
// delays so nothing talks to an unpowered device.
func (c *Core) powerCycleLocked() error {
	c.stats.PowerCycles++
	c.log.Warn("power cycling device")
	if err := c.cfg.Power.SetPower(false); err != nil {
		return err
	}
	time.Sleep(c.cfg.PowerCycleDelay)
	if err := c.cfg.Power.SetPower(true); err != nil {
		return err
	}
	time.Sleep(c.cfg.PowerCycleDelay)
	return nil
}
