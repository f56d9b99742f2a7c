package ttsp

// Sleep puts the device into low power using the configured policy.
// Sleeping while asleep is a no-op.
func (c *Core) Sleep() error {
	pm := NewClient(c.cfg.Name + "-pm")
	if err := c.arb.Acquire(pm, c.cfg.ExclusiveTimeout); err != nil {
		return err
	}
	defer c.releasePM(pm)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleepHeldLocked()
}

func (c *Core) releasePM(pm *Client) {
	if err := c.arb.Release(pm); err != nil {
		c.log.Warn("power management release", "client", pm, "err", err)
	}
}

// sleepHeldLocked is Sleep for a caller that already holds exclusivity.
func (c *Core) sleepHeldLocked() error {
	if c.sleep == SleepOn || c.sleep == SleepSleeping {
		return nil
	}
	if c.sleep == SleepWaking {
		return fail(ErrBusy, "sleep", "wake in progress")
	}
	c.sleep = SleepSleeping
	c.settleLocked()
	c.wd.stop()
	c.disableIRQ()

	err := c.ensureOperationalLocked()
	if err == nil {
		err = c.enterLowPowerLocked()
	}
	if err != nil {
		c.log.Warn("sleep failed", "err", err)
		c.sleep = SleepOff
		c.enableIRQ()
		c.wd.start()
		c.settleLocked()
		return err
	}

	c.sleep = SleepOn
	c.status.Set(IntIgnore)
	if c.cfg.SleepPolicy == SleepEventWake {
		c.enableIRQ()
	}
	c.log.Info("sleeping", "policy", c.cfg.SleepPolicy)
	c.settleLocked()
	return nil
}

// ensureOperationalLocked checks the device is operational, forcing it
// there with interrupts briefly re-enabled if needed.
func (c *Core) ensureOperationalLocked() error {
	var h [1]byte
	if err := c.bus.Read(RegBase, h[:]); err != nil {
		return err
	}
	if isBootloader(h[:]) {
		return fail(ErrAccessDenied, "sleep", "device in bootloader")
	}
	if modeFromHst(h[0]) == ModeOperational && c.mode == ModeOperational {
		return nil
	}
	c.enableIRQ()
	err := c.setModeLocked(ModeOperational)
	c.disableIRQ()
	return err
}

func (c *Core) enterLowPowerLocked() error {
	switch c.cfg.SleepPolicy {
	case SleepEventWake:
		// The device completes this command only when it wakes.
		err := c.execCmdLocked(ModeOperational, []byte{OpCmdWaitForEvent, c.cfg.WakeEvent}, nil, 0)
		c.status.Clear(IntExecCmd)
		return err
	default:
		var h [1]byte
		if err := c.bus.Read(RegBase, h[:]); err != nil {
			return err
		}
		return c.bus.Write(RegBase, []byte{h[0] | HstDeepSleep})
	}
}

// Wake brings the device out of low power. If the device does not
// acknowledge and no longer looks operational, a startup is queued and
// the timeout is returned.
func (c *Core) Wake() error {
	pm := NewClient(c.cfg.Name + "-pm")
	if err := c.arb.Acquire(pm, c.cfg.ExclusiveTimeout); err != nil {
		return err
	}
	defer c.releasePM(pm)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.Clear(IntIgnore)
	if c.sleep != SleepOn {
		return nil
	}
	c.sleep = SleepWaking
	c.status.Set(IntAwake)
	c.settleLocked()
	c.enableIRQ()

	var err error
	if c.cfg.PowerUp != nil {
		err = c.cfg.PowerUp()
	} else {
		var b [1]byte
		err = c.bus.Read(RegBase, b[:])
	}
	if err != nil {
		c.log.Warn("wake access failed", "err", err)
	}

	if !c.changed.wait(&c.mu, c.cfg.WakeTimeout, func() bool { return !c.status.Has(IntAwake) }) {
		c.status.Clear(IntAwake)
		var hdr [HeaderLen]byte
		rerr := c.bus.Read(RegBase, hdr[:])
		if rerr != nil || isBootloader(hdr[:]) || modeFromHst(hdr[0]) != ModeOperational {
			c.log.Warn("device did not wake", "hst", hdr[0], "err", rerr)
			c.sleep = SleepOff
			c.queueStartupLocked("wake timeout")
			c.settleLocked()
			return fail(ErrTimeout, "wake", "no wake acknowledgement")
		}
	}

	c.sleep = SleepOff
	c.log.Info("awake")
	c.settleLocked()
	c.wd.start()
	return nil
}
