package ttsp

// heartbeatLimit is how many idle bootloader heartbeats are tolerated
// outside a startup before the device is considered stuck there.
const heartbeatLimit = 4

// dispatch is the deferred interrupt stage. It runs on the irq worker and
// is never concurrent with itself.
func (c *Core) dispatch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.irqSeq++
	c.stats.Interrupts++
	defer c.settleLocked()

	var hdr [HeaderLen]byte
	if err := c.bus.Read(RegBase, hdr[:]); err != nil {
		c.log.Warn("interrupt header read failed", "err", err)
		return
	}
	hst := hdr[0]
	c.log.Debug("interrupt", "hst", hst, "mode", c.mode, "status", c.status)

	if isBootloader(hdr[:]) {
		c.bootloaderInterruptLocked(hdr[:])
		return
	}

	if c.status.Has(IntIgnore) {
		c.sleepInterruptLocked(hdr[:])
		return
	}

	changing := hst&HstModeChange != 0
	devMode := modeFromHst(hst)

	if c.status.Has(IntAwake) {
		c.status.Clear(IntAwake)
	}

	switch {
	case c.status.Has(IntModeChange) && !changing:
		if devMode != c.mode {
			c.log.Info("mode changed", "from", c.mode, "to", devMode)
		}
		c.mode = devMode
		c.status.Clear(IntModeChange)
	case !c.status.Has(IntModeChange) && !changing && devMode != c.mode:
		c.log.Warn("unexpected mode", "reported", devMode, "expected", c.mode)
		c.queueStartupLocked("unexpected mode")
		return
	}

	if c.status.Has(IntExecCmd) {
		c.commandInterruptLocked(hdr[:])
	}

	if changing {
		return
	}

	if c.mode == ModeOperational && c.sysinfo != nil {
		c.reportLocked()
	}

	if err := c.handshakeLocked(hst); err != nil {
		c.log.Warn("handshake failed", "err", err)
	}
}

// bootloaderInterruptLocked handles an interrupt whose header carries the
// bootloader signature: expected during startup, a heartbeat while idle in
// the bootloader, or a glitch (unexpected reset) otherwise.
func (c *Core) bootloaderInterruptLocked(hdr []byte) {
	prev := c.mode
	c.mode = ModeBootloader

	switch {
	case c.startup == StartupRunning:
		c.heartbeats = 0
	case prev != ModeBootloader && prev != ModeUnknown:
		c.stats.Glitches++
		c.log.Warn("device reset unexpectedly", "was", prev)
		c.sysinfo = nil
		c.queueStartupLocked("bootloader glitch")
	case prev == ModeBootloader && bootloaderIdle(hdr):
		c.heartbeats++
		c.stats.Heartbeats++
		c.log.Debug("bootloader heartbeat", "count", c.heartbeats)
		if c.heartbeats >= heartbeatLimit {
			c.heartbeats = 0
			c.queueStartupLocked("stuck in bootloader")
		}
	default:
		// Heartbeats only count while consecutive.
		c.heartbeats = 0
	}
}

// sleepInterruptLocked handles a device-initiated interrupt while the host
// considers the device asleep.
func (c *Core) sleepInterruptLocked(hdr []byte) {
	if c.cfg.WakePolicy == WakeReport {
		h := append([]byte(nil), hdr...)
		mode := c.mode
		c.mu.Unlock()
		c.att.Notify(Attention{Type: EventWake, Mode: mode, Data: h})
		c.mu.Lock()
		return
	}
	c.ignoreIRQ.Store(true)
	err := c.bus.Write(RegBase, []byte{hdr[0] | HstDeepSleep})
	c.ignoreIRQ.Store(false)
	if err != nil {
		c.log.Warn("resleep failed", "err", err)
	}
}

// commandInterruptLocked clears the pending command flag if the command
// register reports completion.
func (c *Core) commandInterruptLocked(hdr []byte) {
	ofs, err := c.cmdOffsetLocked(c.mode)
	if err != nil {
		return
	}
	var cmd byte
	if int(ofs) < len(hdr) {
		cmd = hdr[ofs]
	} else if cmd, err = c.cmdByteLocked(ofs); err != nil {
		return
	}
	if cmd&CmdComplete != 0 {
		c.status.Clear(IntExecCmd)
	}
}

// reportLocked reads the operational report block and hands it to IRQ
// subscribers with the lock released.
func (c *Core) reportLocked() {
	op := c.sysinfo.Op
	block := make([]byte, op.RepSize)
	if err := c.bus.Read(uint16(op.RepOffset), block); err != nil {
		c.log.Warn("report read failed", "err", err)
		return
	}
	length := block[0]
	count := block[op.TTStatOffset-op.RepOffset] & TTStatCountMask
	if length == 0 && count > 0 {
		c.stats.MalformedReports++
		c.log.Warn("malformed report", "err", ErrMalformedReport, "records", count)
		return
	}
	c.stats.Reports++
	mode := c.mode
	c.mu.Unlock()
	c.att.Notify(Attention{Type: EventIRQ, Mode: mode, Data: block})
	c.mu.Lock()
}
