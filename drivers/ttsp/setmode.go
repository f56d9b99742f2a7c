package ttsp

import "fmt"

// SetMode asks the device to switch to mode and waits, bounded by
// ModeChangeTimeout, for the interrupt that confirms it. Requesting the
// current mode returns immediately.
func (c *Core) SetMode(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setModeLocked(mode)
}

func (c *Core) setModeLocked(mode Mode) error {
	bits, ok := mode.hstBits()
	if !ok {
		return fail(ErrInvalidParams, "set_mode", "cannot request "+mode.String()+" mode")
	}
	if c.mode == mode {
		return nil
	}
	if c.mode == ModeBootloader || c.mode == ModeUnknown {
		return fail(ErrAccessDenied, "set_mode", "device in "+c.mode.String()+" mode")
	}

	var h [1]byte
	if err := c.bus.Read(RegBase, h[:]); err != nil {
		return err
	}
	c.status.Set(IntModeChange)
	req := h[0]&^(HstModeMask|HstModeChange|HstReset|HstDeepSleep) | bits | HstModeChange
	if err := c.bus.Write(RegBase, []byte{req}); err != nil {
		c.status.Clear(IntModeChange)
		return err
	}
	c.log.Debug("mode change requested", "from", c.mode, "to", mode, "hst", req)

	if !c.changed.wait(&c.mu, c.cfg.ModeChangeTimeout, func() bool { return !c.status.Has(IntModeChange) }) {
		c.status.Clear(IntModeChange)
		return fail(ErrTimeout, "set_mode", "no confirmation for "+mode.String())
	}
	if c.mode != mode {
		return fail(ErrAccessDenied, "set_mode", fmt.Sprintf("device settled in %s mode, want %s", c.mode, mode))
	}
	return nil
}
