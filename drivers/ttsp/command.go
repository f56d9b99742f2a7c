package ttsp

import (
	"fmt"
	"time"
)

// Operational-mode command codes.
const (
	OpCmdNull         = 0x00
	OpCmdGetParam     = 0x02
	OpCmdSetParam     = 0x03
	OpCmdGetCfgCRC    = 0x05
	OpCmdWaitForEvent = 0x06
)

// CAT-mode command codes.
const (
	CatCmdNull                = 0x00
	CatCmdGetCfgRowSize       = 0x02
	CatCmdReadCfgBlock        = 0x03
	CatCmdWriteCfgBlock       = 0x04
	CatCmdCalibrateIDACs      = 0x09
	CatCmdInitBaselines       = 0x0A
	CatCmdExecPanelScan       = 0x0B
	CatCmdRetrievePanelScan   = 0x0C
	CatCmdStartSensorDataMode = 0x0D
	CatCmdStopSensorDataMode  = 0x0E
	CatCmdVerifyCfgBlockCRC   = 0x11
)

// cmdShape is a command's fixed buffer length and response header length.
// Block commands carry their payload length explicitly on top.
type cmdShape struct {
	name    string
	cmdLen  int
	respLen int
}

var opCmds = map[byte]cmdShape{
	OpCmdNull:         {"null", 1, 0},
	OpCmdGetParam:     {"get_param", 2, 2},
	OpCmdSetParam:     {"set_param", 3, 2},
	OpCmdGetCfgCRC:    {"get_cfg_crc", 2, 3},
	OpCmdWaitForEvent: {"wait_for_event", 2, 0},
}

var catCmds = map[byte]cmdShape{
	CatCmdNull:                {"null", 1, 0},
	CatCmdGetCfgRowSize:       {"get_cfg_row_size", 1, 2},
	CatCmdReadCfgBlock:        {"read_cfg_block", 6, 5},
	CatCmdWriteCfgBlock:       {"write_cfg_block", 6, 5},
	CatCmdCalibrateIDACs:      {"calibrate_idacs", 2, 1},
	CatCmdInitBaselines:       {"init_baselines", 2, 1},
	CatCmdExecPanelScan:       {"exec_panel_scan", 1, 1},
	CatCmdRetrievePanelScan:   {"retrieve_panel_scan", 6, 5},
	CatCmdStartSensorDataMode: {"start_sensor_data_mode", 1, 0},
	CatCmdStopSensorDataMode:  {"stop_sensor_data_mode", 1, 0},
	CatCmdVerifyCfgBlockCRC:   {"verify_cfg_block_crc", 2, 5},
}

func lookupCmd(mode Mode, code byte) (cmdShape, bool) {
	switch mode {
	case ModeOperational:
		s, ok := opCmds[code&CmdCodeMask]
		return s, ok
	case ModeCat:
		s, ok := catCmds[code&CmdCodeMask]
		return s, ok
	}
	return cmdShape{}, false
}

// cmdOffsetLocked returns the command register offset for mode.
func (c *Core) cmdOffsetLocked(mode Mode) (uint16, error) {
	switch mode {
	case ModeCat:
		return CatCmdOffset, nil
	case ModeOperational:
		if c.sysinfo == nil {
			return 0, fail(ErrNotReady, "exec_cmd", "no system information")
		}
		return uint16(c.sysinfo.Op.CmdOffset), nil
	}
	return 0, fail(ErrAccessDenied, "exec_cmd", "no command register in "+mode.String()+" mode")
}

// ExecCmd issues cmd (code byte then parameters) in mode and, when timeout
// is positive, waits for completion and reads len(resp) bytes of response.
// A device that still reports a previous command in progress is retried
// once after waiting for a completion interrupt.
func (c *Core) ExecCmd(mode Mode, cmd, resp []byte, timeout time.Duration) error {
	if len(cmd) == 0 {
		return fail(ErrInvalidParams, "exec_cmd", "empty command")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execCmdLocked(mode, cmd, resp, timeout)
}

func (c *Core) execCmdLocked(mode Mode, cmd, resp []byte, timeout time.Duration) error {
	if c.mode != mode {
		return fail(ErrAccessDenied, "exec_cmd",
			fmt.Sprintf("device in %s mode, want %s", c.mode, mode))
	}
	ofs, err := c.cmdOffsetLocked(mode)
	if err != nil {
		return err
	}

	cur, err := c.cmdByteLocked(ofs)
	if err != nil {
		return err
	}
	if cur&CmdComplete == 0 {
		c.stats.BusyRetries++
		c.log.Debug("command register busy", "device", c.cfg.Name, "cmd", cur)
		seq := c.irqSeq
		c.changed.wait(&c.mu, c.cfg.CommandCompleteTimeout, func() bool {
			return c.irqSeq != seq && !c.status.Has(IntExecCmd)
		})
		if c.mode != mode {
			return fail(ErrAccessDenied, "exec_cmd", "mode changed while busy")
		}
		if cur, err = c.cmdByteLocked(ofs); err != nil {
			return err
		}
		if cur&CmdComplete == 0 {
			return fail(ErrBusy, "exec_cmd", "previous command still running")
		}
	}

	if len(cmd) > 1 {
		if err := c.bus.Write(ofs+1, cmd[1:]); err != nil {
			return err
		}
	}
	c.status.Set(IntExecCmd)
	trigger := cmd[0]&CmdCodeMask | (cur&CmdToggle ^ CmdToggle)
	if err := c.bus.Write(ofs, []byte{trigger}); err != nil {
		c.status.Clear(IntExecCmd)
		return err
	}

	if timeout > 0 {
		ok := c.changed.wait(&c.mu, timeout, func() bool { return !c.status.Has(IntExecCmd) })
		if !ok {
			c.status.Clear(IntExecCmd)
			return fail(ErrTimeout, "exec_cmd", fmt.Sprintf("command 0x%02x not completed", cmd[0]&CmdCodeMask))
		}
	}
	if len(resp) > 0 {
		return c.bus.Read(ofs+1, resp)
	}
	return nil
}

func (c *Core) cmdByteLocked(ofs uint16) (byte, error) {
	var b [1]byte
	if err := c.bus.Read(ofs, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// execLocked runs a table command with the default timeout and returns its
// response header plus extra payload bytes.
func (c *Core) execLocked(mode Mode, code byte, params []byte, extra int) ([]byte, error) {
	shape, ok := lookupCmd(mode, code)
	if !ok {
		return nil, fail(ErrInvalidParams, "exec_cmd", fmt.Sprintf("unknown command 0x%02x", code))
	}
	cmd := make([]byte, 1+len(params))
	cmd[0] = code
	copy(cmd[1:], params)
	if len(cmd) < shape.cmdLen {
		cmd = append(cmd, make([]byte, shape.cmdLen-len(cmd))...)
	}
	resp := make([]byte, shape.respLen+extra)
	if err := c.execCmdLocked(mode, cmd, resp, c.cfg.CommandTimeout); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Core) exec(mode Mode, code byte, params []byte, extra int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execLocked(mode, code, params, extra)
}

func checkStatus(op string, status byte) error {
	switch status {
	case StatusOK:
		return nil
	case StatusCRC:
		return fail(ErrCRCMismatch, op, "device reported crc error")
	}
	return fail(ErrCommandFailed, op, fmt.Sprintf("status 0x%02x", status))
}
