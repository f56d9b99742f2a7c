package ttsp

import "fmt"

// Config block commands run in CAT mode. Offsets, lengths and CRCs are
// encoded in the device's payload endianness.

func (c *Core) endiannessLocked() Endianness {
	if c.sysinfo == nil {
		return BigEndian
	}
	return c.sysinfo.Endianness
}

// ConfigRowSize returns the config block row size in bytes.
func (c *Core) ConfigRowSize() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rowSizeLocked()
}

func (c *Core) rowSizeLocked() (int, error) {
	resp, err := c.execLocked(ModeCat, CatCmdGetCfgRowSize, nil, 0)
	if err != nil {
		return 0, err
	}
	n := int(c.endiannessLocked().Uint16(resp))
	if n == 0 {
		return 0, fail(ErrCommandFailed, "cfg_row_size", "zero row size")
	}
	return n, nil
}

// WriteConfig writes data into config block ebid at offset, one row per
// command. The device must be in CAT mode.
func (c *Core) WriteConfig(ebid uint8, offset uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeConfigLocked(ebid, offset, data)
}

func (c *Core) writeConfigLocked(ebid uint8, offset uint16, data []byte) error {
	if len(data) == 0 {
		return fail(ErrInvalidParams, "write_config", "empty data")
	}
	if int(offset)+len(data) > 0xFFFF {
		return fail(ErrInvalidParams, "write_config", "block exceeds 64KiB")
	}
	row, err := c.rowSizeLocked()
	if err != nil {
		return err
	}
	e := c.endiannessLocked()
	for _, r := range splitRows(offset, len(data), row) {
		chunk := data[r.pos : r.pos+r.n]
		p := make([]byte, 5+len(chunk)+len(SecurityKey)+2)
		e.PutUint16(p[0:], r.offset)
		e.PutUint16(p[2:], uint16(r.n))
		p[4] = ebid
		copy(p[5:], chunk)
		copy(p[5+len(chunk):], SecurityKey[:])
		e.PutUint16(p[len(p)-2:], CRC16(chunk))

		resp, err := c.execLocked(ModeCat, CatCmdWriteCfgBlock, p, 0)
		if err != nil {
			return err
		}
		if err := checkStatus("write_config", resp[0]); err != nil {
			return fmt.Errorf("row at %d: %w", r.offset, err)
		}
	}
	return nil
}

// ReadConfig reads n bytes of config block ebid from offset, checking the
// CRC of every row.
func (c *Core) ReadConfig(ebid uint8, offset uint16, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || int(offset)+n > 0xFFFF {
		return nil, fail(ErrInvalidParams, "read_config", "bad length")
	}
	row, err := c.rowSizeLocked()
	if err != nil {
		return nil, err
	}
	e := c.endiannessLocked()
	out := make([]byte, 0, n)
	for _, r := range splitRows(offset, n, row) {
		p := make([]byte, 5)
		e.PutUint16(p[0:], r.offset)
		e.PutUint16(p[2:], uint16(r.n))
		p[4] = ebid
		resp, err := c.execLocked(ModeCat, CatCmdReadCfgBlock, p, r.n+2)
		if err != nil {
			return nil, err
		}
		if err := checkStatus("read_config", resp[0]); err != nil {
			return nil, err
		}
		if resp[1] != ebid || int(e.Uint16(resp[2:])) != r.n {
			return nil, fail(ErrCommandFailed, "read_config", "response header mismatch")
		}
		data := resp[5 : 5+r.n]
		if got, want := CRC16(data), e.Uint16(resp[5+r.n:]); got != want {
			return nil, fail(ErrCRCMismatch, "read_config", fmt.Sprintf("row at %d: crc %04x, device sent %04x", r.offset, got, want))
		}
		out = append(out, data...)
	}
	return out, nil
}

// VerifyConfigCRC asks the device to check block ebid against its stored
// CRC and returns the calculated value.
func (c *Core) VerifyConfigCRC(ebid uint8) (uint16, error) {
	resp, err := c.exec(ModeCat, CatCmdVerifyCfgBlockCRC, []byte{ebid}, 0)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	e := c.endiannessLocked()
	c.mu.Unlock()
	calc, stored := e.Uint16(resp[1:]), e.Uint16(resp[3:])
	if err := checkStatus("verify_config", resp[0]); err != nil {
		return calc, err
	}
	if calc != stored {
		return calc, fail(ErrCRCMismatch, "verify_config", fmt.Sprintf("calculated %04x, stored %04x", calc, stored))
	}
	return calc, nil
}

// GetConfigCRC reads the stored CRC of block ebid in operational mode.
func (c *Core) GetConfigCRC(ebid uint8) (uint16, error) {
	resp, err := c.exec(ModeOperational, OpCmdGetCfgCRC, []byte{ebid}, 0)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_config_crc", resp[0]); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endiannessLocked().Uint16(resp[1:]), nil
}

// CalibrateIDACs runs IDAC calibration for a sensing mode (mutual,
// buttons, self).
func (c *Core) CalibrateIDACs(sensingMode uint8) error {
	resp, err := c.exec(ModeCat, CatCmdCalibrateIDACs, []byte{sensingMode}, 0)
	if err != nil {
		return err
	}
	return checkStatus("calibrate_idacs", resp[0])
}

// InitBaselines re-initialises baselines for the sensing modes in mask.
func (c *Core) InitBaselines(mask uint8) error {
	resp, err := c.exec(ModeCat, CatCmdInitBaselines, []byte{mask}, 0)
	if err != nil {
		return err
	}
	return checkStatus("init_baselines", resp[0])
}

func (c *Core) ExecPanelScan() error {
	resp, err := c.exec(ModeCat, CatCmdExecPanelScan, nil, 0)
	if err != nil {
		return err
	}
	return checkStatus("exec_panel_scan", resp[0])
}

// PanelScan is a slice of panel scan results.
type PanelScan struct {
	DataType    uint8
	ElementSize int
	Data        []byte
}

// RetrievePanelScan reads count elements of dataType starting at element
// offset, after an ExecPanelScan. elemSize bounds the response buffer; the
// device reports the actual element size.
func (c *Core) RetrievePanelScan(offset, count uint16, dataType uint8, elemSize int) (PanelScan, error) {
	if elemSize <= 0 || elemSize > 4 {
		return PanelScan{}, fail(ErrInvalidParams, "retrieve_panel_scan", "element size must be 1..4")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.endiannessLocked()
	p := make([]byte, 5)
	e.PutUint16(p[0:], offset)
	e.PutUint16(p[2:], count)
	p[4] = dataType
	resp, err := c.execLocked(ModeCat, CatCmdRetrievePanelScan, p, int(count)*elemSize)
	if err != nil {
		return PanelScan{}, err
	}
	if err := checkStatus("retrieve_panel_scan", resp[0]); err != nil {
		return PanelScan{}, err
	}
	got := int(e.Uint16(resp[2:]))
	size := int(resp[4] & 0x07)
	if got > int(count) || size == 0 || size > elemSize {
		return PanelScan{}, fail(ErrCommandFailed, "retrieve_panel_scan", "response header mismatch")
	}
	return PanelScan{
		DataType:    resp[1],
		ElementSize: size,
		Data:        append([]byte(nil), resp[5:5+got*size]...),
	}, nil
}

func (c *Core) StartSensorDataMode() error {
	_, err := c.exec(ModeCat, CatCmdStartSensorDataMode, nil, 0)
	return err
}

func (c *Core) StopSensorDataMode() error {
	_, err := c.exec(ModeCat, CatCmdStopSensorDataMode, nil, 0)
	return err
}

// ProgramConfig is the write-config client operation: it takes
// exclusivity, switches to CAT, writes and verifies the block, and returns
// the device to operational mode.
func (c *Core) ProgramConfig(cl *Client, ebid uint8, offset uint16, data []byte) (err error) {
	if err := c.RequestExclusive(cl, c.cfg.ExclusiveTimeout); err != nil {
		return err
	}
	defer func() {
		if rerr := c.ReleaseExclusive(cl); err == nil {
			err = rerr
		}
	}()
	if err := c.SetMode(ModeCat); err != nil {
		return err
	}
	werr := c.WriteConfig(ebid, offset, data)
	if werr == nil {
		_, werr = c.VerifyConfigCRC(ebid)
	}
	if err := c.SetMode(ModeOperational); err != nil && werr == nil {
		return err
	}
	return werr
}

type rowSpan struct {
	offset uint16 // device offset
	pos    int    // position in the caller's buffer
	n      int
}

// splitRows cuts [offset, offset+n) at row boundaries.
func splitRows(offset uint16, n, row int) []rowSpan {
	var out []rowSpan
	pos := 0
	off := int(offset)
	for pos < n {
		k := min(row-off%row, n-pos)
		out = append(out, rowSpan{offset: uint16(off), pos: pos, n: k})
		pos += k
		off += k
	}
	return out
}
