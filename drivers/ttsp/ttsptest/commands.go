package ttsptest

import (
	"bytes"

	"touchcode-go/drivers/ttsp"
)

// commandLocked runs the command triggered by writing t to the command
// register. It reports whether completion raises the interrupt.
func (d *Device) commandLocked(t byte) bool {
	prev := d.regs[CmdOffset]
	if (t^prev)&ttsp.CmdToggle == 0 {
		// Same toggle: not a new command.
		return false
	}
	code := t & ttsp.CmdCodeMask
	d.commands = append(d.commands, code)
	d.regs[CmdOffset] = t &^ ttsp.CmdComplete

	p := d.regs[CmdOffset+1:]
	var resp []byte
	switch d.mode {
	case ttsp.HstModeOperational:
		if code == ttsp.OpCmdWaitForEvent {
			d.sleeping = true
			d.eventSleep = true
			return false
		}
		resp = d.opCommandLocked(code, p)
	case ttsp.HstModeCat:
		resp = d.catCommandLocked(code, p)
	}
	copy(d.regs[CmdOffset+1:], resp)
	d.regs[CmdOffset] |= ttsp.CmdComplete
	d.regs[0] ^= ttsp.HstToggle
	return true
}

func (d *Device) order() ttsp.Endianness { return d.opt.Endianness }

func (d *Device) opCommandLocked(code byte, p []byte) []byte {
	e := d.order()
	switch code {
	case ttsp.OpCmdGetParam:
		par, ok := d.params[p[0]]
		if !ok {
			par = ttsp.Param{ID: p[0], Size: 1}
		}
		out := make([]byte, 2+par.Size)
		out[0], out[1] = par.ID, par.Size
		e.PutUint(out[2:], int(par.Size), par.Value)
		return out
	case ttsp.OpCmdSetParam:
		par := ttsp.Param{ID: p[0], Size: p[1]}
		par.Value = e.Uint(p[2:], int(par.Size))
		d.params[par.ID] = par
		return []byte{par.ID, par.Size}
	case ttsp.OpCmdGetCfgCRC:
		out := make([]byte, 3)
		e.PutUint16(out[1:], d.storedCRCLocked(p[0]))
		return out
	}
	return nil
}

func (d *Device) storedCRCLocked(ebid uint8) uint16 {
	crc := ttsp.CRC16(d.blocks[ebid])
	if d.badCRC[ebid] {
		crc = ^crc
	}
	return crc
}

func (d *Device) catCommandLocked(code byte, p []byte) []byte {
	e := d.order()
	switch code {
	case ttsp.CatCmdGetCfgRowSize:
		out := make([]byte, 2)
		e.PutUint16(out, uint16(d.opt.RowSize))
		return out

	case ttsp.CatCmdWriteCfgBlock:
		off, n, ebid := int(e.Uint16(p[0:])), int(e.Uint16(p[2:])), p[4]
		out := []byte{ttsp.StatusOK, ebid, p[2], p[3], 0}
		if n == 0 || 5+n+len(ttsp.SecurityKey)+2 > len(p) || !d.rowAlignedLocked(off, n) || off+n > d.opt.BlockSize {
			out[0] = ttsp.StatusFailed
			return out
		}
		data := p[5 : 5+n]
		key := p[5+n : 5+n+len(ttsp.SecurityKey)]
		crc := e.Uint16(p[5+n+len(ttsp.SecurityKey):])
		switch {
		case !bytes.Equal(key, ttsp.SecurityKey[:]):
			out[0] = ttsp.StatusFailed
		case crc != ttsp.CRC16(data):
			out[0] = ttsp.StatusCRC
		default:
			blk := d.blocks[ebid]
			if len(blk) < off+n {
				blk = append(blk, make([]byte, off+n-len(blk))...)
			}
			copy(blk[off:], data)
			d.blocks[ebid] = blk
		}
		return out

	case ttsp.CatCmdReadCfgBlock:
		off, n, ebid := int(e.Uint16(p[0:])), int(e.Uint16(p[2:])), p[4]
		blk := d.blocks[ebid]
		out := make([]byte, 5+n+2)
		out[1] = ebid
		e.PutUint16(out[2:], uint16(n))
		if n == 0 || off+n > len(blk) || !d.rowAlignedLocked(off, n) {
			out[0] = ttsp.StatusFailed
			return out[:5]
		}
		copy(out[5:], blk[off:off+n])
		e.PutUint16(out[5+n:], ttsp.CRC16(blk[off:off+n]))
		return out

	case ttsp.CatCmdVerifyCfgBlockCRC:
		out := make([]byte, 5)
		e.PutUint16(out[1:], ttsp.CRC16(d.blocks[p[0]]))
		e.PutUint16(out[3:], d.storedCRCLocked(p[0]))
		return out

	case ttsp.CatCmdCalibrateIDACs, ttsp.CatCmdInitBaselines:
		return []byte{ttsp.StatusOK}

	case ttsp.CatCmdExecPanelScan:
		d.scan = make([]byte, 64)
		for i := range d.scan {
			d.scan[i] = byte(i * 3)
		}
		return []byte{ttsp.StatusOK}

	case ttsp.CatCmdRetrievePanelScan:
		off, n, typ := int(e.Uint16(p[0:])), int(e.Uint16(p[2:])), p[4]
		if d.scan == nil || off > len(d.scan) {
			return []byte{ttsp.StatusFailed, typ, 0, 0, 1}
		}
		n = min(n, len(d.scan)-off)
		out := make([]byte, 5+n)
		out[1] = typ
		e.PutUint16(out[2:], uint16(n))
		out[4] = 1
		copy(out[5:], d.scan[off:off+n])
		return out

	case ttsp.CatCmdStartSensorDataMode:
		d.sensing = true
	case ttsp.CatCmdStopSensorDataMode:
		d.sensing = false
	}
	return nil
}

// rowAlignedLocked reports whether [off, off+n) stays inside one row.
func (d *Device) rowAlignedLocked(off, n int) bool {
	r := d.opt.RowSize
	return off/r == (off+n-1)/r
}
