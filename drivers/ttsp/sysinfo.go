package ttsp

import (
	"encoding/binary"
	"fmt"
)

// SysInfo map section sizes.
const (
	CyDataLen = 15
	PCfgLen   = 13
	OpCfgLen  = 9
)

type CyData struct {
	TTPID     uint16
	FWMajor   uint8
	FWMinor   uint8
	RevCtrl   uint32
	BLMajor   uint8
	BLMinor   uint8
	SiliconID uint32
	DevInfo   uint8 // bit 0: little-endian command payloads
}

type PanelConfig struct {
	ElectrodesX uint8
	ElectrodesY uint8
	LenX        uint16
	LenY        uint16
	ResX        uint16
	ResY        uint16
	MaxZ        uint16
	PanelInfo   uint8
}

// OpConfig locates the operational-mode command register and report block.
type OpConfig struct {
	CmdOffset       uint8
	RepOffset       uint8
	RepSize         uint16
	NumButtons      uint8
	TTStatOffset    uint8
	ObjCfg          uint8
	MaxTouches      uint8
	TouchRecordSize uint8
}

// SysInfo is acquired once per startup and immutable afterwards. Callers
// receive a pointer they must not modify.
type SysInfo struct {
	MapSize uint16
	CyData  CyData
	Panel   PanelConfig
	Op      OpConfig
	DData   []byte
	MData   []byte

	Endianness Endianness
}

// sysInfoOffsets is the table at the top of the SysInfo map.
type sysInfoOffsets struct {
	mapSize, cydata, test, pcfg, opcfg, ddata, mdata uint16
}

func decodeSysInfoHeader(b []byte) (sysInfoOffsets, error) {
	if len(b) < SysInfoHeaderLen {
		return sysInfoOffsets{}, fail(ErrMalformedReport, "sysinfo", "short header")
	}
	o := sysInfoOffsets{
		mapSize: be16(b[2:]),
		cydata:  be16(b[4:]),
		test:    be16(b[6:]),
		pcfg:    be16(b[8:]),
		opcfg:   be16(b[10:]),
		ddata:   be16(b[12:]),
		mdata:   be16(b[14:]),
	}
	// Checked in int so a section end cannot wrap past 0xFFFF.
	cy, ts, pc, op := int(o.cydata), int(o.test), int(o.pcfg), int(o.opcfg)
	dd, md, size := int(o.ddata), int(o.mdata), int(o.mapSize)
	ordered := SysInfoHeaderLen <= cy &&
		cy+CyDataLen <= ts &&
		ts <= pc &&
		pc+PCfgLen <= op &&
		op+OpCfgLen <= dd &&
		dd <= md &&
		md <= size
	if !ordered {
		return o, fail(ErrMalformedReport, "sysinfo",
			fmt.Sprintf("bad offset table %d/%d/%d/%d/%d/%d/%d", o.mapSize, o.cydata, o.test, o.pcfg, o.opcfg, o.ddata, o.mdata))
	}
	return o, nil
}

// decodeSysInfo parses a whole SysInfo map starting at register 0. The
// map's own fields are big-endian whatever the payload endianness.
func decodeSysInfo(m []byte) (*SysInfo, error) {
	o, err := decodeSysInfoHeader(m)
	if err != nil {
		return nil, err
	}
	if len(m) < int(o.mapSize) {
		return nil, fail(ErrMalformedReport, "sysinfo", "short map")
	}
	be := binary.BigEndian
	si := &SysInfo{MapSize: o.mapSize}

	cy := m[o.cydata : o.cydata+CyDataLen]
	si.CyData = CyData{
		TTPID:     be.Uint16(cy[0:]),
		FWMajor:   cy[2],
		FWMinor:   cy[3],
		RevCtrl:   be.Uint32(cy[4:]),
		BLMajor:   cy[8],
		BLMinor:   cy[9],
		SiliconID: be.Uint32(cy[10:]),
		DevInfo:   cy[14],
	}
	if si.CyData.DevInfo&0x01 != 0 {
		si.Endianness = LittleEndian
	}

	pc := m[o.pcfg : o.pcfg+PCfgLen]
	si.Panel = PanelConfig{
		ElectrodesX: pc[0],
		ElectrodesY: pc[1],
		LenX:        be.Uint16(pc[2:]),
		LenY:        be.Uint16(pc[4:]),
		ResX:        be.Uint16(pc[6:]),
		ResY:        be.Uint16(pc[8:]),
		MaxZ:        be.Uint16(pc[10:]),
		PanelInfo:   pc[12],
	}

	op := m[o.opcfg : o.opcfg+OpCfgLen]
	si.Op = OpConfig{
		CmdOffset:       op[0],
		RepOffset:       op[1],
		RepSize:         be.Uint16(op[2:]),
		NumButtons:      op[4],
		TTStatOffset:    op[5],
		ObjCfg:          op[6],
		MaxTouches:      op[7],
		TouchRecordSize: op[8],
	}
	if err := si.Op.validate(); err != nil {
		return nil, err
	}

	si.DData = append([]byte(nil), m[o.ddata:o.mdata]...)
	si.MData = append([]byte(nil), m[o.mdata:o.mapSize]...)
	return si, nil
}

func (op OpConfig) validate() error {
	switch {
	case op.CmdOffset == RegBase:
		return fail(ErrMalformedReport, "sysinfo", "command offset overlaps host-mode register")
	case op.RepSize == 0:
		return fail(ErrMalformedReport, "sysinfo", "zero report size")
	case op.TTStatOffset < op.RepOffset || uint16(op.TTStatOffset-op.RepOffset) >= op.RepSize:
		return fail(ErrMalformedReport, "sysinfo", "tt_stat outside report block")
	}
	return nil
}

// readSysInfoLocked reads the offset table, then the whole map, while the
// device is in SysInfo mode.
func (c *Core) readSysInfoLocked() (*SysInfo, error) {
	var hdr [SysInfoHeaderLen]byte
	if err := c.bus.Read(RegBase, hdr[:]); err != nil {
		return nil, err
	}
	o, err := decodeSysInfoHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	m := make([]byte, o.mapSize)
	if err := c.bus.Read(RegBase, m); err != nil {
		return nil, err
	}
	return decodeSysInfo(m)
}
