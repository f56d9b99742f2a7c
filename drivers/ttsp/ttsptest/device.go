// Package ttsptest simulates a touch controller at register level. A Device
// is a ttsp.Transport, ResetLine, PowerRail and IRQLine at once, and calls
// the function given to SetIRQ whenever it raises its interrupt.
package ttsptest

import (
	"bytes"
	"errors"
	"sync"

	"touchcode-go/drivers/ttsp"
)

var (
	ErrNACK       = errors.New("ttsptest: nack")
	ErrUnpowered  = errors.New("ttsptest: device unpowered")
	ErrOversize   = errors.New("ttsptest: transfer exceeds max size")
	ErrOutOfRange = errors.New("ttsptest: address out of range")
)

// Operational map layout.
const (
	CmdOffset     = 0x02
	RepOffset     = 0x20
	RepSize       = 16
	TTStatOffset  = 0x21
	MaxTouches    = 10
	RecordSize    = 10
	mapSize       = 512
	sysInfoLength = 65
)

type Options struct {
	Endianness ttsp.Endianness
	RowSize    int // config rows; default 64
	BlockSize  int // per-block capacity; default 512
	MaxXfer    int // 0: unlimited

	Stuck      bool // never leaves the bootloader
	CorruptApp bool // bootloader reports an invalid application
}

type Device struct {
	mu  sync.Mutex
	opt Options
	irq func()

	powered    bool
	bootloader bool
	mode       byte // host-mode field while not in the bootloader
	regs       [mapSize]byte
	sleeping   bool
	eventSleep bool

	irqEnabled bool
	irqLatched bool

	blocks  map[uint8][]byte
	badCRC  map[uint8]bool
	params  map[uint8]ttsp.Param
	scan    []byte
	sensing bool

	busyReads int
	failNext  int

	resets      int
	softResets  int
	powerCycles int
	acks        int
	writes      int
	irqs        int
	commands    []byte
}

func New(opt Options) *Device {
	if opt.RowSize == 0 {
		opt.RowSize = 64
	}
	if opt.BlockSize == 0 {
		opt.BlockSize = 512
	}
	d := &Device{
		opt:        opt,
		powered:    true,
		irqEnabled: true,
		blocks:     make(map[uint8][]byte),
		badCRC:     make(map[uint8]bool),
		params:     make(map[uint8]ttsp.Param),
	}
	d.enterBootloaderLocked()
	return d
}

// SetIRQ installs the interrupt callback, normally Core.IRQ.
func (d *Device) SetIRQ(f func()) {
	d.mu.Lock()
	d.irq = f
	d.mu.Unlock()
}

// raise delivers (or latches) the interrupt. Must be called without d.mu.
func (d *Device) raise() {
	d.mu.Lock()
	d.irqs++
	if !d.irqEnabled || d.irq == nil {
		d.irqLatched = true
		d.mu.Unlock()
		return
	}
	f := d.irq
	d.mu.Unlock()
	f()
}

// ---------------- Platform lines ----------------

func (d *Device) EnableIRQ() {
	d.mu.Lock()
	d.irqEnabled = true
	fire := d.irqLatched && d.irq != nil
	d.irqLatched = false
	f := d.irq
	d.mu.Unlock()
	if fire {
		f()
	}
}

func (d *Device) DisableIRQ() {
	d.mu.Lock()
	d.irqEnabled = false
	d.mu.Unlock()
}

func (d *Device) Reset() error {
	d.mu.Lock()
	if !d.powered {
		d.mu.Unlock()
		return ErrUnpowered
	}
	d.resets++
	d.enterBootloaderLocked()
	d.mu.Unlock()
	d.raise()
	return nil
}

func (d *Device) SetPower(on bool) error {
	d.mu.Lock()
	was := d.powered
	d.powered = on
	if on && !was {
		d.powerCycles++
		d.enterBootloaderLocked()
		d.mu.Unlock()
		d.raise()
		return nil
	}
	d.mu.Unlock()
	return nil
}

// ---------------- Transport ----------------

func (d *Device) MaxTxSize() int { return d.opt.MaxXfer }

func (d *Device) ReadReg(addr uint16, buf []byte) error {
	d.mu.Lock()
	if err := d.checkLocked(addr, len(buf)); err != nil {
		d.mu.Unlock()
		return err
	}
	fire := false
	if d.sleeping {
		d.wakeLocked()
		fire = true
	}
	copy(buf, d.regs[addr:])
	if !d.bootloader && addr == CmdOffset && len(buf) == 1 && d.busyReads > 0 {
		d.busyReads--
		buf[0] &^= ttsp.CmdComplete
		// The stale command finishes shortly after.
		fire = true
	}
	d.mu.Unlock()
	if fire {
		d.raise()
	}
	return nil
}

func (d *Device) WriteReg(addr uint16, buf []byte) error {
	d.mu.Lock()
	if err := d.checkLocked(addr, len(buf)); err != nil {
		d.mu.Unlock()
		return err
	}
	d.writes++
	fire := false
	if d.sleeping {
		d.wakeLocked()
		fire = true
	}
	switch {
	case d.bootloader:
		fire = d.bootloaderWriteLocked(addr, buf) || fire
	case addr == ttsp.RegBase:
		fire = d.hstWriteLocked(buf[0]) || fire
		copy(d.regs[1:], buf[1:])
	case d.mode != ttsp.HstModeSysInfo && addr == CmdOffset && len(buf) == 1:
		fire = d.commandLocked(buf[0]) || fire
	default:
		copy(d.regs[addr:], buf)
	}
	d.mu.Unlock()
	if fire {
		d.raise()
	}
	return nil
}

func (d *Device) checkLocked(addr uint16, n int) error {
	switch {
	case !d.powered:
		return ErrUnpowered
	case d.failNext > 0:
		d.failNext--
		return ErrNACK
	case d.opt.MaxXfer > 0 && n > d.opt.MaxXfer:
		return ErrOversize
	case int(addr)+n > mapSize:
		return ErrOutOfRange
	}
	return nil
}

// ---------------- Device behaviour ----------------

func (d *Device) enterBootloaderLocked() {
	d.bootloader = true
	d.sleeping = false
	d.eventSleep = false
	d.sensing = false
	d.scan = nil
	clear(d.params)
	d.regs = [mapSize]byte{}
	d.regs[0] = ttsp.HstReset
	if d.opt.CorruptApp {
		d.regs[1] = ttsp.BLStatusRunning
		d.regs[2] = ttsp.BLErrInvalidApp
	} else {
		d.regs[1] = ttsp.BLStatusRunning | ttsp.BLStatusAppValid
	}
}

func (d *Device) bootloaderWriteLocked(addr uint16, buf []byte) bool {
	if addr != ttsp.RegBase {
		return false
	}
	if bytes.Equal(buf, ttsp.BootloaderExit[:]) {
		if d.opt.Stuck || d.opt.CorruptApp {
			return false
		}
		d.bootloader = false
		d.enterModeLocked(ttsp.HstModeSysInfo, 0)
		return true
	}
	if buf[0]&ttsp.HstReset != 0 {
		d.softResets++
		d.enterBootloaderLocked()
		return true
	}
	return false
}

// enterModeLocked rebuilds the register map for mode and flips the
// toggle, as the device does for every event it reports.
func (d *Device) enterModeLocked(mode byte, toggle byte) {
	d.mode = mode
	d.regs = [mapSize]byte{}
	d.regs[0] = mode | (toggle ^ ttsp.HstToggle)
	switch mode {
	case ttsp.HstModeSysInfo:
		d.buildSysInfoLocked()
	default:
		d.regs[CmdOffset] = ttsp.CmdComplete
	}
}

func (d *Device) hstWriteLocked(w byte) bool {
	cur := d.regs[0]
	switch {
	case w&ttsp.HstReset != 0:
		d.softResets++
		d.enterBootloaderLocked()
		return true
	case w&ttsp.HstModeChange != 0:
		d.enterModeLocked(w&ttsp.HstModeMask, cur&ttsp.HstToggle)
		return true
	case w&ttsp.HstDeepSleep != 0:
		d.sleeping = true
		d.regs[0] = cur | ttsp.HstDeepSleep
		return false
	case (w^cur)&ttsp.HstToggle != 0:
		d.acks++
		d.regs[0] = cur ^ ttsp.HstToggle
	}
	return false
}

// wakeLocked leaves low power: a pending wait-for-event completes and the
// device reports the wake as an event.
func (d *Device) wakeLocked() {
	d.sleeping = false
	if d.eventSleep {
		d.eventSleep = false
		d.regs[CmdOffset] |= ttsp.CmdComplete
	}
	d.regs[0] = (d.regs[0] &^ ttsp.HstDeepSleep) ^ ttsp.HstToggle
}

func (d *Device) buildSysInfoLocked() {
	r := d.regs[:]
	put16 := func(ofs int, v uint16) { r[ofs] = byte(v >> 8); r[ofs+1] = byte(v) }
	put32 := func(ofs int, v uint32) {
		put16(ofs, uint16(v>>16))
		put16(ofs+2, uint16(v))
	}
	const (
		cydata = 16
		test   = 31
		pcfg   = 35
		opcfg  = 48
		ddata  = 57
		mdata  = 61
	)
	put16(2, sysInfoLength)
	put16(4, cydata)
	put16(6, test)
	put16(8, pcfg)
	put16(10, opcfg)
	put16(12, ddata)
	put16(14, mdata)

	put16(cydata, 0x0A11)
	r[cydata+2], r[cydata+3] = 2, 1
	put32(cydata+4, 0x00C0FFEE)
	r[cydata+8], r[cydata+9] = 1, 0
	put32(cydata+10, 0x0A0B0C0D)
	if d.opt.Endianness == ttsp.LittleEndian {
		r[cydata+14] = 0x01
	}

	r[pcfg], r[pcfg+1] = 28, 16
	put16(pcfg+2, 8960)
	put16(pcfg+4, 5120)
	put16(pcfg+6, 1024)
	put16(pcfg+8, 600)
	put16(pcfg+10, 255)

	r[opcfg] = CmdOffset
	r[opcfg+1] = RepOffset
	put16(opcfg+2, RepSize)
	r[opcfg+5] = TTStatOffset
	r[opcfg+7] = MaxTouches
	r[opcfg+8] = RecordSize

	copy(r[ddata:], []byte{0xD0, 0xD1, 0xD2, 0xD3})
	copy(r[mdata:], []byte{0xE0, 0xE1, 0xE2, 0xE3})
}

// ---------------- Test controls ----------------

// Heartbeat raises the bootloader's idle interrupt.
func (d *Device) Heartbeat() {
	d.mu.Lock()
	ok := d.bootloader
	d.mu.Unlock()
	if ok {
		d.raise()
	}
}

// SetBootloaderBusy sets or clears the bootloader's busy status, which
// later heartbeats report.
func (d *Device) SetBootloaderBusy(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.regs[1] |= ttsp.BLStatusBusy
	} else {
		d.regs[1] &^= ttsp.BLStatusBusy
	}
}

// Glitch resets the device into its bootloader and raises the interrupt.
func (d *Device) Glitch() {
	d.mu.Lock()
	d.enterBootloaderLocked()
	d.mu.Unlock()
	d.raise()
}

// SilentReset drops into the bootloader without an interrupt.
func (d *Device) SilentReset() {
	d.mu.Lock()
	d.enterBootloaderLocked()
	d.mu.Unlock()
}

// SilentMode switches the reported mode without an interrupt.
func (d *Device) SilentMode(mode byte) {
	d.mu.Lock()
	d.bootloader = false
	d.enterModeLocked(mode, d.regs[0]&ttsp.HstToggle)
	d.mu.Unlock()
}

// Report publishes a report block with the given length byte and touch
// record count, then raises the interrupt.
func (d *Device) Report(length, count byte) {
	d.mu.Lock()
	if d.bootloader || d.mode != ttsp.HstModeOperational {
		d.mu.Unlock()
		return
	}
	clear(d.regs[RepOffset : RepOffset+RepSize])
	d.regs[RepOffset] = length
	d.regs[TTStatOffset] = count & ttsp.TTStatCountMask
	for i := TTStatOffset + 1; i < RepOffset+RepSize; i++ {
		d.regs[i] = byte(i)
	}
	d.regs[0] ^= ttsp.HstToggle
	d.mu.Unlock()
	d.raise()
}

// Gesture is a touch while asleep: the device wakes itself and reports.
func (d *Device) Gesture() {
	d.mu.Lock()
	if !d.sleeping {
		d.mu.Unlock()
		return
	}
	d.wakeLocked()
	d.mu.Unlock()
	d.raise()
}

// SetBusy makes the next n single-byte command register reads report a
// command in progress.
func (d *Device) SetBusy(n int) {
	d.mu.Lock()
	d.busyReads = n
	d.mu.Unlock()
}

// FailNext makes the next n transfers fail.
func (d *Device) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// CorruptStoredCRC makes verify-config report a stored CRC that does not
// match block ebid.
func (d *Device) CorruptStoredCRC(ebid uint8) {
	d.mu.Lock()
	d.badCRC[ebid] = true
	d.mu.Unlock()
}

// Block returns a copy of config block ebid.
func (d *Device) Block(ebid uint8) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.blocks[ebid])
}

func (d *Device) Param(id uint8) (ttsp.Param, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.params[id]
	return p, ok
}

func (d *Device) Sleeping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sleeping
}

func (d *Device) InBootloader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootloader
}

func (d *Device) SensorDataMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sensing
}

// Counters is a snapshot of what the device has seen.
type Counters struct {
	Resets      int // reset line pulses
	SoftResets  int
	PowerCycles int
	Acks        int
	Writes      int
	IRQs        int
	Commands    []byte
}

func (d *Device) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Counters{
		Resets:      d.resets,
		SoftResets:  d.softResets,
		PowerCycles: d.powerCycles,
		Acks:        d.acks,
		Writes:      d.writes,
		IRQs:        d.irqs,
		Commands:    bytes.Clone(d.commands),
	}
}
