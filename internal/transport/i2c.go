// Package transport frames register reads and writes over raw I2C and SPI
// buses in the tinygo driver shapes. Both adapters satisfy ttsp.Transport
// and report their per-transfer payload limit through MaxTxSize.
package transport

import (
	"tinygo.org/x/drivers"
)

// I2C addresses registers with a two-byte big-endian pointer written ahead
// of the payload. Reads write the pointer and then read with a repeated
// start in the same Tx.
type I2C struct {
	bus  drivers.I2C
	addr uint16
	max  int

	wbuf []byte
}

// NewI2C binds a bus to the controller's 7-bit address. maxTx caps a whole
// bus transaction including the pointer; 0 means unlimited.
func NewI2C(bus drivers.I2C, addr uint16, maxTx int) *I2C {
	return &I2C{bus: bus, addr: addr, max: maxTx}
}

func (t *I2C) ReadReg(reg uint16, buf []byte) error {
	ptr := [2]byte{byte(reg >> 8), byte(reg)}
	return t.bus.Tx(t.addr, ptr[:], buf)
}

func (t *I2C) WriteReg(reg uint16, buf []byte) error {
	w := append(t.wbuf[:0], byte(reg>>8), byte(reg))
	w = append(w, buf...)
	t.wbuf = w
	return t.bus.Tx(t.addr, w, nil)
}

// MaxTxSize is the largest register payload one call may carry.
func (t *I2C) MaxTxSize() int {
	if t.max <= 0 {
		return 0
	}
	if t.max <= i2cHeader {
		return 1
	}
	return t.max - i2cHeader
}

const i2cHeader = 2
