package transport

import (
	"tinygo.org/x/drivers"
)

// SPI frame header: op, address high, address low.
const (
	spiOpWrite = 0x00
	spiOpRead  = 0x01
	spiHeader  = 3
)

// ChipSelect is the slave-select pin. machine.Pin satisfies it.
type ChipSelect interface {
	Low()
	High()
}

// SPI frames registers as [op addrHi addrLo payload...] in one full-duplex
// transfer. Read data is clocked out after the header.
type SPI struct {
	bus drivers.SPI
	cs  ChipSelect
	max int

	wbuf, rbuf []byte
}

// NewSPI binds a bus. cs may be nil when the controller drives select
// itself. maxTx caps a whole frame including the header; 0 means unlimited.
func NewSPI(bus drivers.SPI, cs ChipSelect, maxTx int) *SPI {
	if cs != nil {
		cs.High()
	}
	return &SPI{bus: bus, cs: cs, max: maxTx}
}

func (t *SPI) frame(op byte, reg uint16, n int) []byte {
	if cap(t.wbuf) < spiHeader+n {
		t.wbuf = make([]byte, spiHeader+n)
	}
	w := t.wbuf[:spiHeader+n]
	w[0], w[1], w[2] = op, byte(reg>>8), byte(reg)
	return w
}

func (t *SPI) tx(w, r []byte) error {
	if t.cs != nil {
		t.cs.Low()
		defer t.cs.High()
	}
	return t.bus.Tx(w, r)
}

func (t *SPI) ReadReg(reg uint16, buf []byte) error {
	w := t.frame(spiOpRead, reg, len(buf))
	clear(w[spiHeader:])
	if cap(t.rbuf) < len(w) {
		t.rbuf = make([]byte, len(w))
	}
	r := t.rbuf[:len(w)]
	if err := t.tx(w, r); err != nil {
		return err
	}
	copy(buf, r[spiHeader:])
	return nil
}

func (t *SPI) WriteReg(reg uint16, buf []byte) error {
	w := t.frame(spiOpWrite, reg, len(buf))
	copy(w[spiHeader:], buf)
	return t.tx(w, nil)
}

// MaxTxSize is the largest register payload one call may carry.
func (t *SPI) MaxTxSize() int {
	if t.max <= 0 {
		return 0
	}
	if t.max <= spiHeader {
		return 1
	}
	return t.max - spiHeader
}
