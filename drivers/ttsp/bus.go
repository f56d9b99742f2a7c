package ttsp

import (
	"sync"

	"touchcode-go/errcode"
)

// Transport moves raw bytes to and from register addresses. Framing
// (I2C address phase, SPI op header) is the transport's business.
type Transport interface {
	ReadReg(addr uint16, buf []byte) error
	WriteReg(addr uint16, buf []byte) error
}

// Limits is optionally implemented by a Transport that caps the payload
// of a single transfer.
type Limits interface {
	MaxTxSize() int
}

const defaultMaxXfer = 256

// regBus serialises transfers and splits them into transport-sized
// chunks. A read/write pair issued under its lock never interleaves with
// another caller's.
type regBus struct {
	mu  sync.Mutex
	t   Transport
	max int

	errs uint32
}

func newRegBus(t Transport, max int) *regBus {
	if max <= 0 {
		if l, ok := t.(Limits); ok {
			max = l.MaxTxSize()
		}
	}
	if max <= 0 {
		max = defaultMaxXfer
	}
	return &regBus{t: t, max: max}
}

func (b *regBus) Read(addr uint16, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for off := 0; off < len(buf); off += b.max {
		end := min(off+b.max, len(buf))
		if err := b.t.ReadReg(addr+uint16(off), buf[off:end]); err != nil {
			b.errs++
			return errcode.Wrap(errcode.IOError, "bus_read", err)
		}
	}
	return nil
}

func (b *regBus) Write(addr uint16, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for off := 0; off < len(buf); off += b.max {
		end := min(off+b.max, len(buf))
		if err := b.t.WriteReg(addr+uint16(off), buf[off:end]); err != nil {
			b.errs++
			return errcode.Wrap(errcode.IOError, "bus_write", err)
		}
	}
	return nil
}

func (b *regBus) Errors() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs
}
