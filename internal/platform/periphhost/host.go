// Package periphhost opens the controller's bus and platform lines on a
// Linux host through periph.io.
package periphhost

import (
	"errors"
	"fmt"
	"io"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"touchcode-go/drivers/ttsp"
	"touchcode-go/internal/transport"
)

type BusKind string

const (
	BusI2C BusKind = "i2c"
	BusSPI BusKind = "spi"
)

type Options struct {
	Bus     BusKind
	Port    string // registry name, "" for the first one
	Addr    uint16 // I2C only
	Speed   physic.Frequency
	MaxXfer int // 0 asks the port

	ResetPin  string
	ResetHold time.Duration
	PowerPin  string
	IRQPin    string
}

// Host holds everything opened for one controller.
type Host struct {
	Transport ttsp.Transport
	Reset     *ResetPin
	Power     *PowerPin
	IRQ       *IRQPin

	port io.Closer
}

// Open initialises the host drivers and opens the bus and lines in o.
func Open(o Options) (*Host, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periphhost: host init: %w", err)
	}

	h := &Host{}
	var err error
	switch o.Bus {
	case BusI2C, "":
		err = h.openI2C(o)
	case BusSPI:
		err = h.openSPI(o)
	default:
		err = fmt.Errorf("periphhost: unknown bus %q", o.Bus)
	}
	if err != nil {
		return nil, err
	}

	if err := h.openLines(o); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Host) openI2C(o Options) error {
	if o.Addr == 0 {
		return errors.New("periphhost: i2c address required")
	}
	bus, err := i2creg.Open(o.Port)
	if err != nil {
		return fmt.Errorf("periphhost: open i2c %q: %w", o.Port, err)
	}
	if o.Speed > 0 {
		if err := bus.SetSpeed(o.Speed); err != nil {
			bus.Close()
			return fmt.Errorf("periphhost: i2c speed: %w", err)
		}
	}
	h.port = bus
	h.Transport = transport.NewI2C(bus, o.Addr, maxTx(bus, o.MaxXfer))
	return nil
}

func (h *Host) openSPI(o Options) error {
	port, err := spireg.Open(o.Port)
	if err != nil {
		return fmt.Errorf("periphhost: open spi %q: %w", o.Port, err)
	}
	speed := o.Speed
	if speed == 0 {
		speed = physic.MegaHertz
	}
	c, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return fmt.Errorf("periphhost: spi connect: %w", err)
	}
	h.port = port
	// The port drives chip select.
	h.Transport = transport.NewSPI(SPIConn{c}, nil, maxTx(c, o.MaxXfer))
	return nil
}

func maxTx(c any, override int) int {
	if override > 0 {
		return override
	}
	if l, ok := c.(conn.Limits); ok {
		return l.MaxTxSize()
	}
	return 0
}

func pinByName(role, name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("periphhost: %s pin %q not found", role, name)
	}
	return p, nil
}

func (h *Host) openLines(o Options) error {
	if o.ResetPin != "" {
		p, err := pinByName("reset", o.ResetPin)
		if err != nil {
			return err
		}
		if h.Reset, err = NewResetPin(p, o.ResetHold); err != nil {
			return fmt.Errorf("periphhost: reset pin: %w", err)
		}
	}
	if o.PowerPin != "" {
		p, err := pinByName("power", o.PowerPin)
		if err != nil {
			return err
		}
		if h.Power, err = NewPowerPin(p); err != nil {
			return fmt.Errorf("periphhost: power pin: %w", err)
		}
	}
	if o.IRQPin != "" {
		p, err := pinByName("irq", o.IRQPin)
		if err != nil {
			return err
		}
		if h.IRQ, err = NewIRQPin(p); err != nil {
			return fmt.Errorf("periphhost: irq pin: %w", err)
		}
	}
	return nil
}

// Apply wires the opened lines into cfg. Lines that were not configured
// are left nil so the core falls back to soft reset and no power cycle.
func (h *Host) Apply(cfg *ttsp.Config) {
	if h.Reset != nil {
		cfg.Reset = h.Reset
	}
	if h.Power != nil {
		cfg.Power = h.Power
	}
	if h.IRQ != nil {
		cfg.IRQLine = h.IRQ
	}
}

func (h *Host) Close() error {
	if h.port == nil {
		return nil
	}
	return h.port.Close()
}

// SPIConn gives a periph spi.Conn the tinygo drivers.SPI shape.
type SPIConn struct {
	spi.Conn
}

func (s SPIConn) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := s.Tx([]byte{b}, r[:])
	return r[0], err
}
