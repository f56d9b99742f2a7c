package periphhost

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// ResetPin drives an active-low reset line.
type ResetPin struct {
	pin  gpio.PinOut
	hold time.Duration
}

func NewResetPin(pin gpio.PinOut, hold time.Duration) (*ResetPin, error) {
	if hold <= 0 {
		hold = time.Millisecond
	}
	// Released until asked.
	if err := pin.Out(gpio.High); err != nil {
		return nil, err
	}
	return &ResetPin{pin: pin, hold: hold}, nil
}

func (r *ResetPin) Reset() error {
	if err := r.pin.Out(gpio.Low); err != nil {
		return err
	}
	time.Sleep(r.hold)
	return r.pin.Out(gpio.High)
}

// PowerPin switches an active-high supply enable.
type PowerPin struct {
	pin gpio.PinOut
}

func NewPowerPin(pin gpio.PinOut) (*PowerPin, error) {
	if err := pin.Out(gpio.High); err != nil {
		return nil, err
	}
	return &PowerPin{pin: pin}, nil
}

func (p *PowerPin) SetPower(on bool) error {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	return p.pin.Out(level)
}

// IRQPin watches an active-low attention line. Edges seen while masked are
// latched and delivered on the next EnableIRQ, as is a line still held low.
type IRQPin struct {
	pin gpio.PinIn

	enabled atomic.Bool
	latched atomic.Bool

	mu   sync.Mutex
	fire func()
}

// pollEdge bounds each WaitForEdge so Watch notices cancellation.
const pollEdge = 100 * time.Millisecond

func NewIRQPin(pin gpio.PinIn) (*IRQPin, error) {
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, err
	}
	p := &IRQPin{pin: pin}
	p.enabled.Store(true)
	return p, nil
}

func (p *IRQPin) handler() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fire
}

func (p *IRQPin) EnableIRQ() {
	p.enabled.Store(true)
	fire := p.handler()
	if fire == nil {
		return
	}
	if p.latched.Swap(false) || p.pin.Read() == gpio.Low {
		fire()
	}
}

func (p *IRQPin) DisableIRQ() { p.enabled.Store(false) }

// Attach sets the fast-stage handler edges are delivered to. It must not
// block.
func (p *IRQPin) Attach(fire func()) {
	p.mu.Lock()
	p.fire = fire
	p.mu.Unlock()
}

// Watch delivers falling edges to the attached handler until ctx is done.
func (p *IRQPin) Watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !p.pin.WaitForEdge(pollEdge) {
			continue
		}
		fire := p.handler()
		if p.enabled.Load() && fire != nil {
			fire()
		} else {
			p.latched.Store(true)
		}
	}
}
