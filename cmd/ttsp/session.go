package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/physic"

	"touchcode-go/bus"
	"touchcode-go/drivers/ttsp"
	"touchcode-go/internal/platform/periphhost"
	"touchcode-go/internal/store"
	"touchcode-go/services/config"
	"touchcode-go/services/monitor"
)

const exclusiveWait = 5 * time.Second

// backend is the hardware a session runs the core on.
type backend struct {
	transport ttsp.Transport
	apply     func(*ttsp.Config)
	// attach routes interrupts to fire; watch, if set, runs until ctx is
	// done to deliver them.
	attach func(fire func())
	watch  func(ctx context.Context) error
	close  func() error
}

// openBackend is replaced by tests.
var openBackend = hostBackend

func hostBackend(f *config.File) (*backend, error) {
	if f.Lines.IRQ == "" {
		return nil, errors.New("lines.irq is required")
	}
	h, err := periphhost.Open(periphhost.Options{
		Bus:       periphhost.BusKind(f.Device.Bus),
		Port:      f.Device.Port,
		Addr:      f.Device.Addr,
		Speed:     physic.Frequency(f.Device.SpeedHz) * physic.Hertz,
		MaxXfer:   f.Device.MaxXfer,
		ResetPin:  f.Lines.Reset,
		ResetHold: f.Lines.ResetHold,
		PowerPin:  f.Lines.Power,
		IRQPin:    f.Lines.IRQ,
	})
	if err != nil {
		return nil, err
	}
	return &backend{
		transport: h.Transport,
		apply:     h.Apply,
		attach:    h.IRQ.Attach,
		watch:     h.IRQ.Watch,
		close:     h.Close,
	}, nil
}

// session is one attached core and the services around it.
type session struct {
	core   *ttsp.Core
	bus    *bus.Bus
	client *ttsp.Client

	cancel  context.CancelFunc
	g       *errgroup.Group
	closers []func() error
}

func openSession(ctx context.Context, f *config.File, log *slog.Logger) (_ *session, err error) {
	cfg, err := f.CoreConfig(log.With("device", f.Device.Name))
	if err != nil {
		return nil, err
	}
	be, err := openBackend(f)
	if err != nil {
		return nil, err
	}
	s := &session{
		bus:     bus.NewBus(16),
		client:  ttsp.NewClient("cli"),
		closers: []func() error{be.close},
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	be.apply(&cfg)
	if f.Store.Path != "" {
		params, err := store.Open(f.Store.Path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, params.Close)
		cfg.Params = params
	}
	cfg.Publisher = monitor.NewPublisher(s.bus.NewConnection("core"))

	s.core, err = ttsp.New(be.transport, cfg)
	if err != nil {
		return nil, err
	}

	be.attach(s.core.IRQ)
	ctx, s.cancel = context.WithCancel(ctx)
	s.g, ctx = errgroup.WithContext(ctx)
	if be.watch != nil {
		s.g.Go(func() error {
			err := be.watch(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if err := s.core.Start(ctx); err != nil {
		return nil, err
	}

	if err := s.core.AwaitStartup(cfg.RestartTimeout); err != nil {
		return nil, fmt.Errorf("startup: %w", err)
	}
	return s, nil
}

// exclusive runs fn holding the session's exclusive claim on the device.
func (s *session) exclusive(fn func() error) (err error) {
	if err := s.core.RequestExclusive(s.client, exclusiveWait); err != nil {
		return err
	}
	defer func() {
		if rerr := s.core.ReleaseExclusive(s.client); err == nil {
			err = rerr
		}
	}()
	return fn()
}

// inCat runs fn in CAT mode and returns the device to operational mode.
func (s *session) inCat(fn func() error) error {
	return s.exclusive(func() error {
		if err := s.core.SetMode(ttsp.ModeCat); err != nil {
			return err
		}
		ferr := fn()
		if err := s.core.SetMode(ttsp.ModeOperational); ferr == nil {
			ferr = err
		}
		return ferr
	})
}

func (s *session) Close() error {
	if s.core != nil {
		s.core.Detach()
	}
	var errs []error
	if s.cancel != nil {
		s.cancel()
		errs = append(errs, s.g.Wait())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func (e *env) session(ctx context.Context) (*session, error) {
	if e.sess != nil {
		return e.sess, nil
	}
	s, err := openSession(ctx, e.file, e.log)
	if err != nil {
		return nil, err
	}
	e.sess = s
	return s, nil
}
