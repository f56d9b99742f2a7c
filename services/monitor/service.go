// Package monitor watches the device state feed and logs transitions and
// periodic counters.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"touchcode-go/bus"
	"touchcode-go/drivers/ttsp"
)

var topicConfigMonitor = bus.Topic{"config", "monitor"}

// StateTopic is the retained topic carrying a device's ttsp.State.
func StateTopic(device string) bus.Topic { return bus.Topic{"ttsp", device, "state"} }

// StatsTopic is the retained topic carrying a device's latest ttsp.Stats.
func StatsTopic(device string) bus.Topic { return bus.Topic{"ttsp", device, "stats"} }

// Publisher feeds core state changes onto the bus. It implements
// ttsp.StatePublisher and never blocks.
type Publisher struct {
	conn *bus.Connection
}

func NewPublisher(conn *bus.Connection) *Publisher { return &Publisher{conn: conn} }

func (p *Publisher) PublishState(s ttsp.State) {
	p.conn.Publish(p.conn.NewMessage(StateTopic(s.Device), s, true))
}

// Source is the part of a core the monitor samples.
type Source interface {
	State() ttsp.State
	Stats() ttsp.Stats
}

// Config is the retained payload on {"config","monitor"}.
type Config struct {
	Interval time.Duration
}

type Service struct {
	Device   string
	Source   Source
	Interval time.Duration
	Log      *slog.Logger
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection, stateSub, cfgSub *bus.Subscription) {
	defer conn.Unsubscribe(stateSub)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(s.Interval)
	defer tick.Stop()

	var last ttsp.State
	var seen bool
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("monitor stopping", "device", s.Device)
			return
		case <-tick.C:
			st := s.Source.Stats()
			conn.Publish(conn.NewMessage(StatsTopic(s.Device), st, true))
			s.Log.Info("counters",
				"device", s.Device,
				"interrupts", st.Interrupts,
				"isr_drops", st.ISRDrops,
				"reports", st.Reports,
				"startups", st.StartupsRun,
				"startup_failures", st.StartupFailures,
				"watchdog_recoveries", st.WatchdogRecoveries,
				"bus_errors", st.BusErrors)
		case msg := <-stateSub.Channel():
			cur, ok := msg.Payload.(ttsp.State)
			if !ok {
				continue
			}
			s.logTransition(last, cur, seen)
			last, seen = cur, true
		case msg := <-cfgSub.Channel():
			if c, ok := msg.Payload.(Config); ok && c.Interval > 0 {
				tick.Reset(c.Interval)
				s.Log.Info("monitor interval set", "interval", c.Interval)
			}
		}
	}
}

func (s *Service) logTransition(prev, cur ttsp.State, seen bool) {
	attrs := []any{
		"device", cur.Device,
		"mode", cur.Mode,
		"sleep", cur.Sleep,
		"startup", cur.Startup,
		"sysinfo", cur.SysInfoReady,
	}
	switch {
	case cur.InvalidApp && (!seen || !prev.InvalidApp):
		s.Log.Error("invalid application image", attrs...)
	case seen && prev.Mode != cur.Mode:
		s.Log.Info("mode changed", append(attrs, "from", prev.Mode)...)
	case seen && prev.Sleep != cur.Sleep:
		s.Log.Info("sleep changed", append(attrs, "from", prev.Sleep)...)
	default:
		s.Log.Debug("state", attrs...)
	}
}

// Start the monitor service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	if s.Source == nil {
		return ttsp.ErrInvalidParams
	}
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
	}
	if s.Log == nil {
		s.Log = slog.Default()
	}
	// Subscribe before returning so no transition published after Start is missed.
	stateSub := conn.Subscribe(StateTopic(s.Device))
	cfgSub := conn.Subscribe(topicConfigMonitor)
	go s.serviceLoop(ctx, conn, stateSub, cfgSub)
	return nil
}
