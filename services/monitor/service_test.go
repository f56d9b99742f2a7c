package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"touchcode-go/bus"
	"touchcode-go/drivers/ttsp"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type fakeSource struct {
	mu    sync.Mutex
	stats ttsp.Stats
}

func (f *fakeSource) State() ttsp.State { return ttsp.State{Device: "ts0"} }

func (f *fakeSource) Stats() ttsp.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func newService(t *testing.T, interval time.Duration) (*bus.Bus, *syncBuffer, *fakeSource) {
	t.Helper()
	b := bus.NewBus(8)
	out := &syncBuffer{}
	src := &fakeSource{stats: ttsp.Stats{Interrupts: 7}}
	svc := &Service{
		Device:   "ts0",
		Source:   src,
		Interval: interval,
		Log:      slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(ctx, b.NewConnection("monitor")))
	return b, out, src
}

func TestPublisherRetainsState(t *testing.T) {
	b := bus.NewBus(4)
	p := NewPublisher(b.NewConnection("core"))
	p.PublishState(ttsp.State{Device: "ts0", Mode: ttsp.ModeCat})

	m, ok := b.Retained(StateTopic("ts0"))
	require.True(t, ok)
	assert.Equal(t, ttsp.ModeCat, m.Payload.(ttsp.State).Mode)
}

func TestLogsModeTransitions(t *testing.T) {
	b, out, _ := newService(t, time.Hour)
	p := NewPublisher(b.NewConnection("core"))

	p.PublishState(ttsp.State{Device: "ts0", Mode: ttsp.ModeBootloader})
	p.PublishState(ttsp.State{Device: "ts0", Mode: ttsp.ModeOperational, SysInfoReady: true})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "mode changed")
	}, time.Second, time.Millisecond)

	p.PublishState(ttsp.State{Device: "ts0", Mode: ttsp.ModeBootloader, InvalidApp: true})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "invalid application image")
	}, time.Second, time.Millisecond)
}

func TestPublishesCounters(t *testing.T) {
	b, out, _ := newService(t, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		m, ok := b.Retained(StatsTopic("ts0"))
		return ok && m.Payload.(ttsp.Stats).Interrupts == 7
	}, time.Second, time.Millisecond)
	assert.Contains(t, out.String(), "interrupts=7")
}

func TestIntervalFromConfig(t *testing.T) {
	b, out, _ := newService(t, time.Hour)
	conn := b.NewConnection("config")
	conn.Publish(conn.NewMessage(topicConfigMonitor, Config{Interval: 5 * time.Millisecond}, true))

	require.Eventually(t, func() bool {
		_, ok := b.Retained(StatsTopic("ts0"))
		return ok
	}, time.Second, time.Millisecond)
	assert.Contains(t, out.String(), "monitor interval set")
}

func TestStartRequiresSource(t *testing.T) {
	svc := &Service{Device: "ts0"}
	assert.Error(t, svc.Start(context.Background(), bus.NewBus(1).NewConnection("x")))
}
