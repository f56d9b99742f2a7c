package ttsp_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"touchcode-go/drivers/ttsp"
	"touchcode-go/drivers/ttsp/ttsptest"
	"touchcode-go/errcode"
)

const settle = 2 * time.Second

func testConfig(dev *ttsptest.Device) ttsp.Config {
	cfg := ttsp.DefaultConfig()
	cfg.Name = "ts0"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.ExclusiveTimeout = time.Second
	cfg.ModeChangeTimeout = 200 * time.Millisecond
	cfg.CommandTimeout = 200 * time.Millisecond
	cfg.CommandCompleteTimeout = 100 * time.Millisecond
	cfg.BootloaderTimeout = 50 * time.Millisecond
	cfg.WakeTimeout = 100 * time.Millisecond
	cfg.PowerCycleDelay = time.Millisecond
	cfg.RestartTimeout = 5 * time.Second
	cfg.WatchdogInterval = time.Hour
	cfg.Reset, cfg.Power, cfg.IRQLine = dev, dev, dev
	return cfg
}

// newCore attaches a Core to a fresh simulated device without waiting for
// the first startup.
func newCore(t *testing.T, opt ttsptest.Options, tune func(*ttsp.Config)) (*ttsp.Core, *ttsptest.Device) {
	t.Helper()
	dev := ttsptest.New(opt)
	cfg := testConfig(dev)
	if tune != nil {
		tune(&cfg)
	}
	c, err := ttsp.New(dev, cfg)
	require.NoError(t, err)
	dev.SetIRQ(c.IRQ)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		c.Detach()
		cancel()
	})
	return c, dev
}

func startCore(t *testing.T, opt ttsptest.Options, tune func(*ttsp.Config)) (*ttsp.Core, *ttsptest.Device) {
	t.Helper()
	c, dev := newCore(t, opt, tune)
	require.NoError(t, c.AwaitStartup(settle))
	require.Equal(t, ttsp.ModeOperational, c.Mode())
	return c, dev
}

func idle(c *ttsp.Core) func() bool {
	return func() bool {
		s := c.State()
		return s.Startup == ttsp.StartupNone && s.Mode == ttsp.ModeOperational
	}
}

// ---------------- Startup ----------------

func TestStartupReachesOperational(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)

	si, err := c.SysInfo()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0A11), si.CyData.TTPID)
	assert.Equal(t, uint8(ttsptest.CmdOffset), si.Op.CmdOffset)
	assert.Equal(t, uint8(ttsptest.RepOffset), si.Op.RepOffset)
	assert.Equal(t, uint16(ttsptest.RepSize), si.Op.RepSize)
	assert.Equal(t, uint8(ttsptest.MaxTouches), si.Op.MaxTouches)
	assert.Equal(t, uint16(1024), si.Panel.ResX)
	assert.Equal(t, []byte{0xD0, 0xD1, 0xD2, 0xD3}, si.DData)
	assert.Equal(t, ttsp.BigEndian, si.Endianness)

	st := c.State()
	assert.True(t, st.SysInfoReady)
	assert.False(t, st.InvalidApp)
	assert.Equal(t, ttsp.SleepOff, st.Sleep)
	assert.True(t, c.WatchdogActive())

	assert.Equal(t, 1, dev.Counters().Resets)
	assert.EqualValues(t, 1, c.Stats().StartupsRun)
}

func TestStartupChunkedTransfers(t *testing.T) {
	c, _ := startCore(t, ttsptest.Options{MaxXfer: 8, Endianness: ttsp.LittleEndian}, nil)
	si, err := c.SysInfo()
	require.NoError(t, err)
	assert.Equal(t, ttsp.LittleEndian, si.Endianness)
	assert.Equal(t, []byte{0xE0, 0xE1, 0xE2, 0xE3}, si.MData)
}

func TestStartupRetryBound(t *testing.T) {
	c, dev := newCore(t, ttsptest.Options{Stuck: true}, func(cfg *ttsp.Config) {
		cfg.StartupRetries = 3
	})

	err := c.AwaitStartup(settle)
	require.Error(t, err)
	assert.ErrorIs(t, err, ttsp.ErrStartupFailed)
	assert.Equal(t, errcode.StartupFailed, errcode.Of(err))

	n := dev.Counters()
	assert.Equal(t, 4, n.Resets, "three resets, then one more after the power cycle")
	assert.Equal(t, 1, n.PowerCycles)
	assert.False(t, c.InvalidApp())
	assert.True(t, c.WatchdogActive(), "watchdog stays armed after a failed startup")

	_, err = c.SysInfo()
	assert.ErrorIs(t, err, ttsp.ErrNotReady)
}

func TestCorruptApplicationIsTerminal(t *testing.T) {
	c, dev := newCore(t, ttsptest.Options{CorruptApp: true}, nil)

	err := c.AwaitStartup(settle)
	assert.ErrorIs(t, err, ttsp.ErrInvalidApp)
	assert.True(t, errcode.IsTerminal(err))

	n := dev.Counters()
	assert.Equal(t, 1, n.Resets, "no retries after a corrupt application")
	assert.Zero(t, n.PowerCycles)
	assert.True(t, c.InvalidApp())
	assert.True(t, c.State().InvalidApp)
	assert.False(t, c.WatchdogActive())
}

func TestHeartbeatRequeuesStartupOnFourth(t *testing.T) {
	c, dev := newCore(t, ttsptest.Options{Stuck: true}, func(cfg *ttsp.Config) {
		cfg.StartupRetries = 1
		cfg.Power = nil
	})
	require.Error(t, c.AwaitStartup(settle))
	require.Equal(t, ttsp.ModeBootloader, c.Mode())
	require.EqualValues(t, 1, c.Stats().StartupsQueued)

	for i := 1; i <= 3; i++ {
		dev.Heartbeat()
		require.Eventually(t, func() bool { return c.Stats().Heartbeats == uint64(i) }, settle, time.Millisecond)
	}
	assert.EqualValues(t, 1, c.Stats().StartupsQueued, "third heartbeat must not requeue")

	dev.Heartbeat()
	require.Eventually(t, func() bool { return c.Stats().StartupsQueued == 2 }, settle, time.Millisecond)
}

func TestBusyBootloaderBreaksHeartbeatRun(t *testing.T) {
	c, dev := newCore(t, ttsptest.Options{Stuck: true}, func(cfg *ttsp.Config) {
		cfg.StartupRetries = 1
		cfg.Power = nil
	})
	require.Error(t, c.AwaitStartup(settle))
	require.EqualValues(t, 1, c.Stats().StartupsQueued)

	heartbeat := func() {
		t.Helper()
		n := c.Stats().Interrupts
		dev.Heartbeat()
		require.Eventually(t, func() bool { return c.Stats().Interrupts > n }, settle, time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		heartbeat()
	}
	dev.SetBootloaderBusy(true)
	heartbeat()
	dev.SetBootloaderBusy(false)
	assert.EqualValues(t, 3, c.Stats().Heartbeats)

	for i := 0; i < 3; i++ {
		heartbeat()
	}
	assert.EqualValues(t, 1, c.Stats().StartupsQueued, "busy status restarts the count")

	heartbeat()
	require.Eventually(t, func() bool { return c.Stats().StartupsQueued == 2 }, settle, time.Millisecond)
}

func TestGlitchRecovers(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)

	dev.Glitch()
	require.Eventually(t, func() bool {
		return c.Stats().StartupsRun == 2 && idle(c)()
	}, settle, time.Millisecond)
	assert.EqualValues(t, 1, c.Stats().Glitches)
	_, err := c.SysInfo()
	assert.NoError(t, err)
}

func TestRequestResetRecovers(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)

	require.NoError(t, c.RequestReset())
	require.Eventually(t, func() bool {
		return c.Stats().StartupsRun == 2 && idle(c)()
	}, settle, time.Millisecond)
	assert.Equal(t, 3, dev.Counters().Resets, "attach, request, recovery startup")
}

func TestRequestResetInvalidatesSysInfo(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)
	require.NoError(t, c.Sleep())

	// Holding exclusivity keeps the recovery startup from running.
	holder := ttsp.NewClient("holder")
	require.NoError(t, c.RequestExclusive(holder, time.Second))
	require.NoError(t, c.RequestReset())
	assert.True(t, dev.InBootloader())

	_, err := c.SysInfo()
	assert.ErrorIs(t, err, ttsp.ErrNotReady)
	st := c.State()
	assert.False(t, st.SysInfoReady)
	assert.Equal(t, ttsp.ModeUnknown, st.Mode)
	assert.Equal(t, ttsp.StartupQueued, st.Startup)

	require.NoError(t, c.ReleaseExclusive(holder))
	require.Eventually(t, func() bool {
		st := c.State()
		return c.Stats().StartupsRun == 2 && st.Startup == ttsp.StartupNone && st.SysInfoReady
	}, settle, time.Millisecond)
	assert.Equal(t, ttsp.SleepOn, c.State().Sleep)
	assert.True(t, dev.Sleeping())
}

func TestRequestRestartWaits(t *testing.T) {
	c, _ := startCore(t, ttsptest.Options{}, nil)

	require.NoError(t, c.RequestRestart(true))
	assert.EqualValues(t, 2, c.Stats().StartupsRun)
	assert.Equal(t, ttsp.ModeOperational, c.Mode())
}

func TestWatchdogRecoversSilentReset(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, func(cfg *ttsp.Config) {
		cfg.WatchdogInterval = 20 * time.Millisecond
	})

	dev.SilentReset()
	require.Eventually(t, func() bool {
		return c.Stats().WatchdogRecoveries >= 1 && c.Stats().StartupsRun >= 2 && idle(c)()
	}, settle, 5*time.Millisecond)
	assert.True(t, c.WatchdogActive())
}

func TestSysInfoNotReadyBeforeStart(t *testing.T) {
	dev := ttsptest.New(ttsptest.Options{})
	c, err := ttsp.New(dev, testConfig(dev))
	require.NoError(t, err)
	_, err = c.SysInfo()
	assert.ErrorIs(t, err, ttsp.ErrNotReady)
}

type memParams struct {
	mu    sync.Mutex
	saved map[string][]ttsp.Param
}

func (m *memParams) LoadParams(device string) ([]ttsp.Param, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ttsp.Param(nil), m.saved[device]...), nil
}

func (m *memParams) SaveParam(device string, p ttsp.Param) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string][]ttsp.Param)
	}
	m.saved[device] = append(m.saved[device], p)
	return nil
}

func TestParamsRestoredOnStartup(t *testing.T) {
	store := &memParams{saved: map[string][]ttsp.Param{
		"ts0": {{ID: 0x0C, Size: 1, Value: 0x03}},
	}}
	c, dev := startCore(t, ttsptest.Options{}, func(cfg *ttsp.Config) { cfg.Params = store })

	p, ok := dev.Param(0x0C)
	require.True(t, ok, "stored parameter applied by the first startup")
	assert.EqualValues(t, 0x03, p.Value)

	require.NoError(t, c.SetParam(ttsp.Param{ID: 0x20, Size: 2, Value: 0x1234}))
	got, err := c.GetParam(0x20)
	require.NoError(t, err)
	assert.Equal(t, ttsp.Param{ID: 0x20, Size: 2, Value: 0x1234}, got)
	assert.Len(t, store.saved["ts0"], 2)

	require.NoError(t, c.RequestRestart(true))
	p, ok = dev.Param(0x20)
	require.True(t, ok, "parameter restored after reset")
	assert.EqualValues(t, 0x1234, p.Value)
	assert.Len(t, c.Params(), 2)
}

func TestSetParamRejectsBadSize(t *testing.T) {
	c, _ := startCore(t, ttsptest.Options{}, nil)
	assert.ErrorIs(t, c.SetParam(ttsp.Param{ID: 1, Size: 3}), ttsp.ErrInvalidParams)
}

// ---------------- Publisher ----------------

type statesSeen struct {
	mu     sync.Mutex
	states []ttsp.State
}

func (s *statesSeen) PublishState(st ttsp.State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *statesSeen) last() ttsp.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[len(s.states)-1]
}

func TestStatePublishedOnChange(t *testing.T) {
	pub := &statesSeen{}
	c, _ := startCore(t, ttsptest.Options{}, func(cfg *ttsp.Config) { cfg.Publisher = pub })

	require.Eventually(t, func() bool { return pub.last() == c.State() }, settle, time.Millisecond)
	last := pub.last()
	assert.Equal(t, ttsp.ModeOperational, last.Mode)
	assert.True(t, last.SysInfoReady)
	assert.Equal(t, "ts0", last.Device)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for i := 1; i < len(pub.states); i++ {
		assert.NotEqual(t, pub.states[i-1], pub.states[i], "only changes are published")
	}
}

func TestNewRejectsNilTransport(t *testing.T) {
	_, err := ttsp.New(nil, ttsp.DefaultConfig())
	assert.True(t, errors.Is(err, ttsp.ErrInvalidParams))
}
