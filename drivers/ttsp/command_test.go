package ttsp_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"touchcode-go/drivers/ttsp"
	"touchcode-go/drivers/ttsp/ttsptest"
	"touchcode-go/errcode"
)

func TestExecCmdWrongModeWritesNothing(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)
	before := dev.Counters().Writes

	err := c.ExecCmd(ttsp.ModeCat, []byte{ttsp.CatCmdNull}, nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ttsp.ErrAccessDenied)
	assert.False(t, errcode.IsTiming(err))
	assert.Equal(t, before, dev.Counters().Writes)
}

func TestCommandToggleAlternates(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)

	var toggles []byte
	for i := 0; i < 4; i++ {
		var b [1]byte
		require.NoError(t, c.Read(ttsp.ModeOperational, ttsptest.CmdOffset, b[:]))
		require.NotZero(t, b[0]&ttsp.CmdComplete)
		toggles = append(toggles, b[0]&ttsp.CmdToggle)
		require.NoError(t, c.ExecCmd(ttsp.ModeOperational, []byte{ttsp.OpCmdNull}, nil, 100*time.Millisecond))
	}
	for i := 1; i < len(toggles); i++ {
		assert.NotEqual(t, toggles[i-1], toggles[i], "command %d", i)
	}
	assert.Equal(t, []byte{0, 0, 0, 0}, dev.Counters().Commands)
}

func TestExecCmdBusyRetriesOnce(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)

	dev.SetBusy(1)
	require.NoError(t, c.ExecCmd(ttsp.ModeOperational, []byte{ttsp.OpCmdNull}, nil, 100*time.Millisecond))
	assert.EqualValues(t, 1, c.Stats().BusyRetries)

	dev.SetBusy(2)
	err := c.ExecCmd(ttsp.ModeOperational, []byte{ttsp.OpCmdNull}, nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ttsp.ErrBusy)
}

func TestExecCmdTimeout(t *testing.T) {
	c, _ := startCore(t, ttsptest.Options{}, nil)

	// Wait-for-event only completes on wake.
	err := c.ExecCmd(ttsp.ModeOperational, []byte{ttsp.OpCmdWaitForEvent, 0}, nil, 30*time.Millisecond)
	assert.ErrorIs(t, err, ttsp.ErrTimeout)
	assert.True(t, errcode.IsTiming(err))
}

func TestSetModeSameModeShortCircuits(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)
	before := dev.Counters().Writes

	require.NoError(t, c.SetMode(ttsp.ModeOperational))
	require.NoError(t, c.SetMode(ttsp.ModeOperational))
	assert.Equal(t, before, dev.Counters().Writes)
	assert.Equal(t, ttsp.ModeOperational, c.Mode())
}

func TestSetModeRoundTrip(t *testing.T) {
	c, _ := startCore(t, ttsptest.Options{}, nil)

	require.NoError(t, c.SetMode(ttsp.ModeCat))
	assert.Equal(t, ttsp.ModeCat, c.Mode())
	require.NoError(t, c.SetMode(ttsp.ModeOperational))
	assert.Equal(t, ttsp.ModeOperational, c.Mode())

	assert.ErrorIs(t, c.SetMode(ttsp.ModeBootloader), ttsp.ErrInvalidParams)
}

func TestReadWriteModeCheck(t *testing.T) {
	c, _ := startCore(t, ttsptest.Options{}, nil)
	buf := make([]byte, 4)

	assert.ErrorIs(t, c.Read(ttsp.ModeCat, 0, buf), ttsp.ErrAccessDenied)
	assert.ErrorIs(t, c.Write(ttsp.ModeSysInfo, 0, buf), ttsp.ErrAccessDenied)
	assert.NoError(t, c.Read(ttsp.ModeAny, 0, buf))
}

func TestBusErrorKeepsCause(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)

	dev.FailNext(1)
	err := c.Read(ttsp.ModeOperational, 0, make([]byte, 2))
	require.Error(t, err)
	assert.Equal(t, errcode.IOError, errcode.Of(err))
	assert.True(t, errors.Is(err, ttsptest.ErrNACK))
	assert.EqualValues(t, 1, c.Stats().BusErrors)
}

// ---------------- Config blocks ----------------

func TestConfigRoundTrip(t *testing.T) {
	for _, e := range []ttsp.Endianness{ttsp.BigEndian, ttsp.LittleEndian} {
		t.Run(e.String(), func(t *testing.T) {
			c, dev := startCore(t, ttsptest.Options{Endianness: e, RowSize: 64}, nil)
			cl := ttsp.NewClient("loader")

			data := make([]byte, 150)
			for i := range data {
				data[i] = byte(i*7 + 1)
			}
			require.NoError(t, c.ProgramConfig(cl, 1, 0, data))
			assert.Equal(t, ttsp.ModeOperational, c.Mode())
			assert.Equal(t, data, dev.Block(1))

			crc, err := c.GetConfigCRC(1)
			require.NoError(t, err)
			assert.Equal(t, ttsp.CRC16(data), crc)

			require.NoError(t, c.RequestExclusive(cl, time.Second))
			defer func() { require.NoError(t, c.ReleaseExclusive(cl)) }()
			require.NoError(t, c.SetMode(ttsp.ModeCat))

			rows, err := c.ConfigRowSize()
			require.NoError(t, err)
			assert.Equal(t, 64, rows)

			got, err := c.ReadConfig(1, 0, len(data))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))

			calc, err := c.VerifyConfigCRC(1)
			require.NoError(t, err)
			assert.Equal(t, ttsp.CRC16(data), calc)

			require.NoError(t, c.SetMode(ttsp.ModeOperational))
		})
	}
}

func TestConfigWriteUnaligned(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{RowSize: 32}, nil)
	require.NoError(t, c.SetMode(ttsp.ModeCat))

	base := bytes.Repeat([]byte{0xAA}, 96)
	require.NoError(t, c.WriteConfig(2, 0, base))
	require.NoError(t, c.WriteConfig(2, 20, []byte("hello, config rows")))

	want := append([]byte(nil), base...)
	copy(want[20:], "hello, config rows")
	assert.Equal(t, want, dev.Block(2))

	got, err := c.ReadConfig(2, 10, 40)
	require.NoError(t, err)
	assert.Equal(t, want[10:50], got)
}

func TestVerifyConfigCRCMismatch(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)
	require.NoError(t, c.SetMode(ttsp.ModeCat))
	require.NoError(t, c.WriteConfig(3, 0, []byte{1, 2, 3, 4}))

	dev.CorruptStoredCRC(3)
	_, err := c.VerifyConfigCRC(3)
	assert.ErrorIs(t, err, ttsp.ErrCRCMismatch)
}

func TestReadConfigOutOfRange(t *testing.T) {
	c, _ := startCore(t, ttsptest.Options{}, nil)
	require.NoError(t, c.SetMode(ttsp.ModeCat))
	_, err := c.ReadConfig(9, 0, 16)
	assert.ErrorIs(t, err, ttsp.ErrCommandFailed)
}

func TestCatDiagnostics(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)
	require.NoError(t, c.SetMode(ttsp.ModeCat))

	require.NoError(t, c.CalibrateIDACs(0))
	require.NoError(t, c.InitBaselines(0x07))

	_, err := c.RetrievePanelScan(0, 8, 0, 1)
	assert.ErrorIs(t, err, ttsp.ErrCommandFailed, "no scan yet")

	require.NoError(t, c.ExecPanelScan())
	scan, err := c.RetrievePanelScan(4, 8, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, scan.ElementSize)
	assert.Equal(t, []byte{12, 15, 18, 21, 24, 27, 30, 33}, scan.Data)

	require.NoError(t, c.StartSensorDataMode())
	assert.True(t, dev.SensorDataMode())
	require.NoError(t, c.StopSensorDataMode())
	assert.False(t, dev.SensorDataMode())
}

// ---------------- Interrupt delivery ----------------

type attentions struct {
	mu  sync.Mutex
	got []ttsp.Attention
}

func (a *attentions) HandleAttention(at ttsp.Attention) {
	a.mu.Lock()
	a.got = append(a.got, at)
	a.mu.Unlock()
}

func (a *attentions) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func (a *attentions) at(i int) ttsp.Attention {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.got[i]
}

func TestReportDeliveredAndAcked(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)
	rec := &attentions{}
	touch := ttsp.NewClient("mt")
	require.NoError(t, c.Subscribe(ttsp.EventIRQ, ttsp.ModeOperational, touch, rec))
	acks := dev.Counters().Acks

	dev.Report(12, 2)
	require.Eventually(t, func() bool { return rec.len() == 1 }, settle, time.Millisecond)
	a := rec.at(0)
	assert.Equal(t, ttsp.ModeOperational, a.Mode)
	require.Len(t, a.Data, ttsptest.RepSize)
	assert.Equal(t, byte(12), a.Data[0])
	assert.Equal(t, byte(2), a.Data[ttsptest.TTStatOffset-ttsptest.RepOffset])
	require.Eventually(t, func() bool { return dev.Counters().Acks == acks+1 }, settle, time.Millisecond)

	// A zero-length report with records is malformed and not delivered.
	dev.Report(0, 3)
	require.Eventually(t, func() bool { return c.Stats().MalformedReports == 1 }, settle, time.Millisecond)
	assert.Equal(t, 1, rec.len())

	// An empty report (every touch lifted) is still delivered.
	dev.Report(0, 0)
	require.Eventually(t, func() bool { return rec.len() == 2 }, settle, time.Millisecond)
	empty := rec.at(1)
	assert.Zero(t, empty.Data[0])
	assert.Zero(t, empty.Data[ttsptest.TTStatOffset-ttsptest.RepOffset])
	require.Eventually(t, func() bool { return dev.Counters().Acks == acks+3 }, settle, time.Millisecond)
	assert.EqualValues(t, 1, c.Stats().MalformedReports)
	assert.EqualValues(t, 2, c.Stats().Reports)

	require.NoError(t, c.Unsubscribe(ttsp.EventIRQ, ttsp.ModeOperational, touch))
	assert.ErrorIs(t, c.Unsubscribe(ttsp.EventIRQ, ttsp.ModeOperational, touch), ttsp.ErrNotFound)
}

func TestReportNotDeliveredOutsideOperational(t *testing.T) {
	c, dev := startCore(t, ttsptest.Options{}, nil)
	rec := &attentions{}
	require.NoError(t, c.Subscribe(ttsp.EventIRQ, ttsp.ModeAny, ttsp.NewClient("mt"), rec))

	require.NoError(t, c.SetMode(ttsp.ModeCat))
	dev.Report(12, 1) // ignored by a device in CAT mode
	require.NoError(t, c.ExecCmd(ttsp.ModeCat, []byte{ttsp.CatCmdNull}, nil, 100*time.Millisecond))
	assert.Zero(t, rec.len())
}

func TestStartupEventNotified(t *testing.T) {
	c, _ := startCore(t, ttsptest.Options{}, nil)
	rec := &attentions{}
	require.NoError(t, c.Subscribe(ttsp.EventStartup, ttsp.ModeAny, ttsp.NewClient("btn"), rec))

	require.NoError(t, c.RequestRestart(true))
	require.Eventually(t, func() bool { return rec.len() == 1 }, settle, time.Millisecond)
	assert.Equal(t, ttsp.ModeOperational, rec.at(0).Mode)
}

func TestExclusiveReleasedNotified(t *testing.T) {
	c, _ := startCore(t, ttsptest.Options{}, nil)
	rec := &attentions{}
	a, b := ttsp.NewClient("a"), ttsp.NewClient("b")
	require.NoError(t, c.Subscribe(ttsp.EventExclusiveReleased, ttsp.ModeAny, b, rec))

	require.NoError(t, c.RequestExclusive(a, time.Second))
	assert.ErrorIs(t, c.RequestExclusive(b, 10*time.Millisecond), ttsp.ErrTimeout)
	assert.ErrorIs(t, c.ReleaseExclusive(b), ttsp.ErrNotOwner)
	require.NoError(t, c.ReleaseExclusive(a))

	assert.Equal(t, 1, rec.len())
	require.NoError(t, c.RequestExclusive(b, time.Second))
	require.NoError(t, c.ReleaseExclusive(b))
}
