package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"touchcode-go/drivers/ttsp"
	"touchcode-go/drivers/ttsp/ttsptest"
	"touchcode-go/services/config"
)

const testConfig = `
device:
  name: ts0
core:
  watchdog_interval: 1h
  bootloader_timeout: 50ms
  mode_change_timeout: 200ms
  command_timeout: 200ms
  command_complete_timeout: 100ms
  power_cycle_delay: 1ms
  restart_timeout: 5s
store:
  path: %STORE%
`

// simulate points the CLI at one simulated controller shared by every
// session of the test.
func simulate(t *testing.T) (*ttsptest.Device, string) {
	t.Helper()
	dev := ttsptest.New(ttsptest.Options{})
	old := openBackend
	openBackend = func(*config.File) (*backend, error) {
		return &backend{
			transport: dev,
			apply: func(cfg *ttsp.Config) {
				cfg.Reset, cfg.Power, cfg.IRQLine = dev, dev, dev
			},
			attach: dev.SetIRQ,
			close:  func() error { return nil },
		}, nil
	}
	t.Cleanup(func() { openBackend = old })

	dir := t.TempDir()
	doc := strings.ReplaceAll(testConfig, "%STORE%", filepath.Join(dir, "params.db"))
	path := filepath.Join(dir, "ttsp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return dev, path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	e := newEnv(&out)
	root := newRootCommand(e)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", cfgPath, "--log-level", "error"}, args...))
	err := root.Execute()
	e.keep = false
	require.NoError(t, e.done())
	return out.String(), err
}

func TestSysInfo(t *testing.T) {
	_, cfg := simulate(t)
	out, err := run(t, cfg, "sysinfo")
	require.NoError(t, err)
	assert.Contains(t, out, "ttpid:      0x0a11")
	assert.Contains(t, out, "endianness: big")
}

func TestStatus(t *testing.T) {
	_, cfg := simulate(t)
	out, err := run(t, cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "mode:      operational")
}

func TestRegReadWrite(t *testing.T) {
	_, cfg := simulate(t)
	out := runShell(t, cfg,
		"reg write --mode op 0x40 a1b2",
		"reg read 0x40 2",
		"reg read --mode cat 0x40 2",
		"reg read --mode sideways 0 1",
	)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "a1b2", lines[0])
	assert.Contains(t, lines[1], "Error:")
	assert.Contains(t, lines[2], "bad mode")
}

func TestCfgWriteReadVerify(t *testing.T) {
	dev, cfg := simulate(t)
	data := strings.Repeat("5a", 80)
	_, err := run(t, cfg, "cfg", "write", "1", "0", data)
	require.NoError(t, err)
	assert.Len(t, dev.Block(1), 80)

	out, err := run(t, cfg, "cfg", "read", "1", "0", "80")
	require.NoError(t, err)
	assert.Equal(t, data+"\n", out)

	out, err = run(t, cfg, "cfg", "verify", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

func TestParamPersistsAcrossSessions(t *testing.T) {
	dev, cfg := simulate(t)
	_, err := run(t, cfg, "param", "set", "0x20", "2", "0x1234")
	require.NoError(t, err)

	// Next session resets the device, which forgets the value, and the
	// store puts it back.
	out, err := run(t, cfg, "param", "get", "0x20")
	require.NoError(t, err)
	assert.Equal(t, "0x20 = 0x1234 (2 bytes)\n", out)
	assert.GreaterOrEqual(t, dev.Counters().Resets, 2)
}

func TestScan(t *testing.T) {
	_, cfg := simulate(t)
	out, err := run(t, cfg, "scan", "--count", "4")
	require.NoError(t, err)
	assert.Equal(t, "type 0x00, 4 elements of 1 bytes\n00030609\n", out)
}

func TestCalibrate(t *testing.T) {
	dev, cfg := simulate(t)
	_, err := run(t, cfg, "calibrate")
	require.NoError(t, err)
	cmds := dev.Counters().Commands
	assert.Contains(t, cmds, byte(ttsp.CatCmdCalibrateIDACs))
	assert.Contains(t, cmds, byte(ttsp.CatCmdInitBaselines))
}

func TestSleepWakeAndRestart(t *testing.T) {
	dev, cfg := simulate(t)
	_, err := run(t, cfg, "sleep")
	require.NoError(t, err)
	assert.True(t, dev.Sleeping())

	_, err = run(t, cfg, "restart")
	require.NoError(t, err)
	assert.False(t, dev.Sleeping())
}

// runShell feeds lines to one shell and returns everything it printed.
func runShell(t *testing.T, cfgPath string, lines ...string) string {
	t.Helper()
	var out bytes.Buffer
	e := newEnv(&out)
	e.cfgPath = cfgPath
	e.logLevel = "error"
	require.NoError(t, e.setup(newRootCommand(e)))

	next := func() (string, error) {
		if len(lines) == 0 {
			return "", io.EOF
		}
		l := lines[0]
		lines = lines[1:]
		return l, nil
	}
	require.NoError(t, shell(e, next, &out))
	require.NoError(t, e.done())
	return out.String()
}

func TestShellKeepsOneSession(t *testing.T) {
	dev, cfg := simulate(t)
	out := runShell(t, cfg, "status", "", "shell", "param set 0x0c 1 3", "param get 0x0c", "exit", "status")

	assert.Contains(t, out, "mode:      operational")
	assert.Contains(t, out, "shell is not available")
	assert.Contains(t, out, "0x0c = 0x3 (1 bytes)")
	assert.Equal(t, 1, strings.Count(out, "device:"), "nothing runs after exit")
	assert.Equal(t, 1, dev.Counters().Resets, "one startup for the whole shell")
}

func TestSessionRequiresStartup(t *testing.T) {
	_, cfg := simulate(t)
	dev := ttsptest.New(ttsptest.Options{CorruptApp: true})
	openBackend = func(*config.File) (*backend, error) {
		return &backend{
			transport: dev,
			apply:     func(c *ttsp.Config) { c.Reset, c.IRQLine = dev, dev },
			attach:    dev.SetIRQ,
			close:     func() error { return nil },
		}, nil
	}
	start := time.Now()
	_, err := run(t, cfg, "status")
	assert.ErrorIs(t, err, ttsp.ErrInvalidApp)
	assert.Less(t, time.Since(start), 5*time.Second)
}
