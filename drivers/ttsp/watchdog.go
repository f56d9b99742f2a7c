package ttsp

import (
	"context"
	"sync/atomic"
	"time"

	"touchcode-go/internal/timerutil"
)

// watchdog periodically probes an idle device. start and stop never
// block; the timer itself lives in run.
type watchdog struct {
	interval time.Duration
	active   atomic.Bool
	poke     chan struct{}
	check    func()
}

func newWatchdog(interval time.Duration, check func()) *watchdog {
	return &watchdog{interval: interval, poke: make(chan struct{}, 1), check: check}
}

func (w *watchdog) start() {
	if w.interval <= 0 {
		return
	}
	w.active.Store(true)
	w.kick()
}

func (w *watchdog) stop() {
	w.active.Store(false)
	w.kick()
}

func (w *watchdog) kick() {
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

func (w *watchdog) run(ctx context.Context) {
	t := timerutil.Idle()
	defer timerutil.Stop(t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.poke:
			if w.active.Load() {
				timerutil.Reset(t, w.interval)
			} else {
				timerutil.Stop(t)
			}
		case <-t.C:
			if !w.active.Load() {
				continue
			}
			w.check()
			if w.active.Load() {
				t.Reset(w.interval)
			}
		}
	}
}

// watchdogCheck probes the device when nobody else is using it and
// queues a startup if it is gone, in the bootloader, or in a mode the
// core did not put it in.
func (c *Core) watchdogCheck() {
	if c.arb.Held() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startup != StartupNone || c.sleep != SleepOff || c.invalidApp || c.status.Has(IntModeChange) {
		return
	}
	c.stats.WatchdogFires++

	var hdr [HeaderLen]byte
	err := c.bus.Read(RegBase, hdr[:])
	switch {
	case err != nil:
		c.log.Warn("watchdog: device not responding", "err", err)
	case isBootloader(hdr[:]):
		c.log.Warn("watchdog: device in bootloader")
	case hdr[0]&HstModeChange == 0 && modeFromHst(hdr[0]) != c.mode:
		c.log.Warn("watchdog: unexpected mode", "reported", modeFromHst(hdr[0]), "expected", c.mode)
	default:
		return
	}
	c.stats.WatchdogRecoveries++
	c.queueStartupLocked("watchdog")
}
