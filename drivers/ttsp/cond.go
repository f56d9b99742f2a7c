package ttsp

import (
	"sync"
	"time"
)

// cond is a broadcast condition with bounded waits. All methods require
// the associated lock to be held.
type cond struct {
	ch chan struct{}
}

func newCond() cond { return cond{ch: make(chan struct{})} }

func (c *cond) broadcast() {
	close(c.ch)
	c.ch = make(chan struct{})
}

// wait blocks until pred holds or timeout elapses; timeout <= 0 waits
// forever. mu is held on entry and on return. pred is re-checked after
// every wakeup, so spurious broadcasts are harmless.
func (c *cond) wait(mu sync.Locker, timeout time.Duration, pred func() bool) bool {
	if pred() {
		return true
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		ch := c.ch
		mu.Unlock()
		select {
		case <-ch:
			mu.Lock()
		case <-expired:
			mu.Lock()
			return pred()
		}
		if pred() {
			return true
		}
	}
}
