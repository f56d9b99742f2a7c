// Package timerutil holds the stop/drain/reset dance for time.Timer.
package timerutil

import "time"

// Reset safely stops, drains, and resets a timer.
func Reset(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		Drain(t)
	}
	t.Reset(d)
}

// Stop stops the timer and drains a pending fire, if any.
func Stop(t *time.Timer) {
	if !t.Stop() {
		Drain(t)
	}
}

func Drain(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// Idle returns a stopped timer whose channel never fires until Reset.
func Idle() *time.Timer {
	t := time.NewTimer(time.Hour)
	Stop(t)
	return t
}
