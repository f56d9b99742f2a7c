package ttsp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a downstream user of the core: a touch handler, a button
// handler, a diagnostics tool, or the core's own recovery context. Its
// identity is the pointer; ID is for logs.
type Client struct {
	ID   uuid.UUID
	Name string
}

func NewClient(name string) *Client {
	return &Client{ID: uuid.New(), Name: name}
}

func (c *Client) String() string {
	if c == nil {
		return "<none>"
	}
	return c.Name + "/" + c.ID.String()[:8]
}

// arbiter grants at most one Client exclusive use of the device. Waiters
// are counted, not queued: a release wakes all of them and they race.
type arbiter struct {
	mu      sync.Mutex
	owner   *Client
	waiters int
	free    cond

	// onRelease runs after a successful release, outside mu.
	onRelease func(prev *Client)
}

func newArbiter() *arbiter {
	return &arbiter{free: newCond()}
}

// Acquire makes owner the holder, waiting up to timeout (<= 0: forever).
// Re-acquiring by the current holder succeeds immediately.
func (a *arbiter) Acquire(owner *Client, timeout time.Duration) error {
	if owner == nil {
		return fail(ErrInvalidParams, "acquire", "nil client")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner == nil || a.owner == owner {
		a.owner = owner
		return nil
	}
	a.waiters++
	ok := a.free.wait(&a.mu, timeout, func() bool { return a.owner == nil })
	a.waiters--
	if !ok {
		return fail(ErrTimeout, "acquire", "held by "+a.owner.String())
	}
	a.owner = owner
	return nil
}

// Release gives up exclusivity. Releasing without holding is rejected.
func (a *arbiter) Release(owner *Client) error {
	a.mu.Lock()
	if owner == nil || a.owner != owner {
		a.mu.Unlock()
		return fail(ErrNotOwner, "release", owner.String())
	}
	a.owner = nil
	a.free.broadcast()
	cb := a.onRelease
	a.mu.Unlock()
	if cb != nil {
		cb(owner)
	}
	return nil
}

func (a *arbiter) Owner() *Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

func (a *arbiter) Held() bool { return a.Owner() != nil }

func (a *arbiter) Waiters() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waiters
}
