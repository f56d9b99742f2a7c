package ttsp

import "sync"

// EventType selects which subscription list an event is delivered to.
type EventType uint8

const (
	EventIRQ               EventType = iota // operational report block
	EventStartup                            // a startup sequence finished
	EventWake                               // device-initiated wake while asleep
	EventExclusiveReleased                  // exclusivity became free
	numEvents
)

func (e EventType) String() string {
	switch e {
	case EventIRQ:
		return "irq"
	case EventStartup:
		return "startup"
	case EventWake:
		return "wake"
	case EventExclusiveReleased:
		return "exclusive_released"
	}
	return "invalid"
}

// Attention is what a handler receives. Data is owned by the handler.
type Attention struct {
	Type EventType
	Mode Mode
	Data []byte
}

// Handler receives attention events. Handlers run on the interrupt worker,
// the startup worker, or the releasing caller, with no core lock held; they
// may call back into the core, including Unsubscribe.
type Handler interface {
	HandleAttention(Attention)
}

type HandlerFunc func(Attention)

func (f HandlerFunc) HandleAttention(a Attention) { f(a) }

type subscription struct {
	client *Client
	mask   Mode
	h      Handler
	live   bool
}

type attentionRegistry struct {
	mu   sync.Mutex
	subs [numEvents][]*subscription
}

func validEvent(e EventType) bool { return e < numEvents }

// Subscribe is idempotent per (event, client, mask).
func (r *attentionRegistry) Subscribe(e EventType, mask Mode, cl *Client, h Handler) error {
	if !validEvent(e) || cl == nil || h == nil {
		return fail(ErrInvalidParams, "subscribe", e.String())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs[e] {
		if s.client == cl && s.mask == mask {
			return nil
		}
	}
	r.subs[e] = append(r.subs[e], &subscription{client: cl, mask: mask, h: h, live: true})
	return nil
}

// Unsubscribe removes the first entry matching (event, client, mask).
func (r *attentionRegistry) Unsubscribe(e EventType, mask Mode, cl *Client) error {
	if !validEvent(e) {
		return fail(ErrInvalidParams, "unsubscribe", e.String())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[e]
	for i, s := range list {
		if s.client == cl && s.mask == mask {
			s.live = false
			// Copy so a Notify iterating the old slice is undisturbed.
			next := make([]*subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			r.subs[e] = append(next, list[i+1:]...)
			return nil
		}
	}
	return fail(ErrNotFound, "unsubscribe", cl.String())
}

// Notify calls every live handler whose mask is zero or intersects mode,
// in subscription order. The lock is dropped around each call.
func (r *attentionRegistry) Notify(a Attention) int {
	if !validEvent(a.Type) {
		return 0
	}
	r.mu.Lock()
	list := r.subs[a.Type]
	r.mu.Unlock()

	n := 0
	for _, s := range list {
		r.mu.Lock()
		live := s.live
		r.mu.Unlock()
		if !live || (s.mask != ModeAny && s.mask&a.Mode == 0) {
			continue
		}
		ev := a
		if a.Data != nil {
			ev.Data = append([]byte(nil), a.Data...)
		}
		s.h.HandleAttention(ev)
		n++
	}
	return n
}

func (r *attentionRegistry) Count(e EventType) int {
	if !validEvent(e) {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[e])
}
