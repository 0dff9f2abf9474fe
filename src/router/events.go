package router

import (
	"fmt"
	"time"
)

// EventKind classifies a status event.
type EventKind int

const (
	TransportDegraded EventKind = iota
	ModeChanged
	PathChanged
)

func (k EventKind) String() string {
	switch k {
	case TransportDegraded:
		return "transport_degraded"
	case ModeChanged:
		return "mode_changed"
	case PathChanged:
		return "path_changed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a user-visible status notification.
type Event struct {
	Kind    EventKind
	Path    Path
	Message string
	Err     error
	At      time.Time
}

// Subscribe returns a channel of status events and a function that
// unsubscribes and closes it. Events are dropped for a subscriber whose
// buffer is full.
func (r *Router) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

func (r *Router) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Debug("status subscriber full, dropping event", "subscriber", id, "event", ev.Kind)
		}
	}
}
