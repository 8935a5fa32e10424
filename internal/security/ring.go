package security

import "github.com/usehatch/hatch/internal/audit"

// eventRing is a fixed-capacity circular buffer of recent security
// events. When full, the oldest entry is silently overwritten.
type eventRing struct {
	buf  []audit.Event
	head int // index of the oldest entry
	n    int // number of valid entries
}

func newEventRing(capacity int) *eventRing {
	if capacity < 1 {
		capacity = 1
	}
	return &eventRing{buf: make([]audit.Event, capacity)}
}

// push appends an event, evicting the oldest when at capacity.
func (r *eventRing) push(ev audit.Event) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
}

// items returns the buffered events oldest-first.
func (r *eventRing) items() []audit.Event {
	out := make([]audit.Event, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
