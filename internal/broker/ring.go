package broker

import "github.com/t77yq/status-alerting/internal/model"

// eventRing is a fixed-capacity rolling log of published events. When full,
// appending evicts the oldest entry.
type eventRing struct {
	buf   []*model.StatusEvent
	start int
	count int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]*model.StatusEvent, capacity)}
}

func (r *eventRing) append(ev *model.StatusEvent) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns the retained events oldest first.
func (r *eventRing) snapshot() []*model.StatusEvent {
	out := make([]*model.StatusEvent, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *eventRing) len() int { return r.count }
