package sub

import (
	"container/list"
	"sync"
	"time"

	"nostrkit.dev/event"
)

// dedupRecord is what the shared LRU remembers about one event id:
// which relays have delivered it, and when each subscription last
// received it (so delivery can be re-permitted once dedup_window has
// elapsed, rather than being suppressed forever).
type dedupRecord struct {
	id          event.ID
	firstSeen   time.Time
	relays      map[string]struct{}
	deliveredAt map[string]time.Time // subscription id -> last delivery time
}

// dedup is the shared LRU of (event_id, relay) observations described
// in §4.9. It derives per-subscription delivery decisions: each
// subscription is allowed to see a given event id at most once per
// window, independent of every other subscription watching the same
// id.
type dedup struct {
	mu         sync.Mutex
	window     time.Duration
	maxSize    int
	order      *list.List // front = most recently touched
	elems      map[event.ID]*list.Element
	suppressed uint64
}

func newDedup(window time.Duration, maxSize int) *dedup {
	if maxSize <= 0 {
		maxSize = 50_000
	}
	return &dedup{
		window:  window,
		maxSize: maxSize,
		order:   list.New(),
		elems:   make(map[event.ID]*list.Element),
	}
}

// admit records that relay delivered id, and reports whether subID
// should actually receive it: false means subID already received this
// id within the dedup window and the delivery must be suppressed.
func (d *dedup) admit(subID, relay string, id event.ID, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rec *dedupRecord
	if el, ok := d.elems[id]; ok {
		rec = el.Value.(*dedupRecord)
		d.order.MoveToFront(el)
	} else {
		rec = &dedupRecord{
			id:          id,
			firstSeen:   now,
			relays:      make(map[string]struct{}, 1),
			deliveredAt: make(map[string]time.Time, 1),
		}
		el := d.order.PushFront(rec)
		d.elems[id] = el
		d.evictLocked()
	}
	rec.relays[relay] = struct{}{}

	if last, ok := rec.deliveredAt[subID]; ok && now.Sub(last) < d.window {
		d.suppressed++
		return false
	}
	rec.deliveredAt[subID] = now
	return true
}

func (d *dedup) evictLocked() {
	for d.order.Len() > d.maxSize {
		back := d.order.Back()
		if back == nil {
			return
		}
		rec := back.Value.(*dedupRecord)
		delete(d.elems, rec.id)
		d.order.Remove(back)
	}
}

// forget drops every record's delivery entry for subID, used when a
// subscription closes so its dedup state doesn't linger.
func (d *dedup) forget(subID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for el := d.order.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*dedupRecord)
		delete(rec.deliveredAt, subID)
	}
}

// Suppressed returns the running count of deliveries suppressed as
// duplicates, for diagnostics.
func (d *dedup) Suppressed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}
