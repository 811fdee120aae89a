package outbox

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
	"nostrkit.dev/sub"
)

type fakeFetcher struct {
	calls  int32
	delay  time.Duration
	result func(f filter.Filter) []event.Event
}

func (f *fakeFetcher) Fetch(ctx context.Context, filters []filter.Filter, opts sub.Options) ([]event.Event, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	var out []event.Event
	for _, flt := range filters {
		out = append(out, f.result(flt)...)
	}
	return out, nil
}

func relayListEvent(pubkey event.PubKey, read, write []string) event.Event {
	var tags event.Tags
	for _, r := range read {
		tags = append(tags, event.Tag{"r", r, "read"})
	}
	for _, w := range write {
		tags = append(tags, event.Tag{"r", w, "write"})
	}
	e := event.New(pubkey, event.KindRelayList, tags, "", 1000)
	e.ID = e.ComputeID()
	return e
}

func contactListEvent(pubkey event.PubKey, relays map[string]struct {
	Read  bool
	Write bool
}) event.Event {
	content := "{"
	first := true
	for url, flags := range relays {
		if !first {
			content += ","
		}
		first = false
		content += `"` + url + `":{"read":` + boolStr(flags.Read) + `,"write":` + boolStr(flags.Write) + "}"
	}
	content += "}"
	e := event.New(pubkey, event.KindContactList, nil, content, 1000)
	e.ID = e.ComputeID()
	return e
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestTrackerFetchesNIP65AndCaches(t *testing.T) {
	pk := testPubKey(1)
	fetcher := &fakeFetcher{result: func(f filter.Filter) []event.Event {
		if len(f.Kinds) == 1 && f.Kinds[0] == event.KindRelayList {
			return []event.Event{relayListEvent(pk, []string{"wss://r1"}, []string{"wss://w1"})}
		}
		return nil
	}}
	tr := NewTracker(fetcher)

	pref, err := tr.Get(context.Background(), pk)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pref.Source != "nip65" || len(pref.Write) != 1 || pref.Write[0] != "wss://w1" {
		t.Fatalf("unexpected preference: %+v", pref)
	}

	if _, err := tr.Get(context.Background(), pk); err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Fatalf("expected exactly 1 fetch call, got %d", fetcher.calls)
	}
}

func TestTrackerFallsBackToContactList(t *testing.T) {
	pk := testPubKey(2)
	fetcher := &fakeFetcher{result: func(f filter.Filter) []event.Event {
		if len(f.Kinds) == 1 && f.Kinds[0] == event.KindContactList {
			return []event.Event{contactListEvent(pk, map[string]struct {
				Read  bool
				Write bool
			}{"wss://legacy": {Read: true, Write: true}})}
		}
		return nil
	}}
	tr := NewTracker(fetcher)

	pref, err := tr.Get(context.Background(), pk)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pref.Source != "contact-list" {
		t.Fatalf("expected contact-list fallback, got source %q", pref.Source)
	}
	if len(pref.Write) != 1 || pref.Write[0] != "wss://legacy" {
		t.Fatalf("unexpected write relays: %v", pref.Write)
	}
}

func TestTrackerCoalescesConcurrentMisses(t *testing.T) {
	pk := testPubKey(3)
	fetcher := &fakeFetcher{
		delay: 30 * time.Millisecond,
		result: func(f filter.Filter) []event.Event {
			if len(f.Kinds) == 1 && f.Kinds[0] == event.KindRelayList {
				return []event.Event{relayListEvent(pk, nil, []string{"wss://w1"})}
			}
			return nil
		},
	}
	tr := NewTracker(fetcher)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			tr.Get(context.Background(), pk)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Fatalf("expected singleflight to coalesce into 1 fetch, got %d", fetcher.calls)
	}
}

func TestTrackerNoRecordFoundForEitherSource(t *testing.T) {
	pk := testPubKey(4)
	fetcher := &fakeFetcher{result: func(f filter.Filter) []event.Event { return nil }}
	tr := NewTracker(fetcher)

	pref, err := tr.Get(context.Background(), pk)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pref.Source != "none" {
		t.Fatalf("expected source \"none\", got %q", pref.Source)
	}
}
