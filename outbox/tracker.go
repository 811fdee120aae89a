// Package outbox implements the outbox model: per-pubkey relay
// preference tracking (§4.10), relay ranking (§4.11), and relay
// selection for publish/fetch (§4.12).
package outbox

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
	"nostrkit.dev/sub"
)

// Preference is one pubkey's relay-preference record: the write
// relays it publishes to and the read relays it expects mentions on,
// per NIP-65, with contact-list content as a fallback source.
type Preference struct {
	PubKey    event.PubKey
	Read      []string
	Write     []string
	Source    string // "nip65", "contact-list", or "none"
	FetchedAt time.Time
}

func (p Preference) expired(ttl time.Time) bool { return p.FetchedAt.Before(ttl) }

// Fetcher is the subset of sub.Engine's contract the tracker needs to
// pull kind 10002 / kind 3 events from a bootstrap relay set.
type Fetcher interface {
	Fetch(ctx context.Context, filters []filter.Filter, opts sub.Options) ([]event.Event, error)
}

type trackerEntry struct {
	pref Preference
}

// Tracker is an LRU+TTL cache of relay-preference records keyed by
// pubkey. Misses fetch the NIP-65 relay list (kind 10002) from a small
// bootstrap relay set, falling back to the contact list's (kind 3)
// deprecated relays-in-content field. Concurrent requests for the same
// pubkey are coalesced via singleflight.
type Tracker struct {
	fetcher         Fetcher
	bootstrapRelays []string
	ttl             time.Duration
	maxSize         int
	serveStale      bool

	mu    sync.Mutex
	elems map[event.PubKey]*list.Element
	order *list.List // front = most recently used

	group singleflight.Group
}

// TrackerOption configures a Tracker at construction.
type TrackerOption func(*Tracker)

// WithBootstrapRelays overrides the default indexer relay set used to
// resolve NIP-65 records for pubkeys the tracker has never seen.
func WithBootstrapRelays(relays []string) TrackerOption {
	return func(t *Tracker) { t.bootstrapRelays = relays }
}

// WithTTL overrides the default 1-hour freshness window.
func WithTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) { t.ttl = ttl }
}

// WithMaxSize overrides the default LRU capacity of 10,000 pubkeys.
func WithMaxSize(n int) TrackerOption {
	return func(t *Tracker) { t.maxSize = n }
}

// WithServeStaleWhileRefresh lets a caller that opts in receive an
// expired entry immediately while a refresh happens in the background,
// instead of blocking on the refresh.
func WithServeStaleWhileRefresh(enabled bool) TrackerOption {
	return func(t *Tracker) { t.serveStale = enabled }
}

var defaultBootstrapRelays = []string{
	"wss://purplepag.es",
	"wss://relay.nostr.band",
	"wss://relay.damus.io",
}

// NewTracker constructs a Tracker backed by fetcher for resolving
// cache misses.
func NewTracker(fetcher Fetcher, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		fetcher:         fetcher,
		bootstrapRelays: defaultBootstrapRelays,
		ttl:             time.Hour,
		maxSize:         10_000,
		elems:           make(map[event.PubKey]*list.Element),
		order:           list.New(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Get returns the relay preference for pubkey, fetching it (or
// refreshing a stale entry) if necessary.
func (t *Tracker) Get(ctx context.Context, pubkey event.PubKey) (Preference, error) {
	t.mu.Lock()
	el, ok := t.elems[pubkey]
	var cached Preference
	var fresh bool
	if ok {
		cached = el.Value.(*trackerEntry).pref
		t.order.MoveToFront(el)
		fresh = time.Since(cached.FetchedAt) < t.ttl
	}
	t.mu.Unlock()

	if ok && fresh {
		return cached, nil
	}

	if ok && t.serveStale {
		go t.refresh(context.Background(), pubkey)
		return cached, nil
	}

	return t.refresh(ctx, pubkey)
}

func (t *Tracker) refresh(ctx context.Context, pubkey event.PubKey) (Preference, error) {
	v, err, _ := t.group.Do(string(pubkey[:]), func() (any, error) {
		return t.fetchDirect(ctx, pubkey)
	})
	if err != nil {
		return Preference{}, err
	}
	pref := v.(Preference)
	t.store(pref)
	return pref, nil
}

func (t *Tracker) fetchDirect(ctx context.Context, pubkey event.PubKey) (Preference, error) {
	if pref, ok := t.fetchNIP65(ctx, pubkey); ok {
		return pref, nil
	}
	if pref, ok := t.fetchContactListRelays(ctx, pubkey); ok {
		return pref, nil
	}
	return Preference{PubKey: pubkey, Source: "none", FetchedAt: time.Now()}, nil
}

func (t *Tracker) fetchNIP65(ctx context.Context, pubkey event.PubKey) (Preference, bool) {
	events, err := t.fetcher.Fetch(ctx, []filter.Filter{{
		Authors: []event.PubKey{pubkey},
		Kinds:   []int{event.KindRelayList},
		Limit:   1,
	}}, sub.Options{CacheStrategy: sub.Parallel, CloseOnEOSE: true, Limit: 1, RelaySet: t.bootstrapRelays})
	if err != nil || len(events) == 0 {
		return Preference{}, false
	}

	e := newestEvent(events)
	pref := Preference{PubKey: pubkey, Source: "nip65", FetchedAt: time.Now()}
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag.Name() != "r" {
			continue
		}
		url := tag[1]
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			pref.Read = append(pref.Read, url)
		case "write":
			pref.Write = append(pref.Write, url)
		default:
			pref.Read = append(pref.Read, url)
			pref.Write = append(pref.Write, url)
		}
	}
	return pref, true
}

// contactListRelays is the deprecated NIP-02 kind:3 content shape:
// a JSON object of relay URL to {read,write} flags.
type contactListRelays map[string]struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

func (t *Tracker) fetchContactListRelays(ctx context.Context, pubkey event.PubKey) (Preference, bool) {
	events, err := t.fetcher.Fetch(ctx, []filter.Filter{{
		Authors: []event.PubKey{pubkey},
		Kinds:   []int{event.KindContactList},
		Limit:   1,
	}}, sub.Options{CacheStrategy: sub.Parallel, CloseOnEOSE: true, Limit: 1, RelaySet: t.bootstrapRelays})
	if err != nil || len(events) == 0 {
		return Preference{}, false
	}

	e := newestEvent(events)
	var relays contactListRelays
	if err := json.Unmarshal([]byte(e.Content), &relays); err != nil || len(relays) == 0 {
		return Preference{}, false
	}

	pref := Preference{PubKey: pubkey, Source: "contact-list", FetchedAt: time.Now()}
	for url, flags := range relays {
		if flags.Read {
			pref.Read = append(pref.Read, url)
		}
		if flags.Write {
			pref.Write = append(pref.Write, url)
		}
	}
	return pref, true
}

func newestEvent(events []event.Event) event.Event {
	best := events[0]
	for _, e := range events[1:] {
		if e.CreatedAt > best.CreatedAt {
			best = e
		}
	}
	return best
}

func (t *Tracker) store(pref Preference) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.elems[pref.PubKey]; ok {
		el.Value.(*trackerEntry).pref = pref
		t.order.MoveToFront(el)
		return
	}
	el := t.order.PushFront(&trackerEntry{pref: pref})
	t.elems[pref.PubKey] = el
	for t.order.Len() > t.maxSize {
		back := t.order.Back()
		if back == nil {
			return
		}
		delete(t.elems, back.Value.(*trackerEntry).pref.PubKey)
		t.order.Remove(back)
	}
}
