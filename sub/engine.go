// Package sub implements the per-relay subscription manager and the
// subscription engine: filter grouping/merging, dedup, EOSE policy,
// cache integration, and reconnect replay.
package sub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"nostrkit.dev/cache"
	"nostrkit.dev/event"
	"nostrkit.dev/filter"
	"nostrkit.dev/pool"
	"nostrkit.dev/relay"
	"nostrkit.dev/verify"
)

// Engine is the subscription engine described in §4.9: it exposes
// Fetch (one-shot) and Subscribe (live), grouping and merging
// caller-supplied filters onto relay-local REQs, deduplicating
// delivered events, applying the EOSE termination policy, and
// integrating with a cache.Adapter per the call's CacheStrategy.
type Engine struct {
	pool     *pool.Pool
	cache    cache.Adapter
	verifier *verify.Verifier
	dedup    *dedup

	mu       sync.Mutex
	managers map[string]*relayManager
	subs     map[string]*Subscription

	// OnPublishOK and OnAuthChallenge let a publish pipeline observe
	// OK/AUTH frames arriving on connections this engine also uses for
	// subscriptions, without the engine needing to know about publish.
	OnPublishOK      func(relayURL string, id event.ID, accepted bool, message string)
	OnAuthChallenge  func(relayURL, challenge string)
}

// New constructs an Engine backed by p for connection management,
// optionally c for cache integration (nil disables cache reads and
// write-through: CacheFirst and Parallel calls then behave as
// RelayOnly, and CacheOnly calls finish with no events), and
// optionally v for sampled signature
// verification of inbound events (nil skips verification entirely,
// e.g. in tests that hand-construct already-trusted events).
func New(p *pool.Pool, c cache.Adapter, v *verify.Verifier) *Engine {
	return &Engine{
		pool:     p,
		cache:    c,
		verifier: v,
		dedup:    newDedup(5*time.Minute, 50_000),
		managers: make(map[string]*relayManager),
		subs:     make(map[string]*Subscription),
	}
}

func (e *Engine) writeThrough(ev event.Event) {
	if e.cache == nil {
		return
	}
	_ = e.cache.SaveEvent(context.Background(), ev)
}

func (e *Engine) publishNotify(relayURL string, id event.ID, accepted bool, message string) {
	if e.OnPublishOK != nil {
		e.OnPublishOK(relayURL, id, accepted, message)
	}
}

func (e *Engine) authNotify(relayURL, challenge string) {
	if e.OnAuthChallenge != nil {
		e.OnAuthChallenge(relayURL, challenge)
	}
}

// SetPublishOK and SetAuthChallenge let a publish.Pipeline register
// for the OK/AUTH frames this engine's relay connections receive,
// satisfying publish.CallbackSource.
func (e *Engine) SetPublishOK(fn func(relayURL string, id event.ID, accepted bool, message string)) {
	e.OnPublishOK = fn
}

func (e *Engine) SetAuthChallenge(fn func(relayURL, challenge string)) {
	e.OnAuthChallenge = fn
}

func newSubID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ConnFor returns the relay.Conn for url, creating its relayManager
// and registering it with the pool if this is the first caller to
// reference that relay. A publish pipeline uses this to send EVENT/
// AUTH frames on the same connection the engine uses for
// subscriptions, and sets OnPublishOK/OnAuthChallenge to observe the
// OK/AUTH frames that connection's relayManager routes back here.
func (e *Engine) ConnFor(url string) (*relay.Conn, error) {
	m, err := e.managerFor(url)
	if err != nil {
		return nil, err
	}
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn, nil
}

// managerFor returns (creating if needed) the relayManager for url,
// registering its relay.Conn with the pool via AddWithHandler and
// watching its state changes for reconnect replay.
func (e *Engine) managerFor(url string) (*relayManager, error) {
	e.mu.Lock()
	if m, ok := e.managers[url]; ok {
		e.mu.Unlock()
		return m, nil
	}
	m := newRelayManager(url, e)
	e.managers[url] = m
	e.mu.Unlock()

	h, err := e.pool.AddWithHandler(url, m)
	if err != nil {
		e.mu.Lock()
		delete(e.managers, url)
		e.mu.Unlock()
		return nil, err
	}
	m.setConn(h.Conn)

	changes := h.Conn.StateChanges()
	go func() {
		for s := range changes {
			if s == relay.Connected {
				m.replay()
			}
		}
	}()
	return m, nil
}

// targetRelays resolves the relay set for a call: the caller's
// explicit override, or every relay the pool currently knows about.
// (Outbox-driven selection is the facade's job once a signer/pubkey
// context is available; the engine itself is selector-agnostic.)
func (e *Engine) targetRelays(opts Options) []string {
	if len(opts.RelaySet) > 0 {
		return opts.RelaySet
	}
	all := e.pool.All()
	out := make([]string, 0, len(all))
	for _, h := range all {
		out = append(out, h.URL)
	}
	return out
}

// Subscribe opens a live subscription across the target relay set,
// applying grouping/merging, dedup, cache integration, and (if
// close_on_eose) the EOSE termination policy.
func (e *Engine) Subscribe(ctx context.Context, filters []filter.Filter, opts Options) (*Subscription, error) {
	opts = fillDefaults(opts)
	relays := e.targetRelays(opts)

	sub := newSubscription(newSubID(), filters, opts, relays)
	e.mu.Lock()
	e.subs[sub.id] = sub
	e.mu.Unlock()

	// attached is populated by the relayManager-attach loop below,
	// before the subscription can reach a terminal state (finish can
	// only fire from the cache block below, which then returns before
	// any attach, armDeadline, or an EOSE/limit callback that requires
	// attach to have already run).
	// onClose must detach sub from every relayManager that holds it —
	// a natural completion (EOSE quorum, deadline, limit) otherwise
	// leaves sub's id as a permanent member of its wire groups, so a
	// later reconnect's replay resends a REQ nothing is listening for.
	var attached []*relayManager
	sub.onClose = func() {
		for _, m := range attached {
			m.detach(sub)
		}
		e.mu.Lock()
		delete(e.subs, sub.id)
		e.mu.Unlock()
		e.dedup.forget(sub.id)
	}

	if opts.CacheStrategy == CacheOnly || opts.CacheStrategy == CacheFirst || opts.CacheStrategy == Parallel {
		cached := e.queryCache(ctx, filters, opts.Limit)
		for _, ev := range cached {
			sub.deliver(ev)
		}
		if opts.CacheStrategy == CacheOnly {
			sub.finish()
			return sub, nil
		}
		if opts.CacheStrategy == CacheFirst && opts.Limit > 0 && len(cached) >= opts.Limit {
			sub.finish()
			return sub, nil
		}
		if sub.isClosed() {
			return sub, nil
		}
	}

	for _, url := range relays {
		m, err := e.managerFor(url)
		if err != nil {
			continue
		}
		m.attach(sub)
		attached = append(attached, m)
	}

	if opts.CloseOnEOSE {
		sub.armDeadline(ctx, opts.EOSEDeadline)
	} else {
		go func() {
			<-ctx.Done()
			e.Close(sub)
		}()
	}

	return sub, nil
}

// Fetch is a one-shot Subscribe: it blocks until EOSE policy, limit,
// or ctx's deadline completes the call, then returns every event
// delivered.
func (e *Engine) Fetch(ctx context.Context, filters []filter.Filter, opts Options) ([]event.Event, error) {
	opts.CloseOnEOSE = true
	sub, err := e.Subscribe(ctx, filters, opts)
	if err != nil {
		return nil, err
	}

	var out []event.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out, nil
			}
			out = append(out, ev)
		case <-sub.Done():
			drain(sub, &out)
			return out, nil
		case <-ctx.Done():
			e.Close(sub)
			drain(sub, &out)
			return out, ctx.Err()
		}
	}
}

func drain(sub *Subscription, out *[]event.Event) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			*out = append(*out, ev)
		default:
			return
		}
	}
}

func (e *Engine) queryCache(ctx context.Context, filters []filter.Filter, limit int) []event.Event {
	if e.cache == nil {
		return nil
	}
	seen := make(map[event.ID]struct{})
	var out []event.Event
	for _, f := range filters {
		if limit > 0 {
			f.Limit = limit
		}
		evs, err := e.cache.Query(ctx, f)
		if err != nil {
			continue
		}
		for _, ev := range evs {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	return out
}

// Close terminates a subscription: finish's onClose callback detaches
// it from every relay manager holding it (a wire group left with no
// members is CLOSEd and its pending grouping timer stopped) and drops
// its dedup state. A closed subscription never yields events again.
func (e *Engine) Close(sub *Subscription) {
	sub.finish()
}

func fillDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.GroupingWindow <= 0 {
		opts.GroupingWindow = d.GroupingWindow
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = d.DedupWindow
	}
	if opts.EOSEQuorum <= 0 {
		opts.EOSEQuorum = d.EOSEQuorum
	}
	if opts.EOSEIdle <= 0 {
		opts.EOSEIdle = d.EOSEIdle
	}
	if opts.EOSEDeadline <= 0 {
		opts.EOSEDeadline = d.EOSEDeadline
	}
	return opts
}
