// Package nostrkit is the root Facade (§4.14): it wires the relay pool,
// subscription engine, publishing pipeline, and outbox model into a
// single entry point, the way relay.go's package-level fetch* functions
// once wired the teacher's globals together, generalized into methods
// on an explicit *Client so a process can run more than one identity.
package nostrkit

import (
	"context"
	"fmt"

	"nostrkit.dev/cache"
	"nostrkit.dev/event"
	"nostrkit.dev/filter"
	"nostrkit.dev/outbox"
	"nostrkit.dev/pool"
	"nostrkit.dev/publish"
	"nostrkit.dev/relay"
	"nostrkit.dev/signer"
	"nostrkit.dev/sub"
	"nostrkit.dev/verify"
)

// Client is the Facade: the single object a caller constructs to add
// relays, connect, fetch, subscribe, publish, and look up a user's
// relay preferences.
type Client struct {
	cfg Config

	pool     *pool.Pool
	engine   *sub.Engine
	pipeline *publish.Pipeline
	verifier *verify.Verifier
	cache    cache.Adapter
	signer   signer.Signer

	tracker  *outbox.Tracker
	ranker   *outbox.Ranker
	selector *outbox.Selector
}

// New constructs a Client with no relays added and no signer set. Use
// AddRelay/ConnectAll and SetSigner before calling Publish.
func New(opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return newClient(cfg)
}

func newClient(cfg Config) *Client {
	verifierOpts := verifierOptions(cfg.Verification)
	v := verify.New(verifierOpts...)
	for _, url := range cfg.BlacklistedRelays {
		v.MarkBlacklisted(url)
	}

	c := &Client{cfg: cfg, verifier: v}

	c.pool = pool.New(nopPoolHandler{})
	c.engine = sub.New(c.pool, nil, v)
	c.tracker = outbox.NewTracker(c.engine, outbox.WithBootstrapRelays(cfg.Outbox.BootstrapRelays))
	c.ranker = outbox.NewRanker(c.pool, nil)
	c.selector = outbox.NewSelector(c.tracker, c.ranker, outbox.SelectorOptions{
		MinRelayCount: 2,
		MaxRelayCount: selectorOptions(cfg).MaxRelayCount,
		PoolDefaults:  cfg.Outbox.DefaultWriteRelays,
		Blacklist:     v,
	})

	conns := &engineConnProvider{engine: c.engine}
	c.pipeline = publish.New(conns, c.engine, nil, nil)

	return c
}

// nopPoolHandler is the pool's fallback default handler: sub.Engine
// always registers its own per-relay handler via AddWithHandler, so
// this is only reached if a caller adds a relay directly through the
// pool without going through the engine.
type nopPoolHandler struct{}

func (nopPoolHandler) OnEvent(string, event.Event) {}
func (nopPoolHandler) OnEOSE(string)               {}
func (nopPoolHandler) OnClosed(string, string)     {}
func (nopPoolHandler) OnOK(event.ID, bool, string) {}
func (nopPoolHandler) OnNotice(string)             {}
func (nopPoolHandler) OnAuthChallenge(string)      {}

var _ relay.Handler = nopPoolHandler{}

// engineConnProvider bridges sub.Engine's concrete *relay.Conn return
// to publish.ConnProvider's narrower RelayConn interface, so the
// publishing pipeline sends EVENT/AUTH frames on the exact same
// connection the subscription engine uses, without publish needing to
// depend on relay.Conn directly.
type engineConnProvider struct {
	engine *sub.Engine
}

func (p *engineConnProvider) ConnFor(url string) (publish.RelayConn, error) {
	c, err := p.engine.ConnFor(url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetSigner installs the signer used for publishing and NIP-42 AUTH.
func (c *Client) SetSigner(s signer.Signer) {
	c.signer = s
	c.pipeline = publish.New(&engineConnProvider{engine: c.engine}, c.engine, s, c.cache)
}

// SetCache installs a cache.Adapter for write-through, cache-first
// reads, health recording, and the unpublished-event queue. Passing nil
// disables caching: CacheFirst and Parallel calls then behave as
// RelayOnly, and CacheOnly calls return no events. Call this
// before AddRelay: it rebuilds the subscription engine, so any relay
// already registered under the previous engine would lose its handler.
func (c *Client) SetCache(a cache.Adapter) {
	c.cache = a
	c.engine = sub.New(c.pool, a, c.verifier)
	c.tracker = outbox.NewTracker(c.engine, outbox.WithBootstrapRelays(c.cfg.Outbox.BootstrapRelays))
	c.ranker = outbox.NewRanker(c.pool, a)
	c.selector = outbox.NewSelector(c.tracker, c.ranker, outbox.SelectorOptions{
		MinRelayCount: 2,
		MaxRelayCount: selectorOptions(c.cfg).MaxRelayCount,
		PoolDefaults:  c.cfg.Outbox.DefaultWriteRelays,
		Blacklist:     c.verifier,
	})
	c.pipeline = publish.New(&engineConnProvider{engine: c.engine}, c.engine, c.signer, a)
}

// ClearBlacklistedRelay re-admits url after a prior bad-signature
// report, exposing verify.Verifier.ClearBlacklist through the Facade
// (spec's "set blacklist").
func (c *Client) ClearBlacklistedRelay(url string) {
	c.verifier.ClearBlacklist(url)
}

// BlacklistRelay excludes url from automatic selection immediately,
// without requiring a prior bad signature.
func (c *Client) BlacklistRelay(url string) {
	c.verifier.MarkBlacklisted(url)
}

// IsBlacklisted reports whether url has been excluded from automatic
// selection, either via configuration or a prior bad-signature report.
func (c *Client) IsBlacklisted(url string) bool {
	return c.verifier.IsBlacklisted(url)
}

// SetDefaults overrides the fetch/publish defaults Fetch/Subscribe/
// Publish fall back to when called with a zero-value Options.
func (c *Client) SetDefaults(fetch sub.Options, pub publish.Options) {
	c.cfg.FetchDefaults = fetch
	c.cfg.PublishDefaults = pub
}

// AddRelay registers url with the pool without connecting. It is safe
// to call before or after ConnectAll.
func (c *Client) AddRelay(url string) error {
	_, err := c.pool.Add(url)
	return err
}

// RemoveRelay disconnects and forgets url.
func (c *Client) RemoveRelay(url string) {
	c.pool.Remove(url)
}

// ConnectAll dials every registered relay.
func (c *Client) ConnectAll(ctx context.Context) {
	c.pool.ConnectAll(ctx)
}

// DisconnectAll closes every registered relay's connection.
func (c *Client) DisconnectAll() {
	c.pool.DisconnectAll()
}

// Fetch is a one-shot read: it resolves the target relay set (the
// caller's RelaySet override, or the outbox selector's fetch-direction
// computation when enabled) and blocks until the engine's EOSE policy,
// limit, or ctx completes the call.
func (c *Client) Fetch(ctx context.Context, filters []filter.Filter, opts sub.Options) ([]event.Event, error) {
	opts = c.mergeFetchOptions(ctx, filters, opts)
	return c.engine.Fetch(ctx, filters, opts)
}

// Subscribe opens a live subscription across the resolved target relay
// set.
func (c *Client) Subscribe(ctx context.Context, filters []filter.Filter, opts sub.Options) (*sub.Subscription, error) {
	opts = c.mergeFetchOptions(ctx, filters, opts)
	return c.engine.Subscribe(ctx, filters, opts)
}

func (c *Client) mergeFetchOptions(ctx context.Context, filters []filter.Filter, opts sub.Options) sub.Options {
	if opts.GroupingWindow == 0 && opts.DedupWindow == 0 {
		relaySet := opts.RelaySet
		opts = c.cfg.FetchDefaults
		opts.RelaySet = relaySet
	}
	if len(opts.RelaySet) == 0 && c.cfg.Outbox.Enable {
		if relays, err := c.fetchRelaysFor(ctx, filters); err == nil && len(relays) > 0 {
			opts.RelaySet = relays
		}
	}
	return opts
}

func (c *Client) fetchRelaysFor(ctx context.Context, filters []filter.Filter) ([]string, error) {
	var authors, pTagged []event.PubKey
	for _, f := range filters {
		authors = append(authors, f.Authors...)
		pTagged = append(pTagged, taggedPubKeysFromFilter(f)...)
	}
	var zero event.PubKey
	return c.selector.ForFetch(ctx, zero, authors, pTagged, true)
}

func taggedPubKeysFromFilter(f filter.Filter) []event.PubKey {
	var out []event.PubKey
	for _, hexVal := range f.Tags['p'] {
		pk, err := event.PubKeyFromHex(hexVal)
		if err != nil {
			continue
		}
		out = append(out, pk)
	}
	return out
}

// Publish binds ev to the configured signer's pubkey, signs it, and
// runs it through the publishing pipeline against the resolved target
// relay set (the caller's RelaySet override, or the outbox selector's
// publish-direction computation).
func (c *Client) Publish(ctx context.Context, ev event.Event, opts publish.Options) (*publish.Handle, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("nostrkit: no signer configured")
	}
	ev, err := c.signer.Sign(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("nostrkit: sign: %w", err)
	}

	if opts.MaxRetries == 0 && opts.InitialBackoff == 0 {
		opts = c.cfg.PublishDefaults
	}

	targets := opts.RelaySet
	if len(targets) == 0 && c.cfg.Outbox.Enable {
		pt, err := c.selector.ForPublish(ctx, ev, ev.Kind == event.KindRelayList)
		if err == nil {
			targets = pt.Relays
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("nostrkit: no relays selected for publish")
	}

	return c.pipeline.Publish(ctx, ev, targets, opts), nil
}
