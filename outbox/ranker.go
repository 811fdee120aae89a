package outbox

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr/nip11"

	"nostrkit.dev/cache"
	"nostrkit.dev/event"
	"nostrkit.dev/pool"
	"nostrkit.dev/relay"
)

// Weights configures the relative contribution of each ranking
// component. Defaults follow §4.11: connection 0.3, health 0.3,
// coverage 0.5, latency 0.2.
type Weights struct {
	Connection float64
	Health     float64
	Coverage   float64
	Latency    float64
}

// DefaultWeights returns the spec's documented defaults.
func DefaultWeights() Weights {
	return Weights{Connection: 0.3, Health: 0.3, Coverage: 0.5, Latency: 0.2}
}

// Score is one relay's computed rank.
type Score struct {
	URL   string
	Value float64
}

// Ranker scores candidate relays for a target pubkey set, combining
// connection state, recorded health, preference coverage, and
// (optionally) NIP-11 capability information.
type Ranker struct {
	pool            *pool.Pool
	cache           cache.Adapter
	weights         Weights
	maxAcceptableMS float64

	nip11Enabled bool
	nip11TTL     time.Duration
	nip11mu      sync.Mutex
	nip11cache   map[string]nip11Entry
}

type nip11Entry struct {
	info     nip11.RelayInformationDocument
	fetchedAt time.Time
	ok        bool
}

// RankerOption configures a Ranker at construction.
type RankerOption func(*Ranker)

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) RankerOption {
	return func(r *Ranker) { r.weights = w }
}

// WithMaxAcceptableLatency sets the latency normalization ceiling
// (default 2000ms): responses at or above this are scored 0.
func WithMaxAcceptableLatency(ms float64) RankerOption {
	return func(r *Ranker) { r.maxAcceptableMS = ms }
}

// WithNIP11Enrichment enables fetching and caching each candidate
// relay's NIP-11 information document, using it to lightly penalize
// relays that require payment or restrict writes.
func WithNIP11Enrichment(ttl time.Duration) RankerOption {
	return func(r *Ranker) {
		r.nip11Enabled = true
		r.nip11TTL = ttl
	}
}

// NewRanker constructs a Ranker. p supplies connection state, c
// (optional, may be nil) supplies recorded relay health.
func NewRanker(p *pool.Pool, c cache.Adapter, opts ...RankerOption) *Ranker {
	r := &Ranker{
		pool:            p,
		cache:           c,
		weights:         DefaultWeights(),
		maxAcceptableMS: 2000,
		nip11cache:      make(map[string]nip11Entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Rank scores every candidate relay and returns a stable ordering,
// highest score first. preferred maps each target pubkey to its
// preferred relay set (from Tracker), used to compute coverage.
func (r *Ranker) Rank(ctx context.Context, candidates []string, targets []event.PubKey, preferred map[event.PubKey][]string) []Score {
	scores := make([]Score, len(candidates))
	for i, url := range candidates {
		scores[i] = Score{URL: url, Value: r.score(ctx, url, targets, preferred)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Value > scores[j].Value })
	return scores
}

func (r *Ranker) score(ctx context.Context, url string, targets []event.PubKey, preferred map[event.PubKey][]string) float64 {
	conn := 0.0
	if h, ok := r.pool.Get(url); ok && connState(h) {
		conn = 1.0
	}

	health := r.healthScore(ctx, url)
	coverage := coverageScore(url, targets, preferred)
	latency := r.latencyScore(ctx, url)

	score := r.weights.Connection*conn +
		r.weights.Health*health +
		r.weights.Coverage*coverage +
		r.weights.Latency*latency

	if r.nip11Enabled {
		score += r.nip11Adjustment(ctx, url)
	}
	return score
}

func connState(h *pool.Handle) bool {
	return h.Conn.State() == relay.Connected
}

// healthScore derives a [0,1] score from recorded success/failure
// counts, decaying toward a neutral 0.5 prior as the last observation
// ages past roughly a week (per §4.11's "recency decay over ~1 week").
func (r *Ranker) healthScore(ctx context.Context, url string) float64 {
	if r.cache == nil {
		return 0.5
	}
	snap, err := r.cache.RelayHealth(ctx, url)
	if err != nil {
		return 0.5
	}
	total := snap.SuccessCount + snap.FailureCount
	if total == 0 {
		return 0.5
	}
	ratio := float64(snap.SuccessCount) / float64(total)
	if snap.LastSeen.IsZero() {
		return ratio
	}
	age := time.Since(snap.LastSeen)
	decay := math.Exp(-age.Hours() / (7 * 24))
	return decay*ratio + (1-decay)*0.5
}

func (r *Ranker) latencyScore(ctx context.Context, url string) float64 {
	if r.cache == nil {
		return 0.5
	}
	snap, err := r.cache.RelayHealth(ctx, url)
	if err != nil || snap.AvgResponseMS <= 0 {
		return 0.5
	}
	v := 1 - snap.AvgResponseMS/r.maxAcceptableMS
	if v < 0 {
		v = 0
	}
	return v
}

func coverageScore(url string, targets []event.PubKey, preferred map[event.PubKey][]string) float64 {
	if len(targets) == 0 {
		return 0
	}
	covered := 0
	for _, pk := range targets {
		for _, u := range preferred[pk] {
			if u == url {
				covered++
				break
			}
		}
	}
	return float64(covered) / float64(len(targets))
}

// nip11Adjustment fetches (or reuses a cached) NIP-11 document for url
// and returns a small penalty for relays that require payment or
// restrict writes, 0 otherwise (including on fetch failure — absence
// of NIP-11 support is not itself a negative signal).
func (r *Ranker) nip11Adjustment(ctx context.Context, url string) float64 {
	r.nip11mu.Lock()
	entry, ok := r.nip11cache[url]
	r.nip11mu.Unlock()

	if !ok || time.Since(entry.fetchedAt) > r.nip11TTL {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		info, err := nip11.Fetch(fetchCtx, url)
		cancel()
		entry = nip11Entry{info: info, fetchedAt: time.Now(), ok: err == nil}
		r.nip11mu.Lock()
		r.nip11cache[url] = entry
		r.nip11mu.Unlock()
	}
	if !entry.ok || entry.info.Limitation == nil {
		return 0
	}
	adj := 0.0
	if entry.info.Limitation.PaymentRequired {
		adj -= 0.1
	}
	if entry.info.Limitation.RestrictedWrites {
		adj -= 0.05
	}
	return adj
}
