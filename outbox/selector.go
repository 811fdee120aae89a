package outbox

import (
	"context"

	"nostrkit.dev/event"
)

// Blacklist reports whether a relay URL has been permanently excluded,
// satisfied by *verify.Verifier.
type Blacklist interface {
	IsBlacklisted(url string) bool
}

// SelectorOptions configures relay-set sizing and exclusion.
type SelectorOptions struct {
	MinRelayCount int // default 2
	MaxRelayCount int // default 6
	PoolDefaults  []string
	Blacklist     Blacklist
}

func (o SelectorOptions) minCount() int {
	if o.MinRelayCount > 0 {
		return o.MinRelayCount
	}
	return 2
}

func (o SelectorOptions) maxCount() int {
	if o.MaxRelayCount > 0 {
		return o.MaxRelayCount
	}
	return 6
}

// Selector computes publish-direction and fetch-direction relay sets
// (§4.12), backed by a Tracker for preference lookups and a Ranker for
// scoring and truncation.
type Selector struct {
	tracker *Tracker
	ranker  *Ranker
	opts    SelectorOptions
}

// NewSelector constructs a Selector.
func NewSelector(tracker *Tracker, ranker *Ranker, opts SelectorOptions) *Selector {
	return &Selector{tracker: tracker, ranker: ranker, opts: opts}
}

// PublishTargets is the result of ForPublish: the selected relay set,
// plus the p-tagged pubkeys for which no relay-preference record was
// available (so the caller can drive discovery of those users).
type PublishTargets struct {
	Relays              []string
	MissingPreferences  []event.PubKey
}

// ForPublish computes the write-direction relay set for publishing e:
// the author's write-relays, the write-relays of every p-tagged
// pubkey, any relay named in an e-tag's recommended-relay slot, and
// (if includeReadRelays, or e is a kind 10002 relay-list event) the
// author's read-relays — topped up, ranked, and truncated.
func (s *Selector) ForPublish(ctx context.Context, e event.Event, includeReadRelays bool) (PublishTargets, error) {
	set := make(map[string]struct{})
	var missing []event.PubKey

	if pref, err := s.tracker.Get(ctx, e.PubKey); err == nil {
		addAll(set, pref.Write)
		if includeReadRelays || e.Kind == event.KindRelayList {
			addAll(set, pref.Read)
		}
	}

	pTagged := taggedPubKeys(e, "p")
	for _, pk := range pTagged {
		pref, err := s.tracker.Get(ctx, pk)
		if err != nil || (len(pref.Write) == 0 && len(pref.Read) == 0) {
			missing = append(missing, pk)
			continue
		}
		addAll(set, pref.Write)
	}

	for _, tag := range e.Tags {
		if tag.Name() == "e" && len(tag) >= 3 && tag[2] != "" {
			set[tag[2]] = struct{}{}
		}
	}

	targets := append([]event.PubKey{e.PubKey}, pTagged...)
	relays, err := s.topUpRankTruncate(ctx, set, targets)
	if err != nil {
		return PublishTargets{}, err
	}
	return PublishTargets{Relays: relays, MissingPreferences: missing}, nil
}

// ForFetch computes the read-direction relay set: the active user's
// read-relays, every filter-author's read-relays (falling back to
// their write-relays if read is empty and preferWriteIfNoRead is set),
// and the read-relays of every pubkey referenced by a #p filter tag —
// topped up, ranked, and truncated.
func (s *Selector) ForFetch(ctx context.Context, activeUser event.PubKey, filterAuthors, pTaggedPubKeys []event.PubKey, preferWriteIfNoRead bool) ([]string, error) {
	set := make(map[string]struct{})

	var zero event.PubKey
	if activeUser != zero {
		if pref, err := s.tracker.Get(ctx, activeUser); err == nil {
			addAll(set, pref.Read)
		}
	}

	targets := append(append([]event.PubKey(nil), filterAuthors...), pTaggedPubKeys...)
	for _, pk := range targets {
		pref, err := s.tracker.Get(ctx, pk)
		if err != nil {
			continue
		}
		if len(pref.Read) > 0 {
			addAll(set, pref.Read)
		} else if preferWriteIfNoRead {
			addAll(set, pref.Write)
		}
	}

	return s.topUpRankTruncate(ctx, set, targets)
}

func (s *Selector) topUpRankTruncate(ctx context.Context, set map[string]struct{}, targets []event.PubKey) ([]string, error) {
	candidates := keys(set)

	if len(candidates) < s.opts.minCount() {
		for _, d := range s.opts.PoolDefaults {
			if _, ok := set[d]; ok {
				continue
			}
			if s.opts.Blacklist != nil && s.opts.Blacklist.IsBlacklisted(d) {
				continue
			}
			set[d] = struct{}{}
			candidates = append(candidates, d)
			if len(candidates) >= s.opts.minCount() {
				break
			}
		}
	}

	if s.opts.Blacklist != nil {
		filtered := candidates[:0]
		for _, c := range candidates {
			if !s.opts.Blacklist.IsBlacklisted(c) {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	preferred := s.preferenceMap(ctx, targets)
	scores := s.ranker.Rank(ctx, candidates, targets, preferred)

	maxCount := s.opts.maxCount()
	out := make([]string, 0, maxCount)
	for i, sc := range scores {
		if i >= maxCount {
			break
		}
		out = append(out, sc.URL)
	}
	return out, nil
}

func (s *Selector) preferenceMap(ctx context.Context, pubkeys []event.PubKey) map[event.PubKey][]string {
	out := make(map[event.PubKey][]string, len(pubkeys))
	for _, pk := range pubkeys {
		if pref, err := s.tracker.Get(ctx, pk); err == nil {
			out[pk] = append(append([]string(nil), pref.Write...), pref.Read...)
		}
	}
	return out
}

// MinimalCoverage greedily assigns each pubkey to at least k relays,
// preferring already-connected relays and then relays serving the
// most remaining under-covered pubkeys. It returns a map from relay
// URL to the pubkeys that relay was assigned to cover.
func (s *Selector) MinimalCoverage(ctx context.Context, pubkeys []event.PubKey, k int) (map[string][]event.PubKey, error) {
	if k <= 0 {
		k = 1
	}

	relayServes := make(map[string]map[event.PubKey]struct{})
	for _, pk := range pubkeys {
		pref, err := s.tracker.Get(ctx, pk)
		if err != nil {
			continue
		}
		for _, url := range pref.Write {
			if relayServes[url] == nil {
				relayServes[url] = make(map[event.PubKey]struct{})
			}
			relayServes[url][pk] = struct{}{}
		}
	}

	covered := make(map[event.PubKey]int, len(pubkeys))
	assignment := make(map[string][]event.PubKey)

	for {
		under := 0
		for _, pk := range pubkeys {
			if covered[pk] < k {
				under++
			}
		}
		if under == 0 {
			break
		}

		bestURL := ""
		bestCount := 0
		bestConnected := false
		for url, serves := range relayServes {
			count := 0
			for pk := range serves {
				if covered[pk] < k {
					count++
				}
			}
			if count == 0 {
				continue
			}
			connected := false
			if h, ok := s.ranker.pool.Get(url); ok {
				connected = connState(h)
			}
			switch {
			case bestURL == "":
				bestURL, bestCount, bestConnected = url, count, connected
			case connected && !bestConnected:
				bestURL, bestCount, bestConnected = url, count, connected
			case connected == bestConnected && count > bestCount:
				bestURL, bestCount, bestConnected = url, count, connected
			}
		}
		if bestURL == "" {
			break // no remaining relay can improve coverage further
		}

		for pk := range relayServes[bestURL] {
			if covered[pk] < k {
				covered[pk]++
				assignment[bestURL] = append(assignment[bestURL], pk)
			}
		}
		delete(relayServes, bestURL)
	}

	return assignment, nil
}

func addAll(set map[string]struct{}, urls []string) {
	for _, u := range urls {
		set[u] = struct{}{}
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func taggedPubKeys(e event.Event, name string) []event.PubKey {
	var out []event.PubKey
	for _, tag := range e.Tags {
		if tag.Name() != name || len(tag) < 2 {
			continue
		}
		pk, err := event.PubKeyFromHex(tag[1])
		if err != nil {
			continue
		}
		out = append(out, pk)
	}
	return out
}
