package nostrkit

import (
	"context"
	"time"

	"nostrkit.dev/cache"
	"nostrkit.dev/event"
	"nostrkit.dev/filter"
	"nostrkit.dev/outbox"
	"nostrkit.dev/sub"
)

// UserHandle exposes profile fetching and relay-preference accessors
// for one pubkey, backed by the Facade's outbox.Tracker (§4.10) and
// cache.Adapter. It is a thin, short-lived view — callers obtain one
// via Client.User and do not need to hold onto it.
type UserHandle struct {
	client *Client
	pubkey event.PubKey
}

// User returns a handle for pubkey's profile and relay-preference data.
func (c *Client) User(pubkey event.PubKey) UserHandle {
	return UserHandle{client: c, pubkey: pubkey}
}

// Preferences returns pubkey's relay-preference record (NIP-65, falling
// back to the deprecated kind-3 content relay map), per §4.10.
func (u UserHandle) Preferences(ctx context.Context) (outbox.Preference, error) {
	return u.client.tracker.Get(ctx, u.pubkey)
}

// Profile fetches (and write-through caches) pubkey's kind-0 metadata
// event, preferring a cached copy saved within the last hour. Unlike the teacher's
// fetchProfiles, which batches pubkeys through a package-level cache,
// this is scoped to a single pubkey per call: batching is a caller
// concern (issue one Fetch with multiple authors) rather than the
// Facade's.
func (u UserHandle) Profile(ctx context.Context) (event.Event, error) {
	if u.client.cache != nil {
		if p, ok, err := u.client.cache.GetProfile(ctx, u.pubkey); err == nil && ok {
			if time.Since(p.FetchedAt) < time.Hour {
				return decodeCachedProfile(u.pubkey, p), nil
			}
		}
	}

	events, err := u.client.Fetch(ctx, []filter.Filter{{
		Authors: []event.PubKey{u.pubkey},
		Kinds:   []int{event.KindProfile},
		Limit:   1,
	}}, sub.Options{CloseOnEOSE: true, Limit: 1})
	if err != nil || len(events) == 0 {
		return event.Event{}, err
	}

	e := events[0]
	if u.client.cache != nil {
		_ = u.client.cache.SaveProfile(ctx, cache.Profile{
			PubKey:    u.pubkey,
			Content:   e.Content,
			FetchedAt: time.Now(),
		})
	}
	return e, nil
}

// decodeCachedProfile reconstructs a minimal profile event from a cached
// Profile record. Only PubKey, Kind and Content are meaningful to a
// caller reading metadata; Id/Sig are zero since the cache does not
// retain the original signed envelope separately from SaveEvent.
func decodeCachedProfile(pubkey event.PubKey, p cache.Profile) event.Event {
	return event.Event{
		PubKey:    pubkey,
		Kind:      event.KindProfile,
		Content:   p.Content,
		CreatedAt: uint64(p.FetchedAt.Unix()),
	}
}
