package nostrkit

import (
	"context"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
	"nostrkit.dev/sub"
)

// Notifications is a thin convenience over Client.Fetch for the mentions/
// replies/reactions feed a client UI typically wants: events that
// p-tag pubkey, in the order Fetch delivers them (not sorted by
// created_at). It has no state of its own and no
// dedicated core subsystem — it composes §4.9's Subscription Engine and
// §4.4's Cache Adapter the way the teacher's relay.go helpers
// (fetchNotifications, fetchReplies, fetchReactions) compose raw relay
// fetches, generalized into one filter instead of one bespoke function
// per notification kind.
type Notifications struct {
	client *Client
	pubkey event.PubKey
}

// Notifications returns a feed helper for pubkey.
func (c *Client) Notifications(pubkey event.PubKey) Notifications {
	return Notifications{client: c, pubkey: pubkey}
}

// Since fetches every kind 1/6/7 event p-tagging the pubkey with
// created_at >= since, across the resolved relay set.
func (n Notifications) Since(ctx context.Context, since uint64, limit int) ([]event.Event, error) {
	f := filter.Filter{
		Kinds: []int{event.KindTextNote, event.KindRepost, event.KindReaction},
		Since: since,
		Limit: limit,
		Tags:  map[byte][]string{'p': {n.pubkey.String()}},
	}
	return n.client.Fetch(ctx, []filter.Filter{f}, sub.Options{CloseOnEOSE: true, Limit: limit})
}
