package sub

import (
	"context"
	"testing"
	"time"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
	"nostrkit.dev/signer"
	"nostrkit.dev/verify"
)

func testPubKey(b byte) event.PubKey {
	var pk event.PubKey
	pk[0] = b
	return pk
}

func TestDedupAdmitsOncePerWindow(t *testing.T) {
	d := newDedup(30*time.Millisecond, 10)
	var id event.ID
	id[0] = 1

	now := time.Now()
	if !d.admit("sub1", "relayA", id, now) {
		t.Fatalf("first admit should succeed")
	}
	if d.admit("sub1", "relayA", id, now.Add(time.Millisecond)) {
		t.Fatalf("second admit within window should be suppressed")
	}
	if d.Suppressed() != 1 {
		t.Fatalf("expected 1 suppressed delivery, got %d", d.Suppressed())
	}
	if !d.admit("sub1", "relayA", id, now.Add(40*time.Millisecond)) {
		t.Fatalf("admit after window elapses should succeed again")
	}

	// A different subscription watching the same id is independent.
	if !d.admit("sub2", "relayA", id, now) {
		t.Fatalf("a different subscription must receive its own copy")
	}
}

func TestTryMergeAllCollapsesCompatibleFilters(t *testing.T) {
	a := []filter.Filter{{Kinds: []int{1}}}
	b := []filter.Filter{{Kinds: []int{6}}}

	merged, ok := tryMergeAll(a, b)
	if !ok {
		t.Fatalf("expected merge to succeed")
	}
	if len(merged) != 1 {
		t.Fatalf("expected filters to collapse into one, got %d", len(merged))
	}
	if len(merged[0].Kinds) != 2 {
		t.Fatalf("expected kinds to be unioned, got %v", merged[0].Kinds)
	}
}

func TestTryMergeAllAppendsIncompatibleFilters(t *testing.T) {
	a := []filter.Filter{{Kinds: []int{1}, Limit: 10}}
	b := []filter.Filter{{Kinds: []int{1}, Limit: 20}}

	merged, ok := tryMergeAll(a, b)
	if !ok {
		t.Fatalf("tryMergeAll never reports failure; incompatible filters just ride alongside")
	}
	if len(merged) != 2 {
		t.Fatalf("expected incompatible filters to remain separate, got %d", len(merged))
	}
}

func TestSubscriptionDeliverRespectsLimit(t *testing.T) {
	opts := Options{Limit: 1}
	sub := newSubscription("s1", []filter.Filter{{}}, opts, []string{"relayA"})

	e1 := event.New(testPubKey(1), 1, nil, "hello", 1)
	e1.ID = e1.ComputeID()
	e2 := event.New(testPubKey(1), 1, nil, "world", 2)
	e2.ID = e2.ComputeID()

	sub.deliver(e1)
	sub.deliver(e2)

	close(sub.out)
	var got []event.Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 delivered event, got %d", len(got))
	}
}

func TestSubscriptionEOSEQuorumAndIdleClosesFetch(t *testing.T) {
	opts := Options{
		CloseOnEOSE:  true,
		EOSEQuorum:   0.5,
		EOSEIdle:     10 * time.Millisecond,
		EOSEDeadline: time.Second,
	}
	sub := newSubscription("s2", []filter.Filter{{}}, opts, []string{"relayA", "relayB"})

	sub.noteEOSE("relayA") // 1 of 2 relays => 50% quorum met

	select {
	case <-sub.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected subscription to close once quorum+idle elapsed")
	}
}

func TestSubscriptionEOSEAllRelaysClosesImmediately(t *testing.T) {
	opts := Options{CloseOnEOSE: true, EOSEQuorum: 0.5, EOSEIdle: time.Hour, EOSEDeadline: time.Hour}
	sub := newSubscription("s3", []filter.Filter{{}}, opts, []string{"relayA"})

	sub.noteEOSE("relayA")

	select {
	case <-sub.Done():
	default:
		t.Fatalf("expected subscription to close once every relay reported EOSE")
	}
}

func TestRelayManagerAttachGroupsCompatibleSubscriptions(t *testing.T) {
	e := &Engine{dedup: newDedup(time.Minute, 100)}
	rm := newRelayManager("wss://relay.example.com", e)

	opts := Options{GroupingWindow: time.Hour} // long enough that the timer never fires in this test
	s1 := newSubscription("a", []filter.Filter{{Kinds: []int{1}}}, opts, nil)
	s2 := newSubscription("b", []filter.Filter{{Kinds: []int{6}}}, opts, nil)

	rm.attach(s1)
	rm.attach(s2)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.groups) != 1 {
		t.Fatalf("expected both subscriptions to share one wire group, got %d groups", len(rm.groups))
	}
	for _, g := range rm.groups {
		if len(g.members) != 2 {
			t.Fatalf("expected 2 members in the merged group, got %d", len(g.members))
		}
	}
}

func TestRelayManagerDetachRemovesEmptyGroup(t *testing.T) {
	e := &Engine{dedup: newDedup(time.Minute, 100)}
	rm := newRelayManager("wss://relay.example.com", e)

	opts := Options{GroupingWindow: time.Hour}
	s1 := newSubscription("a", []filter.Filter{{Kinds: []int{1}}}, opts, nil)
	rm.attach(s1)
	rm.detach(s1)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.groups) != 0 {
		t.Fatalf("expected group to be discarded after its last member detached")
	}
}

func TestRelayManagerReplaySkipsGroupAfterNaturalCompletion(t *testing.T) {
	e := &Engine{dedup: newDedup(time.Minute, 100)}
	rm := newRelayManager("wss://relay.example.com", e)

	opts := Options{
		CloseOnEOSE:  true,
		EOSEQuorum:   0.5,
		EOSEIdle:     time.Hour,
		EOSEDeadline: time.Hour,
	}
	s1 := newSubscription("a", []filter.Filter{{Kinds: []int{1}}}, opts, []string{rm.url})
	s1.onClose = func() { rm.detach(s1) }
	rm.attach(s1)

	rm.mu.Lock()
	var wireID string
	for id, g := range rm.groups {
		wireID = id
		g.flushed = true // pretend the REQ already went out
	}
	rm.mu.Unlock()

	s1.noteEOSE(rm.url) // the only target relay reports EOSE => allIn => finish

	select {
	case <-s1.Done():
	default:
		t.Fatalf("expected subscription to finish once every target relay reported EOSE")
	}

	rm.mu.Lock()
	_, stillPresent := rm.groups[wireID]
	rm.mu.Unlock()
	if stillPresent {
		t.Fatalf("expected finish to detach the subscription and discard its now-empty wire group")
	}

	rm.replay() // must not resend a REQ for a group that no longer exists

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.groups) != 0 {
		t.Fatalf("expected no groups to remain after replay")
	}
}

func TestRelayManagerReplaySkipsGroupWithOnlyClosedMembers(t *testing.T) {
	e := &Engine{dedup: newDedup(time.Minute, 100)}
	rm := newRelayManager("wss://relay.example.com", e)

	opts := Options{GroupingWindow: time.Hour}
	s1 := newSubscription("a", []filter.Filter{{Kinds: []int{1}}}, opts, nil)
	rm.attach(s1)

	rm.mu.Lock()
	var wireID string
	for id, g := range rm.groups {
		wireID = id
		g.flushed = true
	}
	rm.mu.Unlock()

	s1.finish() // closed without detaching, simulating a stale membership

	rm.replay()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.groups[wireID]; ok {
		t.Fatalf("expected replay to discard a group whose members are all closed")
	}
}

func TestRelayManagerOnEventDropsInvalidSignature(t *testing.T) {
	e := &Engine{dedup: newDedup(time.Minute, 100), verifier: verify.New(verify.WithAlwaysVerifyKinds(1))}
	rm := newRelayManager("wss://relay.example.com", e)

	opts := Options{GroupingWindow: time.Hour}
	s1 := newSubscription("a", []filter.Filter{{Kinds: []int{1}}}, opts, nil)
	rm.attach(s1)

	var wireID string
	for id := range rm.groups {
		wireID = id
	}

	signer, err := signer.GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal: %v", err)
	}
	pub, _ := signer.PubKey(context.Background())
	ev := event.New(pub, 1, nil, "hello", 1700000000)
	signed, err := signer.Sign(context.Background(), ev)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signed.Sig[0] ^= 0xFF // corrupt signature

	rm.OnEvent(wireID, signed)

	select {
	case <-s1.Events():
		t.Fatalf("expected event with invalid signature to be dropped, not delivered")
	default:
	}
	if !e.verifier.IsBlacklisted("wss://relay.example.com") {
		t.Fatalf("expected relay to be blacklisted after invalid signature")
	}
}
