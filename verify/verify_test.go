package verify

import (
	"context"
	"testing"

	"nostrkit.dev/event"
	"nostrkit.dev/signer"
)

func signedEvent(t *testing.T, kind int, content string) event.Event {
	t.Helper()
	s, err := signer.GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal: %v", err)
	}
	pub, _ := s.PubKey(context.Background())
	e := event.New(pub, kind, nil, content, 1700000000)
	signed, err := s.Sign(context.Background(), e)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return signed
}

func TestCheckAcceptsValidSignature(t *testing.T) {
	v := New(WithAlwaysVerifyKinds(1))
	e := signedEvent(t, 1, "hello")
	if got := v.Check("wss://relay.example", e); got != Accept {
		t.Fatalf("got %v, want Accept", got)
	}
}

func TestCheckRejectsAndBlacklistsBadSignature(t *testing.T) {
	v := New(WithAlwaysVerifyKinds(1))
	e := signedEvent(t, 1, "hello")
	e.Sig[0] ^= 0xFF // corrupt signature

	if got := v.Check("wss://relay.example", e); got != Reject {
		t.Fatalf("got %v, want Reject", got)
	}
	if !v.IsBlacklisted("wss://relay.example") {
		t.Fatalf("expected relay to be blacklisted after invalid signature")
	}

	e2 := signedEvent(t, 1, "another")
	if got := v.Check("wss://relay.example", e2); got != Blacklisted {
		t.Fatalf("got %v, want Blacklisted for subsequent events", got)
	}

	v.ClearBlacklist("wss://relay.example")
	if v.IsBlacklisted("wss://relay.example") {
		t.Fatalf("expected ClearBlacklist to remove the blacklist mark")
	}
	e3 := signedEvent(t, 1, "yet another")
	if got := v.Check("wss://relay.example", e3); got != Accept {
		t.Fatalf("got %v, want Accept after clearing blacklist", got)
	}
}

func TestTrustRatioDecaysTowardRMin(t *testing.T) {
	v := New(WithAlwaysVerifyKinds(1), WithRMin(0.1))
	if r := v.TrustRatio("wss://relay.example"); r != 1.0 {
		t.Fatalf("initial trust ratio = %v, want 1.0", r)
	}
	for i := 0; i < 50; i++ {
		e := signedEvent(t, 1, "msg")
		if got := v.Check("wss://relay.example", e); got != Accept {
			t.Fatalf("iteration %d: got %v, want Accept", i, got)
		}
	}
	if r := v.TrustRatio("wss://relay.example"); r >= 1.0 {
		t.Fatalf("expected trust ratio to decay below 1.0, got %v", r)
	}
}

func TestDuplicateIDShortCircuitsReverification(t *testing.T) {
	v := New(WithAlwaysVerifyKinds(1))
	e := signedEvent(t, 1, "dup")
	if got := v.Check("wss://relay-a.example", e); got != Accept {
		t.Fatalf("first relay: got %v, want Accept", got)
	}
	// Same id from a second, otherwise-untrusted relay: the LRU
	// short-circuits re-verification and the event is still accepted
	// without needing to re-run schnorr verification.
	if got := v.Check("wss://relay-b.example", e); got != Accept {
		t.Fatalf("second relay: got %v, want Accept", got)
	}
}
