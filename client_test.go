package nostrkit

import (
	"context"
	"testing"

	"nostrkit.dev/event"
	"nostrkit.dev/publish"
)

func TestNewAppliesBlacklistOption(t *testing.T) {
	c := New(WithBlacklistedRelays("wss://bad.example"))
	if !c.IsBlacklisted("wss://bad.example") {
		t.Fatalf("expected relay passed to WithBlacklistedRelays to be blacklisted")
	}
}

func TestClearBlacklistedRelayReadmits(t *testing.T) {
	c := New()
	c.BlacklistRelay("wss://bad.example")
	if !c.IsBlacklisted("wss://bad.example") {
		t.Fatalf("expected BlacklistRelay to mark the relay blacklisted")
	}
	c.ClearBlacklistedRelay("wss://bad.example")
	if c.IsBlacklisted("wss://bad.example") {
		t.Fatalf("expected ClearBlacklistedRelay to re-admit the relay")
	}
}

func TestPublishFailsWithoutSigner(t *testing.T) {
	c := New()
	var pub event.PubKey
	ev := event.New(pub, 1, nil, "hello", 1700000000)
	if _, err := c.Publish(context.Background(), ev, publish.Options{}); err == nil {
		t.Fatalf("expected Publish to fail when no signer is configured")
	}
}

func TestAddRemoveRelay(t *testing.T) {
	c := New()
	if err := c.AddRelay("wss://relay.example.com"); err != nil {
		t.Fatalf("AddRelay: %v", err)
	}
	c.RemoveRelay("wss://relay.example.com")
}

func TestDefaultConfigHasWorkingDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PublishDefaults.MaxRetries == 0 {
		t.Fatalf("expected publish defaults to be populated")
	}
	if cfg.FetchDefaults.GroupingWindow == 0 {
		t.Fatalf("expected fetch defaults to be populated")
	}
	if !cfg.Outbox.Enable {
		t.Fatalf("expected outbox selection enabled by default")
	}
}
