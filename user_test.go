package nostrkit

import (
	"context"
	"testing"
	"time"

	"nostrkit.dev/cache"
	"nostrkit.dev/event"
)

func TestUserProfileServesFreshCacheWithoutFetching(t *testing.T) {
	c := New()
	mem := cache.NewMemory()
	c.SetCache(mem)

	var pk event.PubKey
	pk[0] = 7
	if err := mem.SaveProfile(context.Background(), cache.Profile{
		PubKey:    pk,
		Content:   `{"name":"alice"}`,
		FetchedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	e, err := c.User(pk).Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if e.Content != `{"name":"alice"}` {
		t.Fatalf("expected cached content, got %q", e.Content)
	}
	if e.Kind != event.KindProfile {
		t.Fatalf("expected kind 0, got %d", e.Kind)
	}
}
