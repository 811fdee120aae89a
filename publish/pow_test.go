package publish

import (
	"context"
	"testing"

	"nostrkit.dev/event"
)

func TestLeadingZeroBits(t *testing.T) {
	var id event.ID
	if got := leadingZeroBits(id); got != 256 {
		t.Fatalf("all-zero id: got %d, want 256", got)
	}
	id[0] = 0x0f
	if got := leadingZeroBits(id); got != 4 {
		t.Fatalf("0x0f first byte: got %d, want 4", got)
	}
	id = event.ID{}
	id[0] = 0x80
	if got := leadingZeroBits(id); got != 0 {
		t.Fatalf("0x80 first byte: got %d, want 0", got)
	}
}

func TestMineNonceMeetsDifficulty(t *testing.T) {
	var pk event.PubKey
	ev := event.New(pk, 1, nil, "hello", 1000)

	mined, err := mineNonce(context.Background(), ev, 8)
	if err != nil {
		t.Fatalf("mineNonce: %v", err)
	}
	if got := leadingZeroBits(mined.ID); got < 8 {
		t.Fatalf("mined id has %d leading zero bits, want >= 8", got)
	}
	tag, ok := mined.Tags.FirstTag("nonce")
	if !ok {
		t.Fatalf("expected a nonce tag on the mined event")
	}
	if len(tag) != 3 || tag[2] != "8" {
		t.Fatalf("expected nonce tag to record target difficulty 8, got %v", tag)
	}
}

func TestMineNonceReplacesExistingNonceTag(t *testing.T) {
	var pk event.PubKey
	ev := event.New(pk, 1, event.Tags{{"nonce", "999", "0"}}, "hi", 1000)

	mined, err := mineNonce(context.Background(), ev, 4)
	if err != nil {
		t.Fatalf("mineNonce: %v", err)
	}
	count := 0
	for _, tag := range mined.Tags {
		if tag.Name() == "nonce" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one nonce tag after mining, got %d", count)
	}
}

func TestMineNonceRespectsCancellation(t *testing.T) {
	var pk event.PubKey
	ev := event.New(pk, 1, nil, "hi", 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mineNonce(ctx, ev, 255); err == nil {
		t.Fatalf("expected mineNonce to respect a pre-cancelled context")
	}
}
