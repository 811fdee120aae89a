package publish

import (
	"context"
	"testing"
	"time"

	"nostrkit.dev/cache"
	"nostrkit.dev/event"
	"nostrkit.dev/signer"
)

func TestRunReplayWorkerRepublishesOnReconnectSignal(t *testing.T) {
	conns := newFakeConns()
	cbs := &fakeCallbacks{}
	s, _ := signer.GenerateLocal()
	c := cache.NewMemory()
	defer c.Close()
	p := New(conns, cbs, s, c)

	pub, _ := s.PubKey(context.Background())
	ev := event.New(pub, 1, nil, "queued", 1000)
	ev.ID = ev.ComputeID()
	signed, _ := s.Sign(context.Background(), ev)

	if err := c.EnqueueUnpublished(context.Background(), signed, []string{"wss://relay"}); err != nil {
		t.Fatalf("EnqueueUnpublished: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cbs.ok("wss://relay", signed.ID, true, "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	reconnected := make(chan string, 1)
	reconnected <- "wss://relay"

	opts := testOptions()
	p.RunReplayWorker(ctx, time.Hour, reconnected, opts)

	queued, err := c.DequeueUnpublished(context.Background())
	if err != nil {
		t.Fatalf("DequeueUnpublished: %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("expected the replayed event to be discarded, queue still has %d", len(queued))
	}
}
