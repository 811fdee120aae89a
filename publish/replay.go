package publish

import (
	"context"
	"time"
)

// DefaultReplayInterval is the background unpublished-queue replay
// schedule (§4.13: "default 5 min").
const DefaultReplayInterval = 5 * time.Minute

// RunReplayWorker drains the cache's unpublished-event queue on a
// fixed schedule and whenever a URL arrives on reconnected, retrying
// each with opts until ctx is cancelled. A successful republish
// discards the queue entry; a failed one is left for the next pass
// (EnqueueUnpublished overwrites it with a fresh LastAttempt next time
// Publish itself fails again).
func (p *Pipeline) RunReplayWorker(ctx context.Context, interval time.Duration, reconnected <-chan string, opts Options) {
	if interval <= 0 {
		interval = DefaultReplayInterval
	}
	if p.cache == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.replayOnce(ctx, opts)
		case _, ok := <-reconnected:
			if !ok {
				reconnected = nil
				continue
			}
			p.replayOnce(ctx, opts)
		}
	}
}

func (p *Pipeline) replayOnce(ctx context.Context, opts Options) {
	queued, err := p.cache.DequeueUnpublished(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to read unpublished queue")
		return
	}
	for _, item := range queued {
		replayOpts := opts
		replayOpts.Background = false
		replayOpts.QueueOnFailure = false
		result, err := p.run(ctx, item.Event, item.Relays, replayOpts)
		if err != nil {
			continue
		}
		if result.Succeeded {
			if err := p.cache.DiscardUnpublished(ctx, item.Event.ID); err != nil {
				p.log.Warn().Err(err).Str("event_id", item.Event.ID.String()).Msg("failed to discard replayed unpublished event")
			}
		}
	}
}
