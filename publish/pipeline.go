package publish

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nostrkit.dev/cache"
	"nostrkit.dev/event"
	"nostrkit.dev/relay"
	"nostrkit.dev/signer"
)

// RelayConn is the slice of relay.Conn the pipeline needs. Narrowing
// to an interface (rather than depending on *relay.Conn directly)
// keeps the per-relay retry state machine testable without a live
// websocket.
type RelayConn interface {
	SendEvent(e event.Event) error
	SendAuth(authEvent event.Event) error
	ConfirmAuthOK()
	ConfirmAuthFailed()
}

// ConnProvider resolves a relay URL to the connection the publishing
// pipeline should send EVENT/AUTH frames on. A thin adapter over
// sub.Engine's ConnFor satisfies this so publish reuses the same
// connections subscriptions run over, instead of opening a second
// registry (*relay.Conn satisfies RelayConn).
type ConnProvider interface {
	ConnFor(url string) (RelayConn, error)
}

// CallbackSource lets the pipeline register for the OK/AUTH frames a
// ConnProvider's underlying connections receive. sub.Engine exposes
// this via its OnPublishOK/OnAuthChallenge fields.
type CallbackSource interface {
	SetPublishOK(func(relayURL string, id event.ID, accepted bool, message string))
	SetAuthChallenge(func(relayURL, challenge string))
}

type okResult struct {
	accepted bool
	message  string
}

type pendingKey struct {
	url string
	id  event.ID
}

// Pipeline is the publishing pipeline of §4.13: per-relay retry state
// machines, PoW escalation, AUTH handling, and optional unpublished-
// event persistence on overall failure.
type Pipeline struct {
	conns  ConnProvider
	signer signer.Signer
	cache  cache.Adapter
	log    zerolog.Logger

	maxRegens int

	mu         sync.Mutex
	pending    map[pendingKey]chan okResult
	challenges map[string]string

	replayStop chan struct{}
}

// New constructs a Pipeline. cbs receives the pipeline's OK/AUTH
// handlers so they fire from the same relay.Handler dispatch the
// subscription engine uses; cacheAdapter may be nil to disable the
// unpublished-event queue.
func New(conns ConnProvider, cbs CallbackSource, s signer.Signer, cacheAdapter cache.Adapter) *Pipeline {
	p := &Pipeline{
		conns:      conns,
		signer:     s,
		cache:      cacheAdapter,
		log:        zerolog.New(os.Stdout).With().Timestamp().Str("component", "publish").Logger(),
		maxRegens:  4,
		pending:    make(map[pendingKey]chan okResult),
		challenges: make(map[string]string),
	}
	cbs.SetPublishOK(p.handleOK)
	cbs.SetAuthChallenge(p.handleAuth)
	return p
}

func (p *Pipeline) handleOK(relayURL string, id event.ID, accepted bool, message string) {
	key := pendingKey{relayURL, id}
	p.mu.Lock()
	ch, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.mu.Unlock()
	if ok {
		ch <- okResult{accepted, message}
	}
}

func (p *Pipeline) handleAuth(relayURL, challenge string) {
	p.mu.Lock()
	p.challenges[relayURL] = challenge
	p.mu.Unlock()
}

func (p *Pipeline) registerPending(url string, id event.ID) chan okResult {
	ch := make(chan okResult, 1)
	p.mu.Lock()
	p.pending[pendingKey{url, id}] = ch
	p.mu.Unlock()
	return ch
}

func (p *Pipeline) unregisterPending(url string, id event.ID) {
	p.mu.Lock()
	delete(p.pending, pendingKey{url, id})
	p.mu.Unlock()
}

// Handle is a pollable publish-in-progress (or already terminal) call.
type Handle struct {
	done   chan struct{}
	mu     sync.Mutex
	result Result
	err    error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(r Result, err error) {
	h.mu.Lock()
	h.result = r
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Poll returns the current result and whether the call has reached a
// terminal state. Safe to call before Wait/Done.
func (h *Handle) Poll() (Result, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, true
	default:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, false
	}
}

// Done reports terminal state via a channel suitable for select.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the call reaches a terminal state or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Publish signs nothing itself: ev must already carry a valid id/sig
// (the caller signs via signer.Signer before calling, e.g. through the
// facade). It fans out to every url in targets, running opts.Background
// ? asynchronously : synchronously, and returns a Handle either way.
func (p *Pipeline) Publish(ctx context.Context, ev event.Event, targets []string, opts Options) *Handle {
	opts = fillDefaults(opts)
	h := newHandle()
	run := func() {
		r, err := p.run(ctx, ev, targets, opts)
		h.finish(r, err)
	}
	if opts.Background {
		go run()
	} else {
		run()
	}
	return h
}

func (p *Pipeline) run(ctx context.Context, ev event.Event, targets []string, opts Options) (Result, error) {
	current := ev
	var roundOutcomes []RelayOutcome

	for regen := 0; ; regen++ {
		roundCtx, cancel := context.WithCancel(ctx)
		results := make(chan RelayOutcome, len(targets))
		var wg sync.WaitGroup
		for _, url := range targets {
			wg.Add(1)
			go func(url string) {
				defer wg.Done()
				results <- p.runRelayTask(roundCtx, url, current, opts)
			}(url)
		}
		go func() {
			wg.Wait()
			close(results)
		}()

		roundOutcomes = nil
		var powDifficulty int
		powTriggered := false
		for oc := range results {
			roundOutcomes = append(roundOutcomes, oc)
			if oc.State == PoWRequired && opts.EnablePoW && !powTriggered {
				powTriggered = true
				powDifficulty = oc.PoWDifficulty
				cancel()
			}
		}
		cancel()

		if !powTriggered || regen >= p.maxRegens {
			break
		}

		mined, err := mineNonce(ctx, current, powDifficulty)
		if err != nil {
			p.log.Warn().Err(err).Str("relay_event_id", current.ID.String()).Msg("pow mining aborted")
			break
		}
		signed, err := p.signer.Sign(ctx, mined)
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to re-sign after pow escalation")
			break
		}
		current = signed
		p.log.Info().Int("difficulty", powDifficulty).Int("attempt", regen+1).Msg("regenerated event for pow, restarting fan-out")
	}

	result := Result{Event: current, Relays: roundOutcomes}
	result.Succeeded = result.successCount() >= opts.MinSuccessfulRelays

	if !result.Succeeded && opts.QueueOnFailure && p.cache != nil {
		if err := p.cache.EnqueueUnpublished(ctx, current, targets); err != nil {
			p.log.Warn().Err(err).Msg("failed to enqueue unpublished event")
		}
	}

	return result, nil
}

func (p *Pipeline) runRelayTask(ctx context.Context, url string, ev event.Event, opts Options) RelayOutcome {
	retries := 0
	rateLimitRetries := 0

	for {
		select {
		case <-ctx.Done():
			return RelayOutcome{URL: url, State: TemporaryFailure, Message: ctx.Err().Error(), Retries: retries}
		default:
		}

		conn, err := p.conns.ConnFor(url)
		if err != nil {
			if !p.backoffRetry(ctx, &retries, opts, "connect") {
				return RelayOutcome{URL: url, State: PermanentFailure, Message: err.Error(), Retries: retries}
			}
			continue
		}

		ch := p.registerPending(url, ev.ID)
		if err := conn.SendEvent(ev); err != nil {
			p.unregisterPending(url, ev.ID)
			if !p.backoffRetry(ctx, &retries, opts, "send") {
				return RelayOutcome{URL: url, State: PermanentFailure, Message: err.Error(), Retries: retries}
			}
			continue
		}

		select {
		case <-ctx.Done():
			p.unregisterPending(url, ev.ID)
			return RelayOutcome{URL: url, State: TemporaryFailure, Message: "cancelled", Retries: retries}
		case <-time.After(opts.PerRelayTimeout):
			p.unregisterPending(url, ev.ID)
			if !p.backoffRetry(ctx, &retries, opts, "timeout") {
				return RelayOutcome{URL: url, State: PermanentFailure, Message: "timed out awaiting OK", Retries: retries}
			}
			continue
		case res := <-ch:
			if res.accepted {
				return RelayOutcome{URL: url, State: Succeeded, Message: res.message, Retries: retries}
			}

			prefix, n := relay.ParseOKMessage(res.message)
			switch prefix {
			case relay.OKPrefixAuthRequired:
				if !p.authenticate(ctx, url) {
					return RelayOutcome{URL: url, State: AuthFailed, Message: res.message, Retries: retries}
				}
				continue
			case relay.OKPrefixPoW:
				if opts.EnablePoW && n <= opts.MaxPoWDifficulty {
					return RelayOutcome{URL: url, State: PoWRequired, Message: res.message, Retries: retries, PoWDifficulty: n}
				}
				return RelayOutcome{URL: url, State: PoWRefused, Message: res.message, Retries: retries}
			case relay.OKPrefixRateLimited:
				rateLimitRetries++
				if rateLimitRetries > opts.MaxRateLimitRetries {
					return RelayOutcome{URL: url, State: PermanentFailure, Message: res.message, Retries: retries}
				}
				p.log.Debug().Str("relay", url).Int("rate_limit_retry", rateLimitRetries).Msg("rate limited, backing off")
				p.sleep(ctx, backoffDelay(opts, rateLimitRetries))
				continue
			default:
				return RelayOutcome{URL: url, State: PermanentFailure, Message: res.message, Retries: retries}
			}
		}
	}
}

// authenticate signs and sends an AUTH event binding url and the last
// challenge that relay pushed, then waits for its OK the same way a
// regular EVENT is awaited (NIP-42 AUTH events are acknowledged with
// the same OK frame).
func (p *Pipeline) authenticate(ctx context.Context, url string) bool {
	p.mu.Lock()
	challenge := p.challenges[url]
	p.mu.Unlock()
	if challenge == "" {
		return false
	}

	conn, err := p.conns.ConnFor(url)
	if err != nil {
		return false
	}
	pub, err := p.signer.PubKey(ctx)
	if err != nil {
		return false
	}
	authEv := event.New(pub, event.KindClientAuth, event.Tags{
		{"relay", url},
		{"challenge", challenge},
	}, "", uint64(time.Now().Unix()))
	authEv.ID = authEv.ComputeID()
	signed, err := p.signer.Sign(ctx, authEv)
	if err != nil {
		return false
	}

	ch := p.registerPending(url, signed.ID)
	if err := conn.SendAuth(signed); err != nil {
		p.unregisterPending(url, signed.ID)
		return false
	}

	select {
	case <-ctx.Done():
		p.unregisterPending(url, signed.ID)
		return false
	case <-time.After(10 * time.Second):
		p.unregisterPending(url, signed.ID)
		conn.ConfirmAuthFailed()
		return false
	case res := <-ch:
		if res.accepted {
			conn.ConfirmAuthOK()
			return true
		}
		conn.ConfirmAuthFailed()
		return false
	}
}

func backoffDelay(opts Options, attempt int) time.Duration {
	d := float64(opts.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= opts.BackoffMultiplier
	}
	jitter := d * 0.2 * (rand.Float64()*2 - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// backoffRetry increments retries, sleeps the exponential backoff, and
// reports whether another attempt should be made. stage is logged only.
func (p *Pipeline) backoffRetry(ctx context.Context, retries *int, opts Options, stage string) bool {
	*retries++
	if *retries > opts.MaxRetries {
		return false
	}
	d := backoffDelay(opts, *retries)
	p.log.Debug().Str("stage", stage).Int("retry", *retries).Dur("backoff", d).Msg("retrying publish attempt")
	p.sleep(ctx, d)
	return true
}
