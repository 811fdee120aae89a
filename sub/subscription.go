package sub

import (
	"context"
	"sync"
	"time"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
)

// Subscription is the caller's handle to a live fetch or subscribe
// call. Events flow on Events() until the subscription is closed or,
// for fetch/close-on-eose calls, until the EOSE policy declares the
// call done.
type Subscription struct {
	id      string
	filters []filter.Filter
	opts    Options

	out chan event.Event

	mu           sync.Mutex
	targetRelays map[string]struct{}
	eoseFrom     map[string]struct{}
	lastEventAt  time.Time
	createdAt    time.Time
	delivered    int
	closed       bool
	doneCh       chan struct{}
	doneOnce     sync.Once

	deadlineTimer *time.Timer
	idleTimer     *time.Timer

	onClose func()
}

func newSubscription(id string, filters []filter.Filter, opts Options, relays []string) *Subscription {
	targets := make(map[string]struct{}, len(relays))
	for _, r := range relays {
		targets[r] = struct{}{}
	}
	return &Subscription{
		id:           id,
		filters:      filters,
		opts:         opts,
		out:          make(chan event.Event, 64),
		targetRelays: targets,
		eoseFrom:     make(map[string]struct{}, len(relays)),
		createdAt:    time.Now(),
		doneCh:       make(chan struct{}),
	}
}

// ID returns the subscription's opaque, caller-visible id.
func (s *Subscription) ID() string { return s.id }

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan event.Event { return s.out }

// Done is closed once the subscription has reached a terminal state
// (fetch completed, or a live subscription was closed).
func (s *Subscription) Done() <-chan struct{} { return s.doneCh }

func (s *Subscription) matchesAny(e event.Event) bool {
	for _, f := range s.filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

func (s *Subscription) finish() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.deadlineTimer != nil {
			s.deadlineTimer.Stop()
		}
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		cb := s.onClose
		s.mu.Unlock()
		close(s.doneCh)
		if cb != nil {
			cb()
		}
	})
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver pushes e to the consumer channel unless the subscription's
// limit has already been reached or the channel is full (a slow
// consumer drops frames rather than blocking the relay manager).
func (s *Subscription) deliver(e event.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.opts.Limit > 0 && s.delivered >= s.opts.Limit {
		s.mu.Unlock()
		return
	}
	s.delivered++
	s.lastEventAt = time.Now()
	limitHit := s.opts.Limit > 0 && s.delivered >= s.opts.Limit
	s.mu.Unlock()

	select {
	case s.out <- e:
	default:
	}

	if limitHit && s.opts.CloseOnEOSE {
		s.finish()
	}
}

// noteEOSE records that relayURL reported EOSE for this subscription
// and, for close_on_eose subscriptions, evaluates the §4.9 EOSE
// policy: quorum+idle, hard deadline, 100% of relays, or limit met.
func (s *Subscription) noteEOSE(relayURL string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.eoseFrom[relayURL] = struct{}{}
	total := len(s.targetRelays)
	got := len(s.eoseFrom)
	quorum := s.opts.EOSEQuorum
	if quorum <= 0 {
		quorum = 0.5
	}
	closeOnEOSE := s.opts.CloseOnEOSE
	allIn := total > 0 && got >= total
	quorumMet := total > 0 && float64(got)/float64(total) >= quorum
	idle := s.opts.EOSEIdle
	if idle <= 0 {
		idle = time.Second
	}
	s.mu.Unlock()

	if !closeOnEOSE {
		return
	}
	if allIn {
		s.finish()
		return
	}
	if quorumMet {
		s.armIdleTimer(idle)
	}
}

func (s *Subscription) armIdleTimer(idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	sinceLast := time.Since(s.lastEventAt)
	remaining := idle - sinceLast
	if s.lastEventAt.IsZero() {
		remaining = idle
	}
	if remaining < 0 {
		remaining = 0
	}
	s.idleTimer = time.AfterFunc(remaining, func() {
		s.mu.Lock()
		stillIdle := time.Since(s.lastEventAt) >= idle || s.lastEventAt.IsZero()
		closed := s.closed
		s.mu.Unlock()
		if !closed && stillIdle {
			s.finish()
		}
	})
}

// armDeadline starts the hard deadline timer for close_on_eose
// subscriptions; it always terminates the subscription when it fires,
// regardless of quorum.
func (s *Subscription) armDeadline(ctx context.Context, deadline time.Duration) {
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.deadlineTimer = time.AfterFunc(deadline, s.finish)
	s.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			s.finish()
		case <-s.doneCh:
		}
	}()
}
