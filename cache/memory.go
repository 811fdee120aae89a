package cache

import (
	"context"
	"sync"
	"time"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
)

// Memory is an in-process Adapter backed by maps guarded by a single
// RWMutex, with a background loop that evicts unpublished queue entries
// past their retention window. Intended for tests and short-lived
// clients; state does not survive process restart.
type Memory struct {
	mu sync.RWMutex

	events      map[event.ID]event.Event
	replaceable map[event.ReplaceableKey]event.ID

	profiles map[event.PubKey]Profile

	unpublished map[event.ID]Unpublished

	health map[string]HealthSnapshot

	decrypted        map[event.ID]string
	decryptedEnabled bool

	unpublishedTTL time.Duration
	stopCh         chan struct{}
}

// MemoryOption configures a Memory adapter at construction.
type MemoryOption func(*Memory)

// WithDecryptedStore enables/disables SaveDecrypted/GetDecrypted; enabled
// by default.
func WithDecryptedStore(enabled bool) MemoryOption {
	return func(m *Memory) { m.decryptedEnabled = enabled }
}

// WithUnpublishedTTL bounds how long an undelivered event is kept in the
// unpublished queue before the cleanup loop discards it. Zero disables
// eviction.
func WithUnpublishedTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) { m.unpublishedTTL = ttl }
}

// NewMemory constructs a Memory adapter and starts its cleanup loop.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		events:           make(map[event.ID]event.Event),
		replaceable:      make(map[event.ReplaceableKey]event.ID),
		profiles:         make(map[event.PubKey]Profile),
		unpublished:      make(map[event.ID]Unpublished),
		health:           make(map[string]HealthSnapshot),
		decrypted:        make(map[event.ID]string),
		decryptedEnabled: true,
		unpublishedTTL:   7 * 24 * time.Hour,
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanupLoop()
	return m
}

func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictStaleUnpublished()
		}
	}
}

func (m *Memory) evictStaleUnpublished() {
	if m.unpublishedTTL == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, u := range m.unpublished {
		if now.Sub(u.LastAttempt) > m.unpublishedTTL {
			delete(m.unpublished, id)
		}
	}
}

// SaveEvent stores e, honoring replaceable/addressable replacement
// semantics: a later created_at for the same key replaces the prior
// canonical entry; an earlier one is dropped silently (idempotent).
func (m *Memory) SaveEvent(ctx context.Context, e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key, ok := e.Key(); ok {
		if prevID, exists := m.replaceable[key]; exists {
			if prev, ok := m.events[prevID]; ok && prev.CreatedAt >= e.CreatedAt {
				return nil
			}
			delete(m.events, prevID)
		}
		m.replaceable[key] = e.ID
	}
	m.events[e.ID] = e
	return nil
}

// Query scans all stored events; callers with large stores should prefer
// a persistent adapter with indexed lookups.
func (m *Memory) Query(ctx context.Context, f filter.Filter) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []event.Event
	for _, e := range m.events {
		if f.Matches(e) {
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) SaveProfile(ctx context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.PubKey] = p
	return nil
}

func (m *Memory) GetProfile(ctx context.Context, pubkey event.PubKey) (Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[pubkey]
	return p, ok, nil
}

func (m *Memory) EnqueueUnpublished(ctx context.Context, e event.Event, relays []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpublished[e.ID] = Unpublished{Event: e, Relays: relays, LastAttempt: time.Now()}
	return nil
}

func (m *Memory) DequeueUnpublished(ctx context.Context) ([]Unpublished, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Unpublished, 0, len(m.unpublished))
	for _, u := range m.unpublished {
		out = append(out, u)
	}
	return out, nil
}

func (m *Memory) DiscardUnpublished(ctx context.Context, id event.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unpublished, id)
	return nil
}

func (m *Memory) RecordRelayHealth(ctx context.Context, url string, outcome Outcome, responseMS *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.health[url]
	switch outcome {
	case OutcomeSuccess:
		snap.SuccessCount++
	case OutcomeFailure:
		snap.FailureCount++
	}
	snap.LastSeen = time.Now()
	if responseMS != nil {
		if snap.AvgResponseMS == 0 {
			snap.AvgResponseMS = *responseMS
		} else {
			snap.AvgResponseMS = snap.AvgResponseMS*0.8 + *responseMS*0.2
		}
	}
	m.health[url] = snap
	return nil
}

func (m *Memory) RelayHealth(ctx context.Context, url string) (HealthSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health[url], nil
}

func (m *Memory) SupportsDecryptedStore() bool { return m.decryptedEnabled }

func (m *Memory) SaveDecrypted(ctx context.Context, id event.ID, plaintext string) error {
	if !m.decryptedEnabled {
		return errNotSupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decrypted[id] = plaintext
	return nil
}

func (m *Memory) GetDecrypted(ctx context.Context, id event.ID) (string, bool, error) {
	if !m.decryptedEnabled {
		return "", false, errNotSupported
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.decrypted[id]
	return v, ok, nil
}

func (m *Memory) Close() error {
	close(m.stopCh)
	return nil
}

var _ Adapter = (*Memory)(nil)
