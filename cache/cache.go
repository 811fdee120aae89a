// Package cache defines the local-storage Adapter contract and the
// adapters that implement it: an in-process Memory store for tests and
// short-lived clients, and two persistent backends (Badger, Redis).
package cache

import (
	"context"
	"time"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
)

// Outcome is the result of a single publish attempt against a relay, fed
// to RecordRelayHealth.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// HealthSnapshot summarizes an adapter's view of one relay's recent
// reliability, consumed by the relay ranker.
type HealthSnapshot struct {
	SuccessCount   int
	FailureCount   int
	LastSeen       time.Time
	AvgResponseMS  float64
}

// Profile is cached kind-0 metadata for a pubkey.
type Profile struct {
	PubKey    event.PubKey
	Content   string // raw kind-0 JSON content
	FetchedAt time.Time
}

// Unpublished is a queued event awaiting a retry of the publish pipeline.
type Unpublished struct {
	Event       event.Event
	Relays      []string
	LastAttempt time.Time
}

// Adapter is the storage contract the subscription engine and publishing
// pipeline depend on. Implementations must be safe for multi-producer,
// single-writer use per key: the engine holds at most one in-flight
// mutator for a given event id/pubkey/relay at a time, but concurrent
// reads and writes across different keys are expected.
type Adapter interface {
	SaveEvent(ctx context.Context, e event.Event) error
	Query(ctx context.Context, f filter.Filter) ([]event.Event, error)

	SaveProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, pubkey event.PubKey) (Profile, bool, error)

	EnqueueUnpublished(ctx context.Context, e event.Event, relays []string) error
	DequeueUnpublished(ctx context.Context) ([]Unpublished, error)
	DiscardUnpublished(ctx context.Context, id event.ID) error

	RecordRelayHealth(ctx context.Context, url string, outcome Outcome, responseMS *float64) error
	RelayHealth(ctx context.Context, url string) (HealthSnapshot, error)

	// SupportsDecryptedStore reports whether SaveDecrypted/GetDecrypted
	// are implemented; callers must check this before using them.
	SupportsDecryptedStore() bool
	SaveDecrypted(ctx context.Context, id event.ID, plaintext string) error
	GetDecrypted(ctx context.Context, id event.ID) (string, bool, error)

	Close() error
}

// unsupportedDecryptedStore is embedded by adapters that do not implement
// a decrypted-content store, so SaveDecrypted/GetDecrypted fail loudly
// rather than silently discarding plaintext.
type unsupportedDecryptedStore struct{}

func (unsupportedDecryptedStore) SupportsDecryptedStore() bool { return false }

func (unsupportedDecryptedStore) SaveDecrypted(ctx context.Context, id event.ID, plaintext string) error {
	return errNotSupported
}

func (unsupportedDecryptedStore) GetDecrypted(ctx context.Context, id event.ID) (string, bool, error) {
	return "", false, errNotSupported
}

var errNotSupported = adapterError("cache: decrypted store not supported by this adapter")

type adapterError string

func (e adapterError) Error() string { return string(e) }
