package publish

import "time"

// Options configures one Publish call, mirroring the per-relay retry
// state machine and termination rule in §4.13.
type Options struct {
	// RelaySet overrides the selector-computed target relays.
	RelaySet []string

	MaxRetries          int
	InitialBackoff      time.Duration
	BackoffMultiplier   float64
	MaxRateLimitRetries int

	// EnablePoW and MaxPoWDifficulty gate nonce-mining escalation when
	// a relay's OK response carries "pow: <n>".
	EnablePoW        bool
	MaxPoWDifficulty int

	// MinSuccessfulRelays is the threshold for overall success.
	MinSuccessfulRelays int

	// PerRelayTimeout bounds one attempt (§5 default: 30s).
	PerRelayTimeout time.Duration

	// QueueOnFailure persists the event to the cache's unpublished
	// queue if overall publish fails.
	QueueOnFailure bool

	// Background runs the pipeline asynchronously; Publish returns a
	// *Handle immediately instead of blocking for a terminal Result.
	Background bool
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:          3,
		InitialBackoff:      time.Second,
		BackoffMultiplier:   2,
		MaxRateLimitRetries: 5,
		EnablePoW:           false,
		MaxPoWDifficulty:    24,
		MinSuccessfulRelays: 1,
		PerRelayTimeout:     30 * time.Second,
		QueueOnFailure:      true,
	}
}

func fillDefaults(o Options) Options {
	d := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	if o.MaxRateLimitRetries <= 0 {
		o.MaxRateLimitRetries = d.MaxRateLimitRetries
	}
	if o.MaxPoWDifficulty <= 0 {
		o.MaxPoWDifficulty = d.MaxPoWDifficulty
	}
	if o.MinSuccessfulRelays <= 0 {
		o.MinSuccessfulRelays = d.MinSuccessfulRelays
	}
	if o.PerRelayTimeout <= 0 {
		o.PerRelayTimeout = d.PerRelayTimeout
	}
	return o
}
