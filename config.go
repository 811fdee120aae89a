package nostrkit

import (
	"encoding/json"
	"log/slog"
	"os"

	"nostrkit.dev/outbox"
	"nostrkit.dev/publish"
	"nostrkit.dev/sub"
	"nostrkit.dev/verify"
)

// VerificationConfig configures verify.Verifier construction, mirroring
// the configuration surface's signature_verification block.
type VerificationConfig struct {
	RatioMin             float64
	AlwaysVerifyKinds    []int
	AutoBlacklistInvalid bool
}

// DefaultVerificationConfig matches verify's own package defaults.
func DefaultVerificationConfig() VerificationConfig {
	return VerificationConfig{RatioMin: 0.05, AutoBlacklistInvalid: true}
}

// OutboxConfig configures outbox.Tracker/Ranker/Selector construction,
// mirroring the configuration surface's outbox block.
type OutboxConfig struct {
	Enable             bool
	MaxRelaysPerAuthor int
	DefaultWriteRelays []string
	DefaultReadRelays  []string
	BootstrapRelays    []string
}

// DefaultOutboxConfig enables outbox-directed selection with the
// selector's own min/max defaults (2/6).
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{Enable: true, MaxRelaysPerAuthor: 6}
}

// Config is the Facade's full configuration surface (spec §6). Every
// field has a working zero-value-safe default via Default*Config(); a
// caller only needs to override what they care about, either through
// functional Options or by loading a JSON file shaped like this struct.
type Config struct {
	BlacklistedRelays []string
	Verification      VerificationConfig
	Outbox            OutboxConfig
	PublishDefaults   publish.Options
	FetchDefaults     sub.Options
	SubscriptionTracking struct {
		TrackClosed      bool
		MaxClosedHistory int
	}
}

// DefaultConfig returns the documented defaults for every configuration
// block.
func DefaultConfig() Config {
	c := Config{
		Verification:    DefaultVerificationConfig(),
		Outbox:          DefaultOutboxConfig(),
		PublishDefaults: publish.DefaultOptions(),
		FetchDefaults:   sub.DefaultOptions(),
	}
	c.SubscriptionTracking.TrackClosed = true
	c.SubscriptionTracking.MaxClosedHistory = 100
	return c
}

// LoadConfigFile reads a JSON-encoded Config from path, the way the
// teacher's relays_config.go loads config/relays.json: missing file or
// invalid JSON falls back to DefaultConfig with a logged warning rather
// than failing construction.
func LoadConfigFile(path string) Config {
	def := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("nostrkit: config file not found, using defaults", "path", path)
		} else {
			slog.Warn("nostrkit: could not read config, using defaults", "path", path, "error", err)
		}
		return def
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		slog.Error("nostrkit: invalid JSON in config, using defaults", "path", path, "error", err)
		return def
	}
	return c
}

// Option configures a Client at construction, applied in order over
// DefaultConfig.
type Option func(*Config)

// WithBlacklistedRelays seeds the verifier's blacklist and the
// selector's exclusion set with URLs the caller never wants selected
// automatically.
func WithBlacklistedRelays(urls ...string) Option {
	return func(c *Config) { c.BlacklistedRelays = append(c.BlacklistedRelays, urls...) }
}

// WithVerification overrides the signature-verification block.
func WithVerification(v VerificationConfig) Option {
	return func(c *Config) { c.Verification = v }
}

// WithOutbox overrides the outbox block.
func WithOutbox(o OutboxConfig) Option {
	return func(c *Config) { c.Outbox = o }
}

// WithPublishDefaults overrides the per-call defaults Publish falls
// back to when a caller passes a zero-value publish.Options.
func WithPublishDefaults(o publish.Options) Option {
	return func(c *Config) { c.PublishDefaults = o }
}

// WithFetchDefaults overrides the per-call defaults Fetch/Subscribe
// fall back to when a caller passes a zero-value sub.Options.
func WithFetchDefaults(o sub.Options) Option {
	return func(c *Config) { c.FetchDefaults = o }
}

// WithConfigFile replaces the whole Config with one loaded from a JSON
// file at the point in the option list where it appears: options after
// it still take precedence, options before it are overwritten.
func WithConfigFile(path string) Option {
	return func(c *Config) { *c = LoadConfigFile(path) }
}

func verifierOptions(v VerificationConfig) []verify.Option {
	var opts []verify.Option
	if v.RatioMin > 0 {
		opts = append(opts, verify.WithRMin(v.RatioMin))
	}
	if len(v.AlwaysVerifyKinds) > 0 {
		opts = append(opts, verify.WithAlwaysVerifyKinds(v.AlwaysVerifyKinds...))
	}
	return opts
}

func selectorOptions(cfg Config) outbox.SelectorOptions {
	return outbox.SelectorOptions{
		MaxRelayCount: cfg.Outbox.MaxRelaysPerAuthor,
		PoolDefaults:  cfg.Outbox.DefaultWriteRelays,
	}
}
