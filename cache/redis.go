package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
)

// Redis is a persistent Adapter backed by a single Redis instance. Events
// are stored under "event:<id>", with a secondary set of ids per kind and
// per author so Query can narrow by those before scanning; this trades exhaustive filter
// matching in Redis for a bounded in-process scan over a smaller set.
type Redis struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig bundles connection and retention settings for NewRedis.
type RedisConfig struct {
	URL    string // redis://[:password@]host:port/db
	Prefix string
	// EventTTL bounds how long a cached event survives; zero means no
	// expiry (rely on DiscardUnpublished/application-level GC instead).
	EventTTL time.Duration
}

// NewRedis dials Redis and verifies connectivity with a Ping.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "nostrkit:"
	}
	return &Redis{client: client, prefix: prefix, ttl: cfg.EventTTL}, nil
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (r *Redis) SaveEvent(ctx context.Context, e event.Event) error {
	if key, ok := e.Key(); ok {
		idxKey := r.key("replaceable", key.PubKey.String(), fmt.Sprint(key.Kind), key.DTag)
		prevIDHex, err := r.client.Get(ctx, idxKey).Result()
		if err == nil {
			prevID, err := event.IDFromHex(prevIDHex)
			if err == nil {
				if prev, found, err := r.getEvent(ctx, prevID); err == nil && found && prev.CreatedAt >= e.CreatedAt {
					return nil
				}
				r.client.Del(ctx, r.key("event", prevIDHex))
			}
		}
		if err := r.client.Set(ctx, idxKey, e.ID.String(), r.ttl).Err(); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key("event", e.ID.String()), b, r.ttl)
	pipe.SAdd(ctx, r.key("kind", fmt.Sprint(e.Kind)), e.ID.String())
	pipe.SAdd(ctx, r.key("author", e.PubKey.String()), e.ID.String())
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) getEvent(ctx context.Context, id event.ID) (event.Event, bool, error) {
	data, err := r.client.Get(ctx, r.key("event", id.String())).Bytes()
	if err == goredis.Nil {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, err
	}
	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return event.Event{}, false, err
	}
	return e, true, nil
}

// Query narrows candidate ids via the kind/author sets when the filter
// names them, then fetches and matches each candidate in process. A
// filter with neither kinds nor authors falls back to a full SCAN of the
// event namespace.
func (r *Redis) Query(ctx context.Context, f filter.Filter) ([]event.Event, error) {
	// Within one field the values are alternatives, so the per-kind sets
	// (and the per-author sets) are unioned; the two unions are then
	// intersected.
	candidateSets := make([][]string, 0, 2)
	if len(f.Kinds) > 0 {
		var union []string
		for _, k := range f.Kinds {
			ids, err := r.client.SMembers(ctx, r.key("kind", fmt.Sprint(k))).Result()
			if err != nil {
				return nil, err
			}
			union = append(union, ids...)
		}
		candidateSets = append(candidateSets, union)
	}
	if len(f.Authors) > 0 {
		var union []string
		for _, a := range f.Authors {
			ids, err := r.client.SMembers(ctx, r.key("author", a.String())).Result()
			if err != nil {
				return nil, err
			}
			union = append(union, ids...)
		}
		candidateSets = append(candidateSets, union)
	}

	var idHexes []string
	if len(candidateSets) > 0 {
		idHexes = intersectStringSets(candidateSets)
	} else {
		var err error
		idHexes, err = r.scanEventIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	var out []event.Event
	for _, hex := range idHexes {
		id, err := event.IDFromHex(hex)
		if err != nil {
			continue
		}
		e, found, err := r.getEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		if found && f.Matches(e) {
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

func (r *Redis) scanEventIDs(ctx context.Context) ([]string, error) {
	var out []string
	prefix := r.key("event", "")
	iter := r.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(prefix):])
	}
	return out, iter.Err()
}

func intersectStringSets(sets [][]string) []string {
	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]bool, len(set))
		for _, v := range set {
			if !seen[v] {
				counts[v]++
				seen[v] = true
			}
		}
	}
	var out []string
	for v, c := range counts {
		if c == len(sets) {
			out = append(out, v)
		}
	}
	return out
}

func (r *Redis) SaveProfile(ctx context.Context, p Profile) error {
	b, err := json.Marshal(struct {
		Content   string `json:"content"`
		FetchedAt int64  `json:"fetched_at"`
	}{p.Content, p.FetchedAt.Unix()})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key("profile", p.PubKey.String()), b, r.ttl).Err()
}

func (r *Redis) GetProfile(ctx context.Context, pubkey event.PubKey) (Profile, bool, error) {
	data, err := r.client.Get(ctx, r.key("profile", pubkey.String())).Bytes()
	if err == goredis.Nil {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	var wire struct {
		Content   string `json:"content"`
		FetchedAt int64  `json:"fetched_at"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Profile{}, false, err
	}
	return Profile{PubKey: pubkey, Content: wire.Content, FetchedAt: time.Unix(wire.FetchedAt, 0)}, true, nil
}

func (r *Redis) EnqueueUnpublished(ctx context.Context, e event.Event, relays []string) error {
	wire := struct {
		Event       event.Event `json:"event"`
		Relays      []string    `json:"relays"`
		LastAttempt int64       `json:"last_attempt"`
	}{e, relays, time.Now().Unix()}
	b, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key("unpublished", e.ID.String()), b, 0)
	pipe.SAdd(ctx, r.key("unpublished-ids"), e.ID.String())
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) DequeueUnpublished(ctx context.Context) ([]Unpublished, error) {
	ids, err := r.client.SMembers(ctx, r.key("unpublished-ids")).Result()
	if err != nil {
		return nil, err
	}
	var out []Unpublished
	for _, idHex := range ids {
		data, err := r.client.Get(ctx, r.key("unpublished", idHex)).Bytes()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var wire struct {
			Event       event.Event `json:"event"`
			Relays      []string    `json:"relays"`
			LastAttempt int64       `json:"last_attempt"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, err
		}
		out = append(out, Unpublished{Event: wire.Event, Relays: wire.Relays, LastAttempt: time.Unix(wire.LastAttempt, 0)})
	}
	return out, nil
}

func (r *Redis) DiscardUnpublished(ctx context.Context, id event.ID) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.key("unpublished", id.String()))
	pipe.SRem(ctx, r.key("unpublished-ids"), id.String())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) RecordRelayHealth(ctx context.Context, url string, outcome Outcome, responseMS *float64) error {
	key := r.key("health", url)
	data, err := r.client.Get(ctx, key).Bytes()
	var snap HealthSnapshot
	if err == nil {
		_ = json.Unmarshal(data, &snap)
	} else if err != goredis.Nil {
		return err
	}
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
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, b, 0).Err()
}

func (r *Redis) RelayHealth(ctx context.Context, url string) (HealthSnapshot, error) {
	data, err := r.client.Get(ctx, r.key("health", url)).Bytes()
	if err == goredis.Nil {
		return HealthSnapshot{}, nil
	}
	if err != nil {
		return HealthSnapshot{}, err
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return HealthSnapshot{}, err
	}
	return snap, nil
}

func (r *Redis) SupportsDecryptedStore() bool { return true }

func (r *Redis) SaveDecrypted(ctx context.Context, id event.ID, plaintext string) error {
	return r.client.Set(ctx, r.key("decrypted", id.String()), plaintext, r.ttl).Err()
}

func (r *Redis) GetDecrypted(ctx context.Context, id event.ID) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key("decrypted", id.String())).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Adapter = (*Redis)(nil)
