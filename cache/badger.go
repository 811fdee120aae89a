package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
)

// Badger is the default persistent Adapter: a row-per-entity key/value
// store (events under "event:<id>", profiles under "profile:<pubkey>",
// etc.) with an in-memory index of replaceable/addressable canonical ids
// rebuilt by scanning the event prefix at Open.
type Badger struct {
	db *badger.DB

	mu          sync.RWMutex
	replaceable map[event.ReplaceableKey]event.ID

	decryptedEnabled bool
}

// BadgerConfig configures NewBadger.
type BadgerConfig struct {
	Dir string
	// EnableDecryptedStore gates SaveDecrypted/GetDecrypted; disabled by
	// default since plaintext-at-rest is a deliberate opt-in.
	EnableDecryptedStore bool
}

// NewBadger opens (or creates) a Badger store at cfg.Dir and rebuilds the
// replaceable/addressable index by scanning existing event rows.
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: badger open: %w", err)
	}

	b := &Badger{
		db:               db,
		replaceable:      make(map[event.ReplaceableKey]event.ID),
		decryptedEnabled: cfg.EnableDecryptedStore,
	}
	if err := b.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Badger) rebuildIndex() error {
	prefix := []byte("event:")
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e event.Event
				if err := json.Unmarshal(val, &e); err != nil {
					return nil // skip corrupt rows rather than fail Open
				}
				if key, ok := e.Key(); ok {
					if prevID, exists := b.replaceable[key]; !exists {
						b.replaceable[key] = e.ID
					} else if prev, found := b.lookupEventLocked(prevID); found && prev.CreatedAt < e.CreatedAt {
						b.replaceable[key] = e.ID
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) lookupEventLocked(id event.ID) (event.Event, bool) {
	var e event.Event
	found := false
	_ = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return e, found
}

func eventKey(id event.ID) []byte      { return []byte("event:" + id.String()) }
func profileKey(pk event.PubKey) []byte { return []byte("profile:" + pk.String()) }
func unpublishedKey(id event.ID) []byte { return []byte("unpublished:" + id.String()) }
func healthKey(url string) []byte       { return []byte("health:" + url) }
func decryptedKey(id event.ID) []byte   { return []byte("decrypted:" + id.String()) }

func (b *Badger) SaveEvent(ctx context.Context, e event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var superseded *event.ID
	if key, ok := e.Key(); ok {
		if prevID, exists := b.replaceable[key]; exists {
			if prev, found := b.lookupEventLocked(prevID); found && prev.CreatedAt >= e.CreatedAt {
				return nil
			}
			if prevID != e.ID {
				superseded = &prevID
			}
		}
		b.replaceable[key] = e.ID
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if superseded != nil {
			if err := txn.Delete(eventKey(*superseded)); err != nil {
				return err
			}
		}
		return txn.Set(eventKey(e.ID), data)
	})
}

// Query scans the event prefix and matches each row in process. A
// production deployment under heavy query load would add secondary
// indices by kind/author; this adapter favors the simple row-per-entity
// layout the rest of the module's storage follows.
func (b *Badger) Query(ctx context.Context, f filter.Filter) ([]event.Event, error) {
	var out []event.Event
	prefix := []byte("event:")
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e event.Event
				if err := json.Unmarshal(val, &e); err != nil {
					return nil
				}
				if f.Matches(e) {
					out = append(out, e)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *Badger) SaveProfile(ctx context.Context, p Profile) error {
	data, err := json.Marshal(struct {
		Content   string `json:"content"`
		FetchedAt int64  `json:"fetched_at"`
	}{p.Content, p.FetchedAt.Unix()})
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(profileKey(p.PubKey), data)
	})
}

func (b *Badger) GetProfile(ctx context.Context, pubkey event.PubKey) (Profile, bool, error) {
	var p Profile
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(profileKey(pubkey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var wire struct {
				Content   string `json:"content"`
				FetchedAt int64  `json:"fetched_at"`
			}
			if err := json.Unmarshal(val, &wire); err != nil {
				return err
			}
			p = Profile{PubKey: pubkey, Content: wire.Content, FetchedAt: time.Unix(wire.FetchedAt, 0)}
			found = true
			return nil
		})
	})
	return p, found, err
}

func (b *Badger) EnqueueUnpublished(ctx context.Context, e event.Event, relays []string) error {
	wire := struct {
		Event       event.Event `json:"event"`
		Relays      []string    `json:"relays"`
		LastAttempt int64       `json:"last_attempt"`
	}{e, relays, time.Now().Unix()}
	data, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(unpublishedKey(e.ID), data)
	})
}

func (b *Badger) DequeueUnpublished(ctx context.Context) ([]Unpublished, error) {
	var out []Unpublished
	prefix := []byte("unpublished:")
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var wire struct {
					Event       event.Event `json:"event"`
					Relays      []string    `json:"relays"`
					LastAttempt int64       `json:"last_attempt"`
				}
				if err := json.Unmarshal(val, &wire); err != nil {
					return nil
				}
				out = append(out, Unpublished{Event: wire.Event, Relays: wire.Relays, LastAttempt: time.Unix(wire.LastAttempt, 0)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (b *Badger) DiscardUnpublished(ctx context.Context, id event.ID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(unpublishedKey(id))
	})
}

func (b *Badger) RecordRelayHealth(ctx context.Context, url string, outcome Outcome, responseMS *float64) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var snap HealthSnapshot
		item, err := txn.Get(healthKey(url))
		if err == nil {
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &snap) }); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
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
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return txn.Set(healthKey(url), data)
	})
}

func (b *Badger) RelayHealth(ctx context.Context, url string) (HealthSnapshot, error) {
	var snap HealthSnapshot
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(healthKey(url))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &snap) })
	})
	return snap, err
}

func (b *Badger) SupportsDecryptedStore() bool { return b.decryptedEnabled }

func (b *Badger) SaveDecrypted(ctx context.Context, id event.ID, plaintext string) error {
	if !b.decryptedEnabled {
		return errNotSupported
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(decryptedKey(id), []byte(plaintext))
	})
}

func (b *Badger) GetDecrypted(ctx context.Context, id event.ID) (string, bool, error) {
	if !b.decryptedEnabled {
		return "", false, errNotSupported
	}
	var plaintext string
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(decryptedKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			plaintext = string(val)
			found = true
			return nil
		})
	})
	return plaintext, found, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}

var _ Adapter = (*Badger)(nil)
