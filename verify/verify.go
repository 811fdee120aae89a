// Package verify implements the statistical-sampling signature verifier:
// relays that have proven trustworthy are re-verified less often, while
// any single bad signature blacklists the relay outright.
package verify

import (
	"container/list"
	"crypto/subtle"
	"math"
	"math/rand"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostrkit.dev/event"
)

// Decision is the outcome of Verifier.Check for one received event.
type Decision int

const (
	// Accept means the event is valid (or was sampled-skipped and the
	// relay remains trusted) and may be emitted to consumers.
	Accept Decision = iota
	// Reject means signature verification failed; the relay is now
	// blacklisted and this and all subsequent events from it are dropped.
	Reject
	// Blacklisted means the relay was already blacklisted by a prior
	// failure; the event is dropped without re-verifying.
	Blacklisted
)

const defaultRMin = 0.05
const defaultLRUSize = 4096

// relayState is the per-relay trust-ratio bookkeeping.
type relayState struct {
	r           float64
	nOK         int
	blacklisted bool
}

// Verifier samples signature verification per relay, trusting relays
// with a long clean history to skip most checks, while any invalid
// signature blacklists the relay until ClearBlacklist is called.
type Verifier struct {
	mu     sync.Mutex
	relays map[string]*relayState

	rMin              float64
	alwaysVerifyKinds map[int]bool

	verifiedIDs    map[event.ID]*list.Element
	verifiedOrder  *list.List
	lruSize        int

	rand *rand.Rand
}

// Option configures a Verifier at construction.
type Option func(*Verifier)

// WithRMin overrides the floor trust ratio (default 0.05).
func WithRMin(rMin float64) Option {
	return func(v *Verifier) { v.rMin = rMin }
}

// WithAlwaysVerifyKinds forces full verification for the listed kinds
// regardless of the relay's current sampling ratio.
func WithAlwaysVerifyKinds(kinds ...int) Option {
	return func(v *Verifier) {
		for _, k := range kinds {
			v.alwaysVerifyKinds[k] = true
		}
	}
}

// WithLRUSize bounds the verified-id cache (default 4096).
func WithLRUSize(n int) Option {
	return func(v *Verifier) { v.lruSize = n }
}

// New constructs a Verifier with R=1.0 for any relay seen for the first
// time.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		relays:            make(map[string]*relayState),
		rMin:              defaultRMin,
		alwaysVerifyKinds: make(map[int]bool),
		verifiedIDs:       make(map[event.ID]*list.Element),
		verifiedOrder:     list.New(),
		lruSize:           defaultLRUSize,
		rand:              rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check decides whether e, received from relayURL, should be accepted.
// It is safe for concurrent use.
func (v *Verifier) Check(relayURL string, e event.Event) Decision {
	v.mu.Lock()
	state, ok := v.relays[relayURL]
	if !ok {
		state = &relayState{r: 1.0}
		v.relays[relayURL] = state
	}
	if state.blacklisted {
		v.mu.Unlock()
		return Blacklisted
	}

	if v.touchVerifiedLocked(e.ID) {
		v.mu.Unlock()
		return Accept
	}

	mustVerify := v.alwaysVerifyKinds[e.Kind] || v.rand.Float64() < state.r
	v.mu.Unlock()

	if !mustVerify {
		return Accept
	}

	if !verifySignature(e) {
		v.mu.Lock()
		state.blacklisted = true
		v.mu.Unlock()
		return Reject
	}

	v.mu.Lock()
	state.nOK++
	state.r = math.Max(v.rMin, 1/math.Sqrt(float64(1+state.nOK)))
	v.markVerifiedLocked(e.ID)
	v.mu.Unlock()
	return Accept
}

// touchVerifiedLocked reports whether id is already in the verified-id
// cache, refreshing its recency if so. Caller holds v.mu.
func (v *Verifier) touchVerifiedLocked(id event.ID) bool {
	el, ok := v.verifiedIDs[id]
	if !ok {
		return false
	}
	v.verifiedOrder.MoveToFront(el)
	return true
}

func (v *Verifier) markVerifiedLocked(id event.ID) {
	if _, ok := v.verifiedIDs[id]; ok {
		return
	}
	el := v.verifiedOrder.PushFront(id)
	v.verifiedIDs[id] = el
	for v.verifiedOrder.Len() > v.lruSize {
		back := v.verifiedOrder.Back()
		if back == nil {
			break
		}
		v.verifiedOrder.Remove(back)
		delete(v.verifiedIDs, back.Value.(event.ID))
	}
}

// IsBlacklisted reports whether relayURL has had an invalid signature.
func (v *Verifier) IsBlacklisted(relayURL string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.relays[relayURL]
	return ok && state.blacklisted
}

// MarkBlacklisted excludes relayURL from future Check calls without
// requiring a prior bad signature, letting a caller seed a static
// exclusion list (spec §6 "blacklisted_relays") alongside the
// verifier's own dynamic blacklisting.
func (v *Verifier) MarkBlacklisted(relayURL string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.relays[relayURL]
	if !ok {
		state = &relayState{r: 1.0}
		v.relays[relayURL] = state
	}
	state.blacklisted = true
}

// ClearBlacklist removes relayURL's blacklist mark and resets its trust
// ratio to 1.0, letting the caller re-admit a relay after investigating
// a prior bad-signature report (spec S6: "excluded ... until the caller
// clears the blacklist").
func (v *Verifier) ClearBlacklist(relayURL string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.relays, relayURL)
}

// TrustRatio returns the current sampling ratio R for relayURL, or 1.0
// for a relay never seen before.
func (v *Verifier) TrustRatio(relayURL string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.relays[relayURL]
	if !ok {
		return 1.0
	}
	return state.r
}

// verifySignature recomputes the event id, compares it with e.ID, and
// checks the Schnorr signature with schnorr.Verify.
func verifySignature(e event.Event) bool {
	if e.ComputeID() != e.ID {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(e.PubKey[:])
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(e.Sig[:])
	if err != nil {
		return false
	}
	return sig.Verify(e.ID[:], pubKey)
}

// ConstantTimeEqual compares two signatures without leaking timing
// information about the position of the first differing byte.
func ConstantTimeEqual(a, b event.Sig) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
