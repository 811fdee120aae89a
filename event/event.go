package event

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// Tag is a single ordered sequence of strings, e.g. ["e", "<id>", "<relay>"].
type Tag []string

// Name returns the tag's first element, or "" if the tag is empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the ordered sequence of a event's tags.
type Tags []Tag

// FirstTag returns the first tag whose name matches, if any.
func (tags Tags) FirstTag(name string) (Tag, bool) {
	for _, t := range tags {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// TagValues returns the second element of every tag whose name matches.
func (tags Tags) TagValues(name string) []string {
	var out []string
	for _, t := range tags {
		if t.Name() == name && len(t) >= 2 {
			out = append(out, t[1])
		}
	}
	return out
}

// DTag returns the addressable-event "d" tag value, defaulting to "".
func (tags Tags) DTag() string {
	if t, ok := tags.FirstTag("d"); ok {
		return t.Value()
	}
	return ""
}

// Event is an immutable (once signed) Nostr event (NIP-01).
type Event struct {
	ID        ID     `json:"id"`
	PubKey    PubKey `json:"pubkey"`
	CreatedAt uint64 `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       Sig    `json:"sig"`
}

// New constructs an unsigned event. Callers must call Sign (see package
// signer) before the event is valid for publish or id computation against
// a relay-facing copy; ID/Sig are left zero.
func New(pubkey PubKey, kind int, tags Tags, content string, createdAt uint64) Event {
	if tags == nil {
		tags = Tags{}
	}
	return Event{
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

// CanonicalSerialization returns the exact bytes hashed to produce the
// event id: the JSON array [0, pubkey, created_at, kind, tags, content]
// with no extra whitespace and standard JSON string escaping.
func (e Event) CanonicalSerialization() []byte {
	var buf []byte
	buf = append(buf, '[', '0', ',')
	buf = appendJSONString(buf, e.PubKey.String())
	buf = append(buf, ',')
	buf = appendUint(buf, e.CreatedAt)
	buf = append(buf, ',')
	buf = appendInt(buf, e.Kind)
	buf = append(buf, ',')
	buf = appendTags(buf, e.Tags)
	buf = append(buf, ',')
	buf = appendJSONString(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

// ComputeID returns the SHA-256 of the event's canonical serialization.
func (e Event) ComputeID() ID {
	sum := sha256.Sum256(e.CanonicalSerialization())
	return ID(sum)
}

// ValidationError enumerates the ways a received event can fail validation.
type ValidationError string

const (
	ErrMalformedID   ValidationError = "malformed_id"
	ErrBadSignature  ValidationError = "bad_signature"
	ErrBadPubKey     ValidationError = "bad_pubkey"
	ErrBadTimestamp  ValidationError = "bad_timestamp"
)

func (e ValidationError) Error() string { return "event: " + string(e) }

// Verifier abstracts signature verification so the event package does not
// import a concrete crypto library; see package verify/signer for impls.
type Verifier interface {
	Verify(id ID, pubkey PubKey, sig Sig) bool
}

// Validator holds the timestamp-acceptance policy a caller configures; the
// core never silently drops events, it surfaces ErrBadTimestamp instead.
type Validator struct {
	// MaxFutureSkew bounds how far into the future created_at may be. Zero
	// disables the check.
	MaxFutureSkew uint64
	// Now returns the current unix time; overridable for tests.
	Now func() uint64
}

// Validate recomputes the id, checks it against e.ID, and (if v is
// non-nil) verifies the signature and timestamp window.
func Validate(e Event, v Verifier, tv *Validator) error {
	if e.ComputeID() != e.ID {
		return ErrMalformedID
	}
	if v != nil && !v.Verify(e.ID, e.PubKey, e.Sig) {
		return ErrBadSignature
	}
	if tv != nil && tv.MaxFutureSkew > 0 && tv.Now != nil {
		now := tv.Now()
		if e.CreatedAt > now+tv.MaxFutureSkew {
			return ErrBadTimestamp
		}
	}
	return nil
}

// Equal performs constant-time comparison, per the newtype invariant that
// ID/PubKey/Sig equality never leaks timing information about where bytes
// first differ.
func (id ID) Equal(other ID) bool {
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

func (pk PubKey) Equal(other PubKey) bool {
	return subtle.ConstantTimeCompare(pk[:], other[:]) == 1
}

func (s Sig) Equal(other Sig) bool {
	return subtle.ConstantTimeCompare(s[:], other[:]) == 1
}

// Kind ranges, per NIP-01/NIP-65.
const (
	KindProfile     = 0
	KindTextNote    = 1
	KindContactList = 3
	KindRepost      = 6
	KindReaction    = 7
	KindClientAuth  = 22242
	KindRelayList   = 10002
)

// IsReplaceable reports whether kind is in the 10000-19999 range.
func IsReplaceable(kind int) bool { return kind >= 10000 && kind < 20000 }

// IsAddressable reports whether kind is in the 30000-39999 range.
func IsAddressable(kind int) bool { return kind >= 30000 && kind < 40000 }

// IsEphemeral reports whether kind is in the 20000-29999 range.
func IsEphemeral(kind int) bool { return kind >= 20000 && kind < 30000 }

// IsRegular reports whether kind is none of the above (always stored).
func IsRegular(kind int) bool {
	return !IsReplaceable(kind) && !IsAddressable(kind) && !IsEphemeral(kind)
}

// ReplaceableKey identifies the canonical slot for a replaceable or
// addressable event: (pubkey, kind[, d-tag]).
type ReplaceableKey struct {
	PubKey PubKey
	Kind   int
	DTag   string // empty unless Kind is addressable
}

// Key returns the event's replaceable/addressable canonical key, or false
// if the event's kind is not replaceable/addressable.
func (e Event) Key() (ReplaceableKey, bool) {
	switch {
	case IsReplaceable(e.Kind):
		return ReplaceableKey{PubKey: e.PubKey, Kind: e.Kind}, true
	case IsAddressable(e.Kind):
		return ReplaceableKey{PubKey: e.PubKey, Kind: e.Kind, DTag: e.Tags.DTag()}, true
	default:
		return ReplaceableKey{}, false
	}
}

func appendJSONString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < 0x20 {
				buf = append(buf, []byte(fmt.Sprintf("\\u%04x", r))...)
			} else {
				buf = appendRune(buf, r)
			}
		}
	}
	buf = append(buf, '"')
	return buf
}

func appendRune(buf []byte, r rune) []byte {
	var tmp [4]byte
	n := encodeRuneUTF8(tmp[:], r)
	return append(buf, tmp[:n]...)
}

func encodeRuneUTF8(buf []byte, r rune) int {
	// Minimal UTF-8 encoder to avoid importing unicode/utf8 just for this;
	// mirrors its RuneLen/EncodeRune behavior for valid runes.
	switch {
	case r < 0x80:
		buf[0] = byte(r)
		return 1
	case r < 0x800:
		buf[0] = 0xC0 | byte(r>>6)
		buf[1] = 0x80 | byte(r&0x3F)
		return 2
	case r < 0x10000:
		buf[0] = 0xE0 | byte(r>>12)
		buf[1] = 0x80 | byte((r>>6)&0x3F)
		buf[2] = 0x80 | byte(r&0x3F)
		return 3
	default:
		buf[0] = 0xF0 | byte(r>>18)
		buf[1] = 0x80 | byte((r>>12)&0x3F)
		buf[2] = 0x80 | byte((r>>6)&0x3F)
		buf[3] = 0x80 | byte(r&0x3F)
		return 4
	}
}

func appendUint(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}

func appendInt(buf []byte, v int) []byte {
	if v < 0 {
		buf = append(buf, '-')
		v = -v
	}
	return appendUint(buf, uint64(v))
}

func appendTags(buf []byte, tags Tags) []byte {
	buf = append(buf, '[')
	for i, t := range tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, s := range t {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONString(buf, s)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, ']')
	return buf
}
