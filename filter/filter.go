// Package filter implements the Nostr REQ filter model (NIP-01): matching
// against events, structural merge, and wire (de)serialization.
package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"nostrkit.dev/event"
)

// Filter selects events by id, author, kind, time range and single-letter
// tag values. A zero-value Filter matches every event.
type Filter struct {
	IDs     []event.ID
	Authors []event.PubKey
	Kinds   []int
	Since   uint64 // 0 means unbounded
	Until   uint64 // 0 means unbounded
	Limit   int    // 0 means unset; advisory only, not enforced by Matches

	// Tags holds single-letter tag filters, e.g. Tags['e'] = ["id1", "id2"].
	// Wire form serializes this as "#e": [...].
	Tags map[byte][]string
}

// Matches reports whether e satisfies every populated field of f. Fields
// are short-circuited in the cheapest-to-check order.
func (f Filter) Matches(e event.Event) bool {
	if f.Since != 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && e.CreatedAt > f.Until {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsPubKey(f.Authors, e.PubKey) {
		return false
	}
	for name, values := range f.Tags {
		if !eventHasTag(e, name, values) {
			return false
		}
	}
	return true
}

// eventHasTag reports whether e carries a tag whose first element is the
// single letter name and whose second element is one of values.
func eventHasTag(e event.Event, name byte, values []string) bool {
	for _, t := range e.Tags {
		if t.Name() != string(name) {
			continue
		}
		v := t.Value()
		for _, want := range values {
			if v == want {
				return true
			}
		}
	}
	return false
}

// Merge returns the union of f and other iff they are structurally
// compatible: all non-collection fields (Since, Until, Limit) equal, and
// both carry exactly the same set of tag keys, whose values are unioned
// key by key (see mergeTagMaps). IDs/Authors/Kinds
// are unioned unconditionally; a merge that would silently broaden what
// the caller asked for is never performed for Since/Until/Limit.
func (f Filter) Merge(other Filter) (Filter, bool) {
	if f.Since != other.Since || f.Until != other.Until || f.Limit != other.Limit {
		return Filter{}, false
	}
	tags, ok := mergeTagMaps(f.Tags, other.Tags)
	if !ok {
		return Filter{}, false
	}
	merged := Filter{
		Since:   f.Since,
		Until:   f.Until,
		Limit:   f.Limit,
		IDs:     unionIDs(f.IDs, other.IDs),
		Authors: unionPubKeys(f.Authors, other.Authors),
		Kinds:   unionInts(f.Kinds, other.Kinds),
		Tags:    tags,
	}
	return merged, true
}

// mergeTagMaps requires a and b to carry exactly the same set of tag
// keys, unioning values under each. A key present in only one of the
// two would narrow the merged filter below what the wider of the two
// inputs matches, breaking Merge's soundness (m.matches(e) ⇔
// a.matches(e) ∨ b.matches(e)), so any key-set mismatch is rejected.
func mergeTagMaps(a, b map[byte][]string) (map[byte][]string, bool) {
	if len(a) != len(b) {
		return nil, false
	}
	if len(a) == 0 {
		return nil, true
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return nil, false
		}
	}
	out := make(map[byte][]string, len(a))
	for k, v := range a {
		out[k] = unionStrings(v, b[k])
	}
	return out, true
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsID(xs []event.ID, x event.ID) bool {
	for _, v := range xs {
		if v.Equal(x) {
			return true
		}
	}
	return false
}

func containsPubKey(xs []event.PubKey, x event.PubKey) bool {
	for _, v := range xs {
		if v.Equal(x) {
			return true
		}
	}
	return false
}

func unionIDs(a, b []event.ID) []event.ID {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := append([]event.ID(nil), a...)
	for _, v := range b {
		if !containsID(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func unionPubKeys(a, b []event.PubKey) []event.PubKey {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := append([]event.PubKey(nil), a...)
	for _, v := range b {
		if !containsPubKey(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func unionInts(a, b []int) []int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := append([]int(nil), a...)
	for _, v := range b {
		if !containsInt(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, v := range b {
		found := false
		for _, existing := range out {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}

// wireFilter is the JSON-on-the-wire shape: NIP-01 filters hold
// single-letter tag keys under a "#x" field name alongside the fixed
// fields.
type wireFilter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *uint64  `json:"since,omitempty"`
	Until   *uint64  `json:"until,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

// MarshalJSON renders the filter in NIP-01 wire form, with tag filters as
// "#<letter>" keys interleaved with the fixed fields.
func (f Filter) MarshalJSON() ([]byte, error) {
	w := wireFilter{Kinds: f.Kinds}
	for _, id := range f.IDs {
		w.IDs = append(w.IDs, id.String())
	}
	for _, pk := range f.Authors {
		w.Authors = append(w.Authors, pk.String())
	}
	if f.Since != 0 {
		w.Since = &f.Since
	}
	if f.Until != 0 {
		w.Until = &f.Until
	}
	if f.Limit != 0 {
		w.Limit = &f.Limit
	}

	base, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}

	// Splice "#x": [...] entries into the object before the closing brace,
	// in sorted key order for deterministic output.
	keys := make([]byte, 0, len(f.Tags))
	for k := range f.Tags {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	if len(base) > 2 { // base is more than "{}"
		buf.WriteByte(',')
	}
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "\"#%c\":", k)
		vals, err := json.Marshal(f.Tags[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vals)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a NIP-01 wire filter, recovering "#x" tag keys into
// Tags.
func (f *Filter) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var out Filter
	if v, ok := raw["ids"]; ok {
		var ids []string
		if err := json.Unmarshal(v, &ids); err != nil {
			return err
		}
		for _, s := range ids {
			id, err := event.IDFromHex(s)
			if err != nil {
				return fmt.Errorf("filter: %w", err)
			}
			out.IDs = append(out.IDs, id)
		}
	}
	if v, ok := raw["authors"]; ok {
		var authors []string
		if err := json.Unmarshal(v, &authors); err != nil {
			return err
		}
		for _, s := range authors {
			pk, err := event.PubKeyFromHex(s)
			if err != nil {
				return fmt.Errorf("filter: %w", err)
			}
			out.Authors = append(out.Authors, pk)
		}
	}
	if v, ok := raw["kinds"]; ok {
		if err := json.Unmarshal(v, &out.Kinds); err != nil {
			return err
		}
	}
	if v, ok := raw["since"]; ok {
		if err := json.Unmarshal(v, &out.Since); err != nil {
			return err
		}
	}
	if v, ok := raw["until"]; ok {
		if err := json.Unmarshal(v, &out.Until); err != nil {
			return err
		}
	}
	if v, ok := raw["limit"]; ok {
		if err := json.Unmarshal(v, &out.Limit); err != nil {
			return err
		}
	}
	for k, v := range raw {
		if len(k) != 2 || k[0] != '#' {
			continue
		}
		var values []string
		if err := json.Unmarshal(v, &values); err != nil {
			return err
		}
		if out.Tags == nil {
			out.Tags = make(map[byte][]string)
		}
		out.Tags[k[1]] = values
	}

	*f = out
	return nil
}
