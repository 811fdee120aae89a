package event

import (
	"crypto/sha256"
	"encoding/json"
	"testing"
)

func TestCanonicalSerializationMatchesHash(t *testing.T) {
	pk, err := PubKeyFromHex("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d")
	if err != nil {
		t.Fatalf("PubKeyFromHex: %v", err)
	}
	e := New(pk, 1, Tags{{"e", "deadbeef"}}, "hello \"world\"\n", 1700000000)
	got := e.CanonicalSerialization()
	want := `[0,"3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d",1700000000,1,[["e","deadbeef"]],"hello \"world\"\n"]`
	if string(got) != want {
		t.Fatalf("canonical serialization mismatch:\n got  %s\n want %s", got, want)
	}
	sum := sha256.Sum256(got)
	if e.ComputeID() != ID(sum) {
		t.Fatalf("ComputeID did not match manual sha256")
	}
}

func TestValidateMalformedID(t *testing.T) {
	pk, _ := PubKeyFromHex("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d")
	e := New(pk, 1, nil, "x", 1)
	// e.ID is left zero, which will not match ComputeID().
	if err := Validate(e, nil, nil); err != ErrMalformedID {
		t.Fatalf("want ErrMalformedID, got %v", err)
	}
	e.ID = e.ComputeID()
	if err := Validate(e, nil, nil); err != nil {
		t.Fatalf("want nil after fixing id, got %v", err)
	}
}

type fixedVerifier bool

func (f fixedVerifier) Verify(ID, PubKey, Sig) bool { return bool(f) }

func TestValidateBadSignature(t *testing.T) {
	pk, _ := PubKeyFromHex("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d")
	e := New(pk, 1, nil, "x", 1)
	e.ID = e.ComputeID()
	if err := Validate(e, fixedVerifier(false), nil); err != ErrBadSignature {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
	if err := Validate(e, fixedVerifier(true), nil); err != nil {
		t.Fatalf("want nil, got %v", err)
	}
}

func TestValidateBadTimestamp(t *testing.T) {
	pk, _ := PubKeyFromHex("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d")
	e := New(pk, 1, nil, "x", 1000)
	e.ID = e.ComputeID()
	tv := &Validator{MaxFutureSkew: 60, Now: func() uint64 { return 900 }}
	if err := Validate(e, nil, tv); err != ErrBadTimestamp {
		t.Fatalf("want ErrBadTimestamp, got %v", err)
	}
	tv.Now = func() uint64 { return 950 }
	if err := Validate(e, nil, tv); err != nil {
		t.Fatalf("want nil within skew, got %v", err)
	}
}

func TestIDPubKeySigJSONRoundTrip(t *testing.T) {
	pk, _ := PubKeyFromHex("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d")
	e := New(pk, 1, Tags{{"p", pk.String()}}, "round trip", 42)
	e.ID = e.ComputeID()

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Event
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !back.ID.Equal(e.ID) || !back.PubKey.Equal(e.PubKey) {
		t.Fatalf("round trip mismatch: got %+v want %+v", back, e)
	}
}

func TestKindRanges(t *testing.T) {
	cases := []struct {
		kind                                       int
		replaceable, addressable, ephemeral, regular bool
	}{
		{1, false, false, false, true},
		{0, false, false, false, true},
		{10002, true, false, false, false},
		{19999, true, false, false, false},
		{20000, false, false, true, false},
		{29999, false, false, true, false},
		{30023, false, true, false, false},
		{39999, false, true, false, false},
		{40000, false, false, false, true},
	}
	for _, c := range cases {
		if got := IsReplaceable(c.kind); got != c.replaceable {
			t.Errorf("IsReplaceable(%d) = %v, want %v", c.kind, got, c.replaceable)
		}
		if got := IsAddressable(c.kind); got != c.addressable {
			t.Errorf("IsAddressable(%d) = %v, want %v", c.kind, got, c.addressable)
		}
		if got := IsEphemeral(c.kind); got != c.ephemeral {
			t.Errorf("IsEphemeral(%d) = %v, want %v", c.kind, got, c.ephemeral)
		}
		if got := IsRegular(c.kind); got != c.regular {
			t.Errorf("IsRegular(%d) = %v, want %v", c.kind, got, c.regular)
		}
	}
}

func TestEventKey(t *testing.T) {
	pk, _ := PubKeyFromHex("3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d")
	repl := New(pk, 10002, nil, "", 1)
	if k, ok := repl.Key(); !ok || k.Kind != 10002 || k.PubKey != pk {
		t.Fatalf("replaceable key wrong: %+v %v", k, ok)
	}
	addr := New(pk, 30023, Tags{{"d", "my-article"}}, "", 1)
	if k, ok := addr.Key(); !ok || k.DTag != "my-article" {
		t.Fatalf("addressable key wrong: %+v %v", k, ok)
	}
	reg := New(pk, 1, nil, "", 1)
	if _, ok := reg.Key(); ok {
		t.Fatalf("regular event should have no replaceable key")
	}
}

func TestTagHelpers(t *testing.T) {
	tags := Tags{{"e", "id1"}, {"p", "pk1"}, {"e", "id2"}, {"d", "slot"}}
	if v := tags.TagValues("e"); len(v) != 2 || v[0] != "id1" || v[1] != "id2" {
		t.Fatalf("TagValues(e) = %v", v)
	}
	if tags.DTag() != "slot" {
		t.Fatalf("DTag() = %q", tags.DTag())
	}
	if _, ok := tags.FirstTag("missing"); ok {
		t.Fatalf("FirstTag(missing) should not be found")
	}
}
