package signer

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostrkit.dev/event"
)

func TestLocalSignVerifyRoundTrip(t *testing.T) {
	s, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal: %v", err)
	}
	ctx := context.Background()

	pub, err := s.PubKey(ctx)
	if err != nil {
		t.Fatalf("PubKey: %v", err)
	}

	e := event.New(pub, 1, nil, "hello", 1700000000)
	signed, err := s.Sign(ctx, e)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if signed.ID != signed.ComputeID() {
		t.Fatalf("signed event id does not match its own canonical hash")
	}

	pubKey, err := schnorr.ParsePubKey(signed.PubKey[:])
	if err != nil {
		t.Fatalf("ParsePubKey: %v", err)
	}
	sig, err := schnorr.ParseSignature(signed.Sig[:])
	if err != nil {
		t.Fatalf("ParseSignature: %v", err)
	}
	if !sig.Verify(signed.ID[:], pubKey) {
		t.Fatalf("schnorr signature failed to verify")
	}
}

func TestLocalNip44RoundTrip(t *testing.T) {
	alice, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal alice: %v", err)
	}
	bob, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal bob: %v", err)
	}
	ctx := context.Background()

	bobPub, _ := bob.PubKey(ctx)
	alicePub, _ := alice.PubKey(ctx)

	ciphertext, err := alice.Encrypt(ctx, bobPub, "hello bob", Modern)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := bob.Decrypt(ctx, alicePub, ciphertext, Modern)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "hello bob" {
		t.Fatalf("got %q, want %q", plaintext, "hello bob")
	}
}

func TestLocalNip04RoundTrip(t *testing.T) {
	alice, _ := GenerateLocal()
	bob, _ := GenerateLocal()
	ctx := context.Background()
	bobPub, _ := bob.PubKey(ctx)
	alicePub, _ := alice.PubKey(ctx)

	ciphertext, err := alice.Encrypt(ctx, bobPub, "legacy message", Legacy)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := bob.Decrypt(ctx, alicePub, ciphertext, Legacy)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "legacy message" {
		t.Fatalf("got %q, want %q", plaintext, "legacy message")
	}
}

func TestRemoteReturnsNotImplemented(t *testing.T) {
	r := &Remote{}
	ctx := context.Background()
	if _, err := r.PubKey(ctx); err != ErrRemoteNotImplemented {
		t.Fatalf("want ErrRemoteNotImplemented, got %v", err)
	}
	if _, err := r.Sign(ctx, event.Event{}); err != ErrRemoteNotImplemented {
		t.Fatalf("want ErrRemoteNotImplemented, got %v", err)
	}
}
