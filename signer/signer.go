// Package signer defines the Signer capability set (NIP-01 signing,
// NIP-04/NIP-44 encryption) and a Local implementation holding raw key
// material. The core never inspects key material beyond this interface.
package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostrkit.dev/event"
)

// Scheme identifies an encryption scheme a signer supports.
type Scheme int

const (
	// Legacy is NIP-04 (AES-256-CBC, deprecated but still accepted).
	Legacy Scheme = iota
	// Modern is NIP-44 v2 (chacha20 + hkdf + hmac).
	Modern
)

func (s Scheme) String() string {
	switch s {
	case Legacy:
		return "nip04"
	case Modern:
		return "nip44"
	default:
		return "unknown"
	}
}

// Signer is the capability set the rest of the module depends on for key
// material. Remote implementations may block on network for every call;
// callers must pass a context they're willing to have cancelled.
type Signer interface {
	PubKey(ctx context.Context) (event.PubKey, error)
	Sign(ctx context.Context, e event.Event) (event.Event, error)
	Encrypt(ctx context.Context, recipient event.PubKey, plaintext string, scheme Scheme) (string, error)
	Decrypt(ctx context.Context, sender event.PubKey, ciphertext string, scheme Scheme) (string, error)
	SupportedSchemes() []Scheme
}

// Local signs with a private key held in process memory.
type Local struct {
	priv *btcec.PrivateKey
	pub  event.PubKey
}

// NewLocal constructs a Local signer from a 32-byte secp256k1 private key.
func NewLocal(privKey [32]byte) (*Local, error) {
	priv, pub := btcec.PrivKeyFromBytes(privKey[:])
	if priv == nil {
		return nil, errors.New("signer: invalid private key")
	}
	var pk event.PubKey
	copy(pk[:], schnorrPubKeyBytes(pub))
	return &Local{priv: priv, pub: pk}, nil
}

// GenerateLocal creates a Local signer from fresh random key material.
func GenerateLocal() (*Local, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	var raw [32]byte
	copy(raw[:], priv.Serialize())
	return NewLocal(raw)
}

func schnorrPubKeyBytes(pub *btcec.PublicKey) []byte {
	return pub.SerializeCompressed()[1:]
}

// PubKey returns the signer's public key. Never blocks for Local.
func (l *Local) PubKey(ctx context.Context) (event.PubKey, error) {
	return l.pub, nil
}

// Sign computes the event id and a BIP-340 Schnorr signature over it,
// returning a copy of e with ID/PubKey/Sig populated.
func (l *Local) Sign(ctx context.Context, e event.Event) (event.Event, error) {
	e.PubKey = l.pub
	e.ID = e.ComputeID()
	sig, err := schnorr.Sign(l.priv, e.ID[:], schnorr.FastSign())
	if err != nil {
		return event.Event{}, fmt.Errorf("signer: sign: %w", err)
	}
	copy(e.Sig[:], sig.Serialize())
	return e, nil
}

// Encrypt dispatches to the scheme's conversation-key derivation and
// cipher.
func (l *Local) Encrypt(ctx context.Context, recipient event.PubKey, plaintext string, scheme Scheme) (string, error) {
	switch scheme {
	case Modern:
		key, err := conversationKey(l.priv, recipient)
		if err != nil {
			return "", err
		}
		return nip44Encrypt(plaintext, key)
	case Legacy:
		key, err := nip04SharedSecret(l.priv, recipient)
		if err != nil {
			return "", err
		}
		return nip04Encrypt(plaintext, key)
	default:
		return "", fmt.Errorf("signer: unsupported scheme %v", scheme)
	}
}

// Decrypt dispatches to the scheme's conversation-key derivation and
// cipher.
func (l *Local) Decrypt(ctx context.Context, sender event.PubKey, ciphertext string, scheme Scheme) (string, error) {
	switch scheme {
	case Modern:
		key, err := conversationKey(l.priv, sender)
		if err != nil {
			return "", err
		}
		return nip44Decrypt(ciphertext, key)
	case Legacy:
		key, err := nip04SharedSecret(l.priv, sender)
		if err != nil {
			return "", err
		}
		return nip04Decrypt(ciphertext, key)
	default:
		return "", fmt.Errorf("signer: unsupported scheme %v", scheme)
	}
}

// SupportedSchemes reports both schemes; Local has no reason to refuse
// the legacy one even though Modern is preferred for new conversations.
func (l *Local) SupportedSchemes() []Scheme {
	return []Scheme{Legacy, Modern}
}
