package signer

import (
	"context"
	"errors"

	"nostrkit.dev/event"
)

// ErrRemoteNotImplemented is returned by every Remote method: the wire
// protocol (kind 24133 encrypted RPC per NIP-46) is out of scope here.
// Remote exists so callers can type-assert against the Signer interface
// and see the shape a bunker-backed signer would take.
var ErrRemoteNotImplemented = errors.New("signer: remote signer RPC not implemented")

// RemoteRequest mirrors the NIP-46 JSON-RPC envelope a Remote would send
// as the encrypted content of a kind 24133 event.
type RemoteRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// RemoteResponse mirrors the JSON-RPC reply a Remote would decrypt out
// of the bunker's kind 24133 response event.
type RemoteResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Remote documents the NIP-46 remote-signer seam: every call would
// round-trip an encrypted RemoteRequest/RemoteResponse pair over the
// relay pool to a bunker holding the actual key material. Constructing
// one is possible so code can be wired against the Signer interface
// ahead of the transport being implemented.
type Remote struct {
	// RemotePubKey is the bunker's pubkey, used as the NIP-44 recipient
	// for every request.
	RemotePubKey event.PubKey
	// UserPubKey is the pubkey the bunker signs on behalf of, once
	// known from the connect response.
	UserPubKey event.PubKey
}

func (r *Remote) PubKey(ctx context.Context) (event.PubKey, error) {
	return event.PubKey{}, ErrRemoteNotImplemented
}

func (r *Remote) Sign(ctx context.Context, e event.Event) (event.Event, error) {
	return event.Event{}, ErrRemoteNotImplemented
}

func (r *Remote) Encrypt(ctx context.Context, recipient event.PubKey, plaintext string, scheme Scheme) (string, error) {
	return "", ErrRemoteNotImplemented
}

func (r *Remote) Decrypt(ctx context.Context, sender event.PubKey, ciphertext string, scheme Scheme) (string, error) {
	return "", ErrRemoteNotImplemented
}

func (r *Remote) SupportedSchemes() []Scheme {
	return []Scheme{Legacy, Modern}
}

var _ Signer = (*Remote)(nil)
var _ Signer = (*Local)(nil)
