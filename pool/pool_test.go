package pool

import (
	"testing"

	"nostrkit.dev/event"
)

type nopHandler struct{}

func (nopHandler) OnEvent(string, event.Event)            {}
func (nopHandler) OnEOSE(string)                          {}
func (nopHandler) OnClosed(string, string)                {}
func (nopHandler) OnOK(event.ID, bool, string)             {}
func (nopHandler) OnNotice(string)                         {}
func (nopHandler) OnAuthChallenge(string)                  {}

func TestAddNormalizesAndDedupes(t *testing.T) {
	p := New(nopHandler{})
	h1, err := p.Add("wss://Relay.Example.com/")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	h2, err := p.Add("wss://relay.example.com")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected the same handle for equivalent URLs")
	}
	if len(p.All()) != 1 {
		t.Fatalf("expected 1 tracked relay, got %d", len(p.All()))
	}
}

func TestAddRejectsInvalidURL(t *testing.T) {
	p := New(nopHandler{})
	if _, err := p.Add("not-a-url"); err == nil {
		t.Fatalf("expected error for invalid url")
	}
}

func TestRemoveForgetsRelay(t *testing.T) {
	p := New(nopHandler{})
	if _, err := p.Add("wss://relay.example.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.Remove("wss://relay.example.com")
	if _, ok := p.Get("wss://relay.example.com"); ok {
		t.Fatalf("expected relay to be forgotten after Remove")
	}
}
