package relay

import (
	"encoding/json"
	"testing"
	"time"

	"nostrkit.dev/event"
)

func rawFrame(t *testing.T, s string) []json.RawMessage {
	t.Helper()
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		t.Fatalf("rawFrame: %v", err)
	}
	return raw
}

type recordingHandler struct {
	events    []event.Event
	eoseSubs  []string
	closed    []string
	oks       []bool
	notices   []string
	challenge string
}

func (h *recordingHandler) OnEvent(subID string, e event.Event) { h.events = append(h.events, e) }
func (h *recordingHandler) OnEOSE(subID string)                 { h.eoseSubs = append(h.eoseSubs, subID) }
func (h *recordingHandler) OnClosed(subID, reason string)       { h.closed = append(h.closed, subID) }
func (h *recordingHandler) OnOK(id event.ID, accepted bool, message string) {
	h.oks = append(h.oks, accepted)
}
func (h *recordingHandler) OnNotice(text string)          { h.notices = append(h.notices, text) }
func (h *recordingHandler) OnAuthChallenge(challenge string) { h.challenge = challenge }

func TestParseOKMessage(t *testing.T) {
	cases := []struct {
		msg    string
		prefix OKPrefix
		pow    int
	}{
		{"auth-required: please authenticate", OKPrefixAuthRequired, 0},
		{"pow: 20", OKPrefixPoW, 20},
		{"rate-limited: slow down", OKPrefixRateLimited, 0},
		{"invalid: bad event", OKPrefixInvalid, 0},
		{"blocked: pubkey banned", OKPrefixBlocked, 0},
		{"error: something broke", OKPrefixError, 0},
		{"duplicate: already have this event", OKPrefixNone, 0},
	}
	for _, c := range cases {
		prefix, n := ParseOKMessage(c.msg)
		if prefix != c.prefix {
			t.Errorf("ParseOKMessage(%q) prefix = %v, want %v", c.msg, prefix, c.prefix)
		}
		if n != c.pow {
			t.Errorf("ParseOKMessage(%q) pow = %d, want %d", c.msg, n, c.pow)
		}
	}
}

func TestNewConnRejectsUnsafeURL(t *testing.T) {
	if _, err := NewConn("http://relay.example.com", &recordingHandler{}); err == nil {
		t.Fatalf("expected error for non-websocket scheme")
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	b := DefaultBackoff()
	d := b.delay(20)
	if d > b.Max+time.Duration(float64(b.Max)*b.JitterFrac) {
		t.Fatalf("delay %v exceeds max+jitter bound", d)
	}
}

func TestStateChangesDeliversTransitions(t *testing.T) {
	c := &Conn{state: Disconnected, writeCh: make(chan frame, 1)}
	ch := c.StateChanges()
	c.setState(Connecting)
	select {
	case s := <-ch:
		if s != Connecting {
			t.Fatalf("got %v, want Connecting", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for state change")
	}
}

func TestDispatchRoutesEventAndEOSE(t *testing.T) {
	h := &recordingHandler{}
	c := &Conn{Handler: h, writeCh: make(chan frame, 1)}

	e := event.New(event.PubKey{}, 1, nil, "hi", 1)
	e.ID = e.ComputeID()
	eventJSON, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	c.dispatch(rawFrame(t, `["EVENT","sub1",`+string(eventJSON)+`]`))
	if len(h.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(h.events))
	}

	c.dispatch(rawFrame(t, `["EOSE","sub1"]`))
	if len(h.eoseSubs) != 1 || h.eoseSubs[0] != "sub1" {
		t.Fatalf("expected EOSE for sub1, got %v", h.eoseSubs)
	}

	c.dispatch(rawFrame(t, `["NOTICE","hello"]`))
	if len(h.notices) != 1 || h.notices[0] != "hello" {
		t.Fatalf("expected notice, got %v", h.notices)
	}
}
