// Package pool manages a URL-keyed set of relay connections.
package pool

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"nostrkit.dev/internal/netutil"
	"nostrkit.dev/relay"
)

// Handle is the pool's view of one relay: its connection plus whatever
// bookkeeping callers attach.
type Handle struct {
	URL  string
	Conn *relay.Conn
}

// Pool is a URL-keyed map of relay connections, safe for concurrent use.
// It does not decide when to connect; callers invoke Connect/ConnectAll
// explicitly.
type Pool struct {
	conns   *xsync.MapOf[string, *Handle]
	handler relay.Handler
	opts    []relay.Option
}

// New constructs an empty Pool. handler receives every inbound frame
// from every relay the pool manages; callers that need to know which
// relay an event came from should pass a handler that wraps per-relay
// dispatch itself (see sub.Manager).
func New(handler relay.Handler, opts ...relay.Option) *Pool {
	return &Pool{
		conns:   xsync.NewMapOf[string, *Handle](),
		handler: handler,
		opts:    opts,
	}
}

// Add normalizes url, creates (but does not connect) a relay.Conn for
// it using the pool's default handler, and registers it in the pool.
// Calling Add twice for the same normalized URL returns the existing
// handle.
func (p *Pool) Add(url string) (*Handle, error) {
	return p.AddWithHandler(url, p.handler)
}

// AddWithHandler is like Add but gives the caller its own handler for
// this relay's frames, instead of the pool's default one. Callers that
// need to know which relay delivered a frame (sub.Engine's per-relay
// subscription manager) construct a handler closure per URL and
// register it here, so a single Pool still backs every connection.
func (p *Pool) AddWithHandler(url string, handler relay.Handler) (*Handle, error) {
	normalized := netutil.NormalizeRelayURL(url)
	if normalized == "" {
		return nil, fmt.Errorf("pool: invalid relay url %q", url)
	}
	if h, ok := p.conns.Load(normalized); ok {
		return h, nil
	}

	conn, err := relay.NewConn(normalized, handler, p.opts...)
	if err != nil {
		return nil, err
	}
	h := &Handle{URL: normalized, Conn: conn}
	actual, _ := p.conns.LoadOrStore(normalized, h)
	return actual, nil
}

// Remove disconnects and forgets the relay at url.
func (p *Pool) Remove(url string) {
	normalized := netutil.NormalizeRelayURL(url)
	if h, ok := p.conns.LoadAndDelete(normalized); ok {
		h.Conn.Disconnect()
	}
}

// Get returns the handle for url, if the pool is tracking it.
func (p *Pool) Get(url string) (*Handle, bool) {
	normalized := netutil.NormalizeRelayURL(url)
	return p.conns.Load(normalized)
}

// Connected returns every handle currently in the Connected state.
func (p *Pool) Connected() []*Handle {
	var out []*Handle
	p.conns.Range(func(_ string, h *Handle) bool {
		if h.Conn.State() == relay.Connected {
			out = append(out, h)
		}
		return true
	})
	return out
}

// All returns every handle the pool is tracking, regardless of state.
func (p *Pool) All() []*Handle {
	out := make([]*Handle, 0, p.conns.Size())
	p.conns.Range(func(_ string, h *Handle) bool {
		out = append(out, h)
		return true
	})
	return out
}

// ConnectAll calls Connect on every tracked relay.
func (p *Pool) ConnectAll(ctx context.Context) {
	p.conns.Range(func(_ string, h *Handle) bool {
		h.Conn.Connect(ctx)
		return true
	})
}

// DisconnectAll disconnects every tracked relay.
func (p *Pool) DisconnectAll() {
	p.conns.Range(func(_ string, h *Handle) bool {
		h.Conn.Disconnect()
		return true
	})
}
