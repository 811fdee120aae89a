// Package relay implements a single relay's websocket connection state
// machine (NIP-01 wire protocol), with automatic reconnect backoff,
// serial outbound writes, and an idle ping/pong watchdog.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"nostrkit.dev/event"
	"nostrkit.dev/internal/logctx"
	"nostrkit.dev/internal/netutil"
)

// State is a node in the per-relay connection state machine (spec §4.6).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	AwaitingAuth
	Disconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AwaitingAuth:
		return "awaiting_auth"
	case Disconnecting:
		return "disconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// OKPrefix classifies the well-known prefixes an OK message's string can
// carry (NIP-01).
type OKPrefix int

const (
	OKPrefixNone OKPrefix = iota
	OKPrefixAuthRequired
	OKPrefixPoW
	OKPrefixRateLimited
	OKPrefixInvalid
	OKPrefixBlocked
	OKPrefixError
)

// ParseOKMessage classifies msg by its well-known prefix, returning the
// PoW difficulty argument when the prefix is "pow:".
func ParseOKMessage(msg string) (OKPrefix, int) {
	switch {
	case strings.HasPrefix(msg, "auth-required:"):
		return OKPrefixAuthRequired, 0
	case strings.HasPrefix(msg, "pow:"):
		var n int
		fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(msg, "pow:")), "%d", &n)
		return OKPrefixPoW, n
	case strings.HasPrefix(msg, "rate-limited"):
		return OKPrefixRateLimited, 0
	case strings.HasPrefix(msg, "invalid:"):
		return OKPrefixInvalid, 0
	case strings.HasPrefix(msg, "blocked:"):
		return OKPrefixBlocked, 0
	case strings.HasPrefix(msg, "error:"):
		return OKPrefixError, 0
	default:
		return OKPrefixNone, 0
	}
}

// Handler receives inbound frames dispatched by a Conn's read loop.
// Implementations must not block for long; the engine that owns a
// Handler should hand work off to its own goroutines/channels.
type Handler interface {
	OnEvent(subID string, e event.Event)
	OnEOSE(subID string)
	OnClosed(subID, reason string)
	OnOK(id event.ID, accepted bool, message string)
	OnNotice(text string)
	OnAuthChallenge(challenge string)
}

// BackoffConfig controls reconnect backoff (spec §4.6: base 1s, factor
// 2, max 60s, ±20% jitter).
type BackoffConfig struct {
	Base       time.Duration
	Factor     float64
	Max        time.Duration
	JitterFrac float64
}

// DefaultBackoff matches the spec's defaults.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Second, Factor: 2, Max: 60 * time.Second, JitterFrac: 0.2}
}

func (b BackoffConfig) delay(attempt int) time.Duration {
	d := float64(b.Base) * pow(b.Factor, attempt)
	if max := float64(b.Max); d > max {
		d = max
	}
	jitter := d * b.JitterFrac * (rand.Float64()*2 - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// Conn manages one relay's websocket connection. Connect starts a
// supervisor goroutine that dials, reads, writes and reconnects with
// backoff until Disconnect is called.
type Conn struct {
	URL     string
	Handler Handler
	Backoff BackoffConfig

	// PingInterval governs the idle watchdog; two missed pongs trigger
	// a close and reconnect.
	PingInterval time.Duration

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	writeCh chan frame
	stopCh  chan struct{}
	wg      sync.WaitGroup

	subscribers []chan State

	limiter *rate.Limiter

	connID string
}

type frame struct {
	payload any
	done    chan error // optional, signaled once the write completes
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithWriteRateLimit bounds outbound frame pacing (default: unlimited).
func WithWriteRateLimit(perSecond float64, burst int) Option {
	return func(c *Conn) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithPingInterval overrides the idle-ping cadence (default 30s).
func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) { c.PingInterval = d }
}

// NewConn constructs a Conn targeting relayURL. The URL is normalized
// and validated for safety (no connections to private network ranges
// beyond loopback) before any dial is attempted.
func NewConn(relayURL string, handler Handler, opts ...Option) (*Conn, error) {
	normalized := netutil.NormalizeRelayURL(relayURL)
	if normalized == "" {
		return nil, fmt.Errorf("relay: invalid relay url %q", relayURL)
	}
	if !netutil.IsSafe(normalized) {
		return nil, fmt.Errorf("relay: url blocked, unsafe destination: %s", normalized)
	}
	c := &Conn{
		URL:          normalized,
		Handler:      handler,
		Backoff:      DefaultBackoff(),
		PingInterval: 30 * time.Second,
		state:        Disconnected,
		writeCh:      make(chan frame, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChanges returns a channel that receives every state transition.
// The channel is buffered (size 8); a slow subscriber drops the oldest
// unread transition rather than blocking the connection.
func (c *Conn) StateChanges() <-chan State {
	ch := make(chan State, 8)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	subs := append([]chan State(nil), c.subscribers...)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Connect starts the supervisor goroutine. It returns immediately; watch
// StateChanges() or poll State() to observe progress.
func (c *Conn) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state != Disconnected && c.state != Failed {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.supervise(ctx)
}

// Disconnect transitions to Disconnecting and stops the supervisor; no
// reconnect is scheduled afterward.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	stop := c.stopCh
	ws := c.ws
	c.mu.Unlock()
	c.setState(Disconnecting)

	if stop != nil {
		close(stop)
	}
	if ws != nil {
		ws.Close()
	}
	c.wg.Wait()
	c.setState(Disconnected)
}

func (c *Conn) supervise(ctx context.Context) {
	defer c.wg.Done()
	attempt := 0
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.setState(Connecting)
		connID := logctx.NewConnID()
		connCtx := logctx.WithConnID(ctx, connID)
		log := logctx.FromContext(connCtx)

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
		if err != nil {
			log.Warn("relay: dial failed", "url", c.URL, "err", err, "attempt", attempt)
			if !c.sleepBackoff(attempt) {
				return
			}
			attempt++
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.connID = connID
		c.mu.Unlock()
		attempt = 0
		c.setState(Connected)
		log.Info("relay: connected", "url", c.URL)

		c.runSession(connCtx, ws)

		select {
		case <-c.stopCh:
			return
		default:
		}
		if !c.sleepBackoff(attempt) {
			return
		}
		attempt++
	}
}

func (c *Conn) sleepBackoff(attempt int) bool {
	d := c.Backoff.delay(attempt)
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// runSession owns one dialed connection's read/write/ping loops until
// any of them observes an error or stopCh closes.
func (c *Conn) runSession(ctx context.Context, ws *websocket.Conn) {
	sessionDone := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(sessionDone) }) }

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.readLoop(ctx, ws, stop) }()
	go func() { defer wg.Done(); c.writeLoop(ctx, ws, sessionDone) }()
	go func() { defer wg.Done(); c.pingLoop(ws, sessionDone, stop) }()

	select {
	case <-sessionDone:
	case <-c.stopCh:
		stop()
	}
	ws.Close()
	wg.Wait()

	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, stop func()) {
	defer stop()
	log := logctx.FromContext(ctx)
	for {
		var raw []json.RawMessage
		if err := ws.ReadJSON(&raw); err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Debug("relay: read error", "url", c.URL, "err", err)
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *Conn) dispatch(raw []json.RawMessage) {
	if len(raw) < 1 || c.Handler == nil {
		return
	}
	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return
	}
	switch kind {
	case "EVENT":
		if len(raw) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return
		}
		var e event.Event
		if err := json.Unmarshal(raw[2], &e); err != nil {
			return
		}
		c.Handler.OnEvent(subID, e)
	case "EOSE":
		if len(raw) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return
		}
		c.Handler.OnEOSE(subID)
	case "CLOSED":
		if len(raw) < 2 {
			return
		}
		var subID, reason string
		_ = json.Unmarshal(raw[1], &subID)
		if len(raw) >= 3 {
			_ = json.Unmarshal(raw[2], &reason)
		}
		c.Handler.OnClosed(subID, reason)
	case "OK":
		if len(raw) < 4 {
			return
		}
		var idHex string
		var accepted bool
		var message string
		_ = json.Unmarshal(raw[1], &idHex)
		_ = json.Unmarshal(raw[2], &accepted)
		_ = json.Unmarshal(raw[3], &message)
		id, err := event.IDFromHex(idHex)
		if err != nil {
			return
		}
		c.Handler.OnOK(id, accepted, message)
	case "NOTICE":
		if len(raw) < 2 {
			return
		}
		var text string
		_ = json.Unmarshal(raw[1], &text)
		c.Handler.OnNotice(text)
	case "AUTH":
		if len(raw) < 2 {
			return
		}
		var challenge string
		_ = json.Unmarshal(raw[1], &challenge)
		c.setState(AwaitingAuth)
		c.Handler.OnAuthChallenge(challenge)
	default:
		slog.Default().Debug("relay: unknown frame type", "kind", kind, "url", c.URL)
	}
}

// writeLoop is the serial write task: every outbound frame funnels
// through this single goroutine so send ordering is deterministic.
func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-c.stopCh:
			return
		case f := <-c.writeCh:
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					reportDone(f.done, err)
					continue
				}
			}
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := ws.WriteJSON(f.payload)
			ws.SetWriteDeadline(time.Time{})
			reportDone(f.done, err)
			if err != nil {
				return
			}
		}
	}
}

func reportDone(done chan error, err error) {
	if done == nil {
		return
	}
	select {
	case done <- err:
	default:
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, done chan struct{}, stop func()) {
	if c.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()
	missed := 0
	ws.SetPongHandler(func(string) error { missed = 0; return nil })
	for {
		select {
		case <-done:
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			missed++
			if missed > 2 {
				stop()
				return
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				stop()
				return
			}
		}
	}
}

// send enqueues a frame on the serial write task, returning an error
// only if the connection is not currently writable (no session active).
func (c *Conn) send(payload any) error {
	c.mu.Lock()
	connected := c.ws != nil
	c.mu.Unlock()
	if !connected {
		return errors.New("relay: not connected")
	}
	select {
	case c.writeCh <- frame{payload: payload}:
		return nil
	default:
		return errors.New("relay: write queue full")
	}
}

// SendEvent writes ["EVENT", event].
func (c *Conn) SendEvent(e event.Event) error {
	return c.send([]any{"EVENT", e})
}

// SendReq writes ["REQ", subID, filter1, filter2, ...].
func (c *Conn) SendReq(subID string, filters ...any) error {
	payload := append([]any{"REQ", subID}, filters...)
	return c.send(payload)
}

// SendClose writes ["CLOSE", subID].
func (c *Conn) SendClose(subID string) error {
	return c.send([]any{"CLOSE", subID})
}

// SendAuth writes ["AUTH", authEvent] and, if the connection was waiting
// in AwaitingAuth, does not itself transition state — the caller should
// wait for the relay's OK on the AUTH event to confirm auth_ok/auth_fail.
func (c *Conn) SendAuth(authEvent event.Event) error {
	return c.send([]any{"AUTH", authEvent})
}

// ConfirmAuthOK transitions AwaitingAuth -> Connected after the relay
// accepts the AUTH event.
func (c *Conn) ConfirmAuthOK() {
	c.mu.Lock()
	if c.state == AwaitingAuth {
		c.mu.Unlock()
		c.setState(Connected)
		return
	}
	c.mu.Unlock()
}

// ConfirmAuthFailed transitions AwaitingAuth -> Failed.
func (c *Conn) ConfirmAuthFailed() {
	c.mu.Lock()
	if c.state == AwaitingAuth {
		c.mu.Unlock()
		c.setState(Failed)
		return
	}
	c.mu.Unlock()
}
