package sub

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nostrkit.dev/event"
	"nostrkit.dev/filter"
	"nostrkit.dev/relay"
	"nostrkit.dev/verify"
)

// wireGroup is one merged REQ in flight on a relay: the set of
// caller-level Subscriptions whose filters were merged onto a single
// relay-local subscription id.
type wireGroup struct {
	wireID    string
	partition string
	filters   []filter.Filter
	members   map[string]*Subscription
	flushed   bool
	flushTimer *time.Timer
}

// relayManager is the per-relay subscription manager described in
// §4.8: it holds the live wire groups targeted at one relay, accepts
// new subscription registrations synchronously (before any REQ is
// written), and routes EVENT/EOSE/CLOSED frames back to the
// subscriptions that asked for them. One relayManager is constructed
// per relay URL and installed as that relay.Conn's Handler.
type relayManager struct {
	url    string
	engine *Engine

	mu     sync.Mutex
	groups map[string]*wireGroup

	connMu sync.Mutex
	conn   *relay.Conn

	idSeq uint64
}

func newRelayManager(url string, engine *Engine) *relayManager {
	return &relayManager{
		url:    url,
		engine: engine,
		groups: make(map[string]*wireGroup),
	}
}

func (rm *relayManager) setConn(c *relay.Conn) {
	rm.connMu.Lock()
	rm.conn = c
	rm.connMu.Unlock()
}

func (rm *relayManager) nextWireID() string {
	n := atomic.AddUint64(&rm.idSeq, 1)
	return fmt.Sprintf("%s-%d", rm.url, n)
}

// attach registers sub against this relay, synchronously, before any
// REQ reaches the writer: it joins an existing group whose
// close_on_eose partition matches, folding its filters in through
// tryMergeAll (which never refuses), and reissues the REQ immediately
// if that group has already flushed (late-arrival case). Only when no
// group of its partition exists does it open a fresh group and arm a
// grouping window timer.
func (rm *relayManager) attach(sub *Subscription) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	partition := sub.opts.partitionKey()
	for _, g := range rm.groups {
		if g.partition != partition {
			continue
		}
		if merged, ok := tryMergeAll(g.filters, sub.filters); ok {
			g.filters = merged
			g.members[sub.id] = sub
			if g.flushed {
				rm.sendREQLocked(g)
			}
			return
		}
	}

	g := &wireGroup{
		wireID:    rm.nextWireID(),
		partition: partition,
		filters:   append([]filter.Filter(nil), sub.filters...),
		members:   map[string]*Subscription{sub.id: sub},
	}
	rm.groups[g.wireID] = g

	window := sub.opts.GroupingWindow
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	g.flushTimer = time.AfterFunc(window, func() {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		if _, ok := rm.groups[g.wireID]; !ok {
			return
		}
		rm.sendREQLocked(g)
	})
}

// tryMergeAll folds every filter in b into a: each b filter is merged
// into the first a filter that filter.Merge accepts it with, or is
// appended unmodified when none does (a group's wire REQ is itself a
// filter list, not a single filter). It always reports true.
func tryMergeAll(a, b []filter.Filter) ([]filter.Filter, bool) {
	out := append([]filter.Filter(nil), a...)
	for _, bf := range b {
		merged := false
		for i, af := range out {
			if m, ok := af.Merge(bf); ok {
				out[i] = m
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, bf)
		}
	}
	return out, true
}

// sendREQLocked flushes g's merged filter set to the wire. Caller
// holds rm.mu.
func (rm *relayManager) sendREQLocked(g *wireGroup) {
	g.flushed = true
	rm.connMu.Lock()
	c := rm.conn
	rm.connMu.Unlock()
	if c == nil || c.State() != relay.Connected {
		return
	}
	filters := make([]any, len(g.filters))
	for i, f := range g.filters {
		filters[i] = f
	}
	if err := c.SendReq(g.wireID, filters...); err != nil {
		slog.Warn("sub: failed to send REQ", "relay", rm.url, "sub", g.wireID, "error", err)
	}
}

// detach removes sub from every group it belongs to on this relay. A
// group left with no members is CLOSEd and discarded.
func (rm *relayManager) detach(sub *Subscription) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for wireID, g := range rm.groups {
		if _, ok := g.members[sub.id]; !ok {
			continue
		}
		delete(g.members, sub.id)
		if len(g.members) == 0 {
			if g.flushTimer != nil {
				g.flushTimer.Stop()
			}
			delete(rm.groups, wireID)
			rm.connMu.Lock()
			c := rm.conn
			rm.connMu.Unlock()
			if c != nil {
				_ = c.SendClose(wireID)
			}
		}
	}
}

// replay resends the merged REQ for every flushed group, used when
// the relay transitions back to Connected. Groups that never flushed
// (their grouping window hasn't elapsed yet) are left for their own
// timer. A group every member of which has already reached a terminal
// state (e.g. a close_on_eose fetch that completed while disconnected)
// is dropped instead of replayed: detach should have already removed
// it, but a group is skipped here too rather than resending a REQ
// nothing is listening for.
func (rm *relayManager) replay() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for wireID, g := range rm.groups {
		if !g.flushed {
			continue
		}
		if allMembersClosed(g) {
			if g.flushTimer != nil {
				g.flushTimer.Stop()
			}
			delete(rm.groups, wireID)
			continue
		}
		rm.sendREQLocked(g)
	}
}

func allMembersClosed(g *wireGroup) bool {
	for _, s := range g.members {
		if !s.isClosed() {
			return false
		}
	}
	return true
}

// --- relay.Handler ---

func (rm *relayManager) OnEvent(wireID string, e event.Event) {
	if rm.engine.verifier != nil {
		switch rm.engine.verifier.Check(rm.url, e) {
		case verify.Reject, verify.Blacklisted:
			return
		}
	}

	rm.mu.Lock()
	g, ok := rm.groups[wireID]
	var members []*Subscription
	if ok {
		members = make([]*Subscription, 0, len(g.members))
		for _, s := range g.members {
			members = append(members, s)
		}
	}
	rm.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	for _, sub := range members {
		if sub.isClosed() || !sub.matchesAny(e) {
			continue
		}
		if !rm.engine.dedup.admit(sub.id, rm.url, e.ID, now) {
			continue
		}
		rm.engine.writeThrough(e)
		sub.deliver(e)
	}
}

func (rm *relayManager) OnEOSE(wireID string) {
	rm.mu.Lock()
	g, ok := rm.groups[wireID]
	var members []*Subscription
	if ok {
		members = make([]*Subscription, 0, len(g.members))
		for _, s := range g.members {
			members = append(members, s)
		}
	}
	rm.mu.Unlock()
	if !ok {
		return
	}
	for _, sub := range members {
		sub.noteEOSE(rm.url)
	}
}

func (rm *relayManager) OnClosed(wireID, reason string) {
	rm.mu.Lock()
	g, ok := rm.groups[wireID]
	if ok {
		delete(rm.groups, wireID)
	}
	rm.mu.Unlock()
	if !ok {
		return
	}
	for _, sub := range g.members {
		sub.noteEOSE(rm.url)
	}
}

func (rm *relayManager) OnOK(id event.ID, accepted bool, message string) {
	rm.engine.publishNotify(rm.url, id, accepted, message)
}

func (rm *relayManager) OnNotice(text string) {
	slog.Info("sub: relay notice", "relay", rm.url, "message", text)
}

func (rm *relayManager) OnAuthChallenge(challenge string) {
	rm.engine.authNotify(rm.url, challenge)
}

var _ relay.Handler = (*relayManager)(nil)
