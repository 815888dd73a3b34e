// Package topology implements the client's local view of the cluster:
// the slot→node table plus the pool of live per-node connections, one
// per known node, and the single-threaded actor loop that serializes
// every mutation and every reply continuation onto one logical thread
// (grounded on kevwan-radix.v2's cluster.go callCh/spin() actor, which
// is the same "single-threaded cooperative, one event-loop thread owns
// all Topology/Command/Connection state" model spec section 5 requires).
package topology

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"rcluster/internal/conn"
	"rcluster/internal/logger"
	"rcluster/internal/rcerr"
	"rcluster/internal/slot"
)

// Opts configures a Topology.
type Opts struct {
	// DialTimeout bounds both the seed probe and per-node connection
	// dials.
	DialTimeout time.Duration
	// RefreshRate bounds how often a MarkMoved-triggered re-probe may
	// actually run; additional marks within the same window are coalesced.
	RefreshRate rate.Limit
	// RetryRate bounds how often a Command may resubmit after a FAILED
	// state's error callback returns RETRY, so a command stuck bouncing
	// off a misbehaving node cannot spin the event loop.
	RetryRate rate.Limit
	// MaxRedirects bounds MOVED/ASK recursion depth per Command (spec
	// section 9 open question; hardening, not a documented state
	// transition).
	MaxRedirects int
}

func (o *Opts) setDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.RefreshRate == 0 {
		o.RefreshRate = rate.Every(200 * time.Millisecond)
	}
	if o.RetryRate == 0 {
		o.RetryRate = rate.Every(20 * time.Millisecond)
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = 16
	}
}

// Topology is the single-threaded owner of the slot table and the
// connection pool for one cluster. It must not be shared across
// goroutines except through its public methods, all of which hand off
// to the actor loop.
type Topology struct {
	opts    Opts
	adapter conn.Adapter

	actorCh chan func()
	stopCh  chan struct{}

	slots [slot.Count]string
	nodes map[string]*conn.Connection

	needsRefresh atomic.Bool
	refreshLim   *rate.Limiter
	retryLim     *rate.Limiter
	seedAddr     string
}

// Init opens a temporary synchronous connection to seedAddr, probes the
// cluster topology with CLUSTER SLOTS, builds the slot table, and closes
// the probe. The probe is deliberately built on go-redis/v9's blocking
// client: it is the one place in this engine where a synchronous
// round-trip is correct, matching spec section 4.2's "temporary
// synchronous connection" requirement. Steady-state per-node connections
// never use go-redis; they are the async conn.Connection type.
func Init(ctx context.Context, seedAddr string, adapter conn.Adapter, timeout time.Duration, opts Opts) (*Topology, error) {
	opts.setDefaults()
	if timeout > 0 {
		opts.DialTimeout = timeout
	}

	t := &Topology{
		opts:       opts,
		adapter:    adapter,
		actorCh:    make(chan func()),
		stopCh:     make(chan struct{}),
		nodes:      make(map[string]*conn.Connection),
		refreshLim: rate.NewLimiter(opts.RefreshRate, 1),
		retryLim:   rate.NewLimiter(opts.RetryRate, 1),
		seedAddr:   seedAddr,
	}
	go t.run()

	if err := t.probe(ctx, seedAddr); err != nil {
		t.Disconnect()
		return nil, err
	}
	return t, nil
}

func (t *Topology) run() {
	for {
		select {
		case f := <-t.actorCh:
			f()
		case <-t.stopCh:
			return
		}
	}
}

// Enqueue implements conn.Enqueuer: every reply continuation runs here,
// on the actor loop, never concurrently with a Topology mutation.
func (t *Topology) Enqueue(f func()) {
	select {
	case t.actorCh <- f:
	case <-t.stopCh:
	}
}

// call runs f on the actor loop and blocks for its result.
func (t *Topology) call(f func()) {
	done := make(chan struct{})
	t.Enqueue(func() {
		f()
		close(done)
	})
	<-done
}

func (t *Topology) probe(ctx context.Context, addr string) error {
	pctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	seed := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: t.opts.DialTimeout})
	defer seed.Close()

	slots, err := seed.ClusterSlots(pctx).Result()
	if err != nil {
		return rcerr.Wrap(rcerr.ConnectionFailed, rcerr.StageReady, fmt.Errorf("probe %s: %w", addr, err))
	}
	if len(slots) == 0 {
		return rcerr.New(rcerr.CriticalFailure, rcerr.StageReady, "empty CLUSTER SLOTS reply")
	}

	var table [slot.Count]string
	for _, s := range slots {
		if len(s.Nodes) == 0 {
			return rcerr.New(rcerr.CriticalFailure, rcerr.StageReady, "slot range with no owning node")
		}
		nodeAddr := s.Nodes[0].Addr
		if s.Start < 0 || s.End >= slot.Count || s.Start > s.End {
			return rcerr.New(rcerr.CriticalFailure, rcerr.StageReady, "slot range out of bounds")
		}
		for i := s.Start; i <= s.End; i++ {
			table[i] = nodeAddr
		}
	}

	t.call(func() {
		t.slots = table
	})
	t.needsRefresh.Store(false)
	return nil
}

// ConnectionFor computes slot(key), looks up the owning node, and
// returns its existing Connection or dials a new one.
func (t *Topology) ConnectionFor(key []byte) (*conn.Connection, error) {
	if t.needsRefresh.Load() {
		go t.refresh()
	}

	s := slot.Of(key)
	var addr string
	t.call(func() { addr = t.slots[s] })
	if addr == "" {
		return nil, rcerr.New(rcerr.ConnectionFailed, rcerr.StageReady, "no node known for slot")
	}
	return t.connectionForAddr(addr)
}

func (t *Topology) connectionForAddr(addr string) (*conn.Connection, error) {
	var existing *conn.Connection
	t.call(func() { existing = t.nodes[addr] })
	if existing != nil {
		return existing, nil
	}
	return t.NewConnection(addr)
}

// NewConnection unconditionally dials a fresh connection to addr,
// inserts it into the pool, and returns it. Used for redirection targets
// that may not yet be in the table.
func (t *Topology) NewConnection(addr string) (*conn.Connection, error) {
	c, err := conn.Dial(addr, t, t.opts.DialTimeout)
	if err != nil {
		logger.WithAddr(addr).Warn("dial failed: %v", err)
		return nil, rcerr.Wrap(rcerr.ConnectionFailed, rcerr.StageReady, err)
	}
	if err := t.adapter.Attach(c); err != nil {
		c.Close()
		logger.WithAddr(addr).Warn("attach failed: %v", err)
		return nil, rcerr.Wrap(rcerr.ConnectionFailed, rcerr.StageReady, err)
	}
	logger.WithAddr(addr).Debug("connection opened")
	t.call(func() { t.nodes[addr] = c })
	return c, nil
}

// MarkMoved sets the dirty flag. The next ConnectionFor that observes it
// kicks off a rate-limited background re-probe; correctness only requires
// that some future request eventually observes the refreshed table
// (spec section 4.2 rationale, invariant 6).
func (t *Topology) MarkMoved() {
	t.needsRefresh.Store(true)
}

func (t *Topology) refresh() {
	if !t.refreshLim.Allow() {
		return
	}
	logger.Debug("re-probing topology from seed %s", t.seedAddr)
	if err := t.probe(context.Background(), t.seedAddr); err != nil {
		logger.Warn("topology re-probe failed: %v", err)
	}
}

// RemoveConnection implements conn.Owner. It is invoked from a
// Connection's reader goroutine on transport disconnect; the actual
// pool mutation is handed off to the actor loop to preserve the
// single-writer invariant.
func (t *Topology) RemoveConnection(c *conn.Connection) {
	logger.WithAddr(c.Addr()).Debug("connection removed")
	t.Enqueue(func() {
		if t.nodes[c.Addr()] == c {
			delete(t.nodes, c.Addr())
		}
	})
}

// Disconnect closes every connection and stops the actor loop. In-flight
// Commands observe their connections fail and terminate via their
// error/reply callbacks; no further callbacks fire after this returns.
func (t *Topology) Disconnect() {
	t.call(func() {
		for addr, c := range t.nodes {
			c.Close()
			delete(t.nodes, addr)
		}
	})
	close(t.stopCh)
}

// MaxRedirects returns the configured redirect-depth ceiling.
func (t *Topology) MaxRedirects() int { return t.opts.MaxRedirects }

// RetryDelay reserves a slot on the retry-pacing limiter and reports how
// long the caller must wait before resubmitting (0 if it may go now).
// Used by command.Command to pace FAILED->RETRY resubmissions.
func (t *Topology) RetryDelay() time.Duration {
	r := t.retryLim.Reserve()
	if !r.OK() {
		return 0
	}
	return r.Delay()
}

// Adapter returns the Adapter that NewConnection attaches every newly
// dialed connection with.
func (t *Topology) Adapter() conn.Adapter { return t.adapter }
