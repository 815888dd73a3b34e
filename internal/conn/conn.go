package conn

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rcluster/internal/logger"
)

// ReplyFunc is invoked with the parsed reply (or a transport error) for
// exactly one Submit call, on the owning Enqueuer's single callback
// thread. The reply is borrowed for the duration of the call; the
// callback must not retain it afterwards.
type ReplyFunc func(reply interface{}, err error)

// Enqueuer serializes callback execution onto one logical thread, the
// "event-loop thread" of spec section 5. A Topology implements this so
// that every reply continuation across every Connection it owns runs
// without interleaving.
type Enqueuer interface {
	Enqueue(func())
}

// Owner is notified when a Connection's transport reports disconnect,
// so the connection pool can reap it (spec section 4.2 remove_connection).
type Owner interface {
	Enqueuer
	RemoveConnection(c *Connection)
}

// Adapter binds a freshly created Connection to an event reactor so
// read/write readiness triggers the transport's internal callbacks. It
// is supplied by the embedder; Attach must be idempotent per connection.
type Adapter interface {
	Attach(c *Connection) error
}

// LoopAdapter is the reference Adapter: it runs one reader goroutine per
// connection and posts completed replies back through the connection's
// Owner, which is exactly the single-threaded cooperative model spec
// section 5 requires at the callback layer even though I/O itself uses
// real goroutines underneath.
type LoopAdapter struct{}

func (LoopAdapter) Attach(c *Connection) error {
	c.attachOnce.Do(c.startReadLoop)
	return nil
}

// Connection is an opaque handle to a single server endpoint. It is
// exclusively owned by the Topology that created it; callers only ever
// hold a borrow.
type Connection struct {
	addr  string
	owner Owner
	nc    net.Conn

	mu         sync.Mutex
	reader     *bufio.Reader
	attachOnce sync.Once

	subscribed atomic.Bool
	closed     atomic.Bool

	pendingMu sync.Mutex
	pending   ReplyFunc
}

// Dial opens a TCP connection to addr and wraps it, but does not yet
// start its read loop -- that happens when an Adapter attaches it, per
// the external-interfaces contract.
func Dial(addr string, owner Owner, dialTimeout time.Duration) (*Connection, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", addr, err)
	}
	return Wrap(nc, addr, owner), nil
}

// Wrap adapts an already-established net.Conn (for instance one a custom
// Adapter dialed and authenticated itself) into a Connection without
// performing any I/O of its own.
func Wrap(nc net.Conn, addr string, owner Owner) *Connection {
	return &Connection{
		addr:   addr,
		owner:  owner,
		nc:     nc,
		reader: bufio.NewReader(nc),
	}
}

// Addr returns the node address this connection targets.
func (c *Connection) Addr() string { return c.addr }

// Subscribed reports whether the connection has entered subscription
// mode (a subscribe-family command was submitted on it). While true, the
// owning Command must not be destroyed after a reply.
func (c *Connection) Subscribed() bool { return c.subscribed.Load() }

// Submit writes cmd+args as a RESP request and installs cb as the
// continuation for the next reply. Only one Submit may be outstanding on
// a Connection at a time (the core never pipelines multiple in-flight
// user commands per spec's non-goals).
func (c *Connection) Submit(cmd string, args []string, cb ReplyFunc) error {
	if c.closed.Load() {
		return fmt.Errorf("conn: %s is closed", c.addr)
	}

	c.pendingMu.Lock()
	c.pending = cb
	c.pendingMu.Unlock()

	if isSubscribeCommand(cmd) && c.subscribed.CompareAndSwap(false, true) {
		logger.WithAddr(c.addr).Info("entering subscription mode via %s", cmd)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.nc.Write(encodeCommand(cmd, args))
	if err != nil {
		return fmt.Errorf("conn: write to %s: %w", c.addr, err)
	}
	return nil
}

// Close tears down the connection. Idempotent.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.nc.Close()
}

func (c *Connection) startReadLoop() {
	go func() {
		for {
			reply, err := readReply(c.reader)

			c.pendingMu.Lock()
			cb := c.pending
			if !c.subscribed.Load() {
				// outside subscription mode a reply is consumed by exactly
				// one Submit's callback; in subscription mode the same
				// callback stays armed so every further pushed message
				// keeps being delivered to it (spec's "further unsolicited
				// messages will arrive on the same callback").
				c.pending = nil
			}
			c.pendingMu.Unlock()

			if err != nil {
				c.closed.Store(true)
				logger.WithAddr(c.addr).Warn("read loop ended: %v", err)
				if c.owner != nil {
					c.owner.RemoveConnection(c)
				}
				if cb != nil {
					c.owner.Enqueue(func() { cb(nil, fmt.Errorf("conn: %s: %w", c.addr, err)) })
				}
				return
			}

			if cb == nil {
				// unsolicited message with no waiting continuation and no
				// subscription in effect: nothing to deliver it to.
				continue
			}
			if er, ok := reply.(*ErrReply); ok {
				// a domain-level error reply is a successful round trip: it is
				// handed to the callback as reply, with err left nil, so
				// transport failures (err != nil) stay distinguishable from
				// "server said -ERR".
				c.owner.Enqueue(func() { cb(er, nil) })
				continue
			}
			c.owner.Enqueue(func() { cb(reply, nil) })
		}
	}()
}
