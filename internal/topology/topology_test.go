package topology

import (
	"net"
	"testing"
	"time"

	"rcluster/internal/conn"
)

// fakeAdapter wraps each dialed net.Conn with a LoopAdapter, standing
// in for the production Attach binding without needing a real reactor.
type fakeAdapter struct{ conn.LoopAdapter }

func TestNewConnectionDialsAndAttaches(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	to := &Topology{
		opts:    Opts{DialTimeout: time.Second},
		adapter: fakeAdapter{},
		actorCh: make(chan func()),
		stopCh:  make(chan struct{}),
		nodes:   make(map[string]*conn.Connection),
	}
	go to.run()
	defer to.Disconnect()

	c, err := to.NewConnection(ln.Addr().String())
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if c.Addr() != ln.Addr().String() {
		t.Fatalf("Addr() = %q, want %q", c.Addr(), ln.Addr().String())
	}

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the dial")
	}

	var got *conn.Connection
	to.call(func() { got = to.nodes[ln.Addr().String()] })
	if got != c {
		t.Fatal("NewConnection did not register itself in the node pool")
	}
}

func TestRemoveConnectionDeletesOnlyMatchingEntry(t *testing.T) {
	to := &Topology{
		actorCh: make(chan func()),
		stopCh:  make(chan struct{}),
		nodes:   make(map[string]*conn.Connection),
	}
	go to.run()
	defer to.Disconnect()

	client, _ := net.Pipe()
	stale := conn.Wrap(client, "n1:6379", to)
	to.call(func() { to.nodes["n1:6379"] = stale })

	// a reconnect may have already replaced the entry by the time the
	// stale connection's disconnect notification arrives; RemoveConnection
	// must only delete if the map still points at the same Connection.
	client2, _ := net.Pipe()
	fresh := conn.Wrap(client2, "n1:6379", to)
	to.call(func() { to.nodes["n1:6379"] = fresh })

	to.RemoveConnection(stale)

	var got *conn.Connection
	to.call(func() { got = to.nodes["n1:6379"] })
	if got != fresh {
		t.Fatal("RemoveConnection deleted a newer connection for the same address")
	}
}

func TestMarkMovedSetsRefreshFlag(t *testing.T) {
	to := &Topology{
		actorCh: make(chan func()),
		stopCh:  make(chan struct{}),
		nodes:   make(map[string]*conn.Connection),
	}
	go to.run()
	defer to.Disconnect()

	if to.needsRefresh.Load() {
		t.Fatal("needsRefresh should start false")
	}
	to.MarkMoved()
	if !to.needsRefresh.Load() {
		t.Fatal("MarkMoved should set needsRefresh")
	}
}

func TestDisconnectClosesConnectionsAndStopsLoop(t *testing.T) {
	to := &Topology{
		actorCh: make(chan func()),
		stopCh:  make(chan struct{}),
		nodes:   make(map[string]*conn.Connection),
	}
	go to.run()

	client, _ := net.Pipe()
	c := conn.Wrap(client, "n1:6379", to)
	to.call(func() { to.nodes["n1:6379"] = c })

	to.Disconnect()

	if err := c.Submit("PING", nil, func(interface{}, error) {}); err == nil {
		t.Fatal("connection should be closed after Disconnect")
	}

	select {
	case <-to.stopCh:
	default:
		t.Fatal("stopCh should be closed after Disconnect")
	}
}
