package command

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"rcluster/internal/conn"
	"rcluster/internal/rcerr"
)

// fakeOwner runs every enqueued continuation inline, on whatever
// goroutine calls Enqueue (the Connection's own reader goroutine in
// these tests). That is a stricter, single-threaded-only schedule than
// production's actor loop, which is fine for exercising the Command
// state machine in isolation.
type fakeOwner struct {
	mu sync.Mutex
}

func (o *fakeOwner) Enqueue(f func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f()
}

func (o *fakeOwner) RemoveConnection(*conn.Connection) {}

// fakeTopology is the command.Topology test double.
type fakeTopology struct {
	mu           sync.Mutex
	maxRedirects int
	moved        int
	retryDelay   time.Duration
	dial         func(addr string) (*conn.Connection, error)
}

func (f *fakeTopology) MarkMoved() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moved++
}

func (f *fakeTopology) movedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moved
}

func (f *fakeTopology) NewConnection(addr string) (*conn.Connection, error) {
	return f.dial(addr)
}

func (f *fakeTopology) MaxRedirects() int { return f.maxRedirects }

// RetryDelay reports no pacing delay by default; tests exercising pacing
// set a fake limiter behavior through retryDelay below.
func (f *fakeTopology) RetryDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryDelay
}

// Enqueue runs f inline, matching fakeOwner's single-threaded schedule.
func (f *fakeTopology) Enqueue(fn func()) { fn() }

// scriptedServer owns the far end of a net.Pipe and answers requests
// with canned RESP replies, one per readRequest call.
type scriptedServer struct {
	t    *testing.T
	nc   net.Conn
	r    *bufio.Reader
	reqs [][]string
	mu   sync.Mutex
}

func newScriptedServer(t *testing.T, nc net.Conn) *scriptedServer {
	return &scriptedServer{t: t, nc: nc, r: bufio.NewReader(nc)}
}

// serve runs until the connection closes, replying to each incoming
// request with the corresponding entry of replies (by index), then
// holding the connection open once replies are exhausted (or closing
// it immediately if closeAfter is set).
func (s *scriptedServer) serve(replies []string, closeAfter bool) {
	go func() {
		for i := 0; i < len(replies); i++ {
			argv, err := readRequest(s.r)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.reqs = append(s.reqs, argv)
			s.mu.Unlock()
			if _, err := s.nc.Write([]byte(replies[i])); err != nil {
				return
			}
		}
		if closeAfter {
			s.nc.Close()
		}
	}()
}

func (s *scriptedServer) requests() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.reqs))
	copy(out, s.reqs)
	return out
}

// readRequest parses one RESP multi-bulk array of bulk strings, the
// shape encodeCommand produces.
func readRequest(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '*' {
		return nil, nil
	}
	var n int
	if _, err := parseInt(line[1:], &n); err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		head, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		head = strings.TrimRight(head, "\r\n")
		var size int
		if _, err := parseInt(head[1:], &size); err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := ioReadFull(r, buf); err != nil {
			return nil, err
		}
		out = append(out, string(buf[:size]))
	}
	return out, nil
}

func parseInt(s string, out *int) (int, error) {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	*out = n
	return n, nil
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newWiredConn(t *testing.T, addr string, owner conn.Owner) (*conn.Connection, *scriptedServer) {
	client, server := net.Pipe()
	c := conn.Wrap(client, addr, owner)
	if err := (conn.LoopAdapter{}).Attach(c); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return c, newScriptedServer(t, server)
}

func awaitReply(t *testing.T, ch chan interface{}) interface{} {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply callback")
		return nil
	}
}

func TestCommandHappyPath(t *testing.T) {
	owner := &fakeOwner{}
	c, srv := newWiredConn(t, "n1:6379", owner)
	srv.serve([]string{"+OK\r\n"}, false)

	topo := &fakeTopology{maxRedirects: 16}
	done := make(chan interface{}, 1)
	cmd := New(topo, []byte("k"), "SET", []string{"k", "v"}, func(reply interface{}) {
		done <- reply
	}, nil)

	if err := cmd.Start(c); err != nil {
		t.Fatalf("start: %v", err)
	}
	reply := awaitReply(t, done)
	if reply != "OK" {
		t.Fatalf("reply = %v, want OK", reply)
	}
	if cmd.State() != Terminal {
		t.Fatalf("state = %v, want Terminal", cmd.State())
	}
}

func TestCommandMovedRedirect(t *testing.T) {
	owner := &fakeOwner{}
	c1, srv1 := newWiredConn(t, "n1:6379", owner)
	srv1.serve([]string{"-MOVED 1234 n2:6379\r\n"}, false)

	c2, srv2 := newWiredConn(t, "n2:6379", owner)
	srv2.serve([]string{"+OK\r\n"}, false)

	topo := &fakeTopology{
		maxRedirects: 16,
		dial: func(addr string) (*conn.Connection, error) {
			if addr != "n2:6379" {
				t.Fatalf("redirected to unexpected addr %q", addr)
			}
			return c2, nil
		},
	}

	done := make(chan interface{}, 1)
	cmd := New(topo, []byte("k"), "GET", []string{"k"}, func(reply interface{}) {
		done <- reply
	}, nil)

	if err := cmd.Start(c1); err != nil {
		t.Fatalf("start: %v", err)
	}
	reply := awaitReply(t, done)
	if reply != "OK" {
		t.Fatalf("reply = %v, want OK", reply)
	}
	if topo.movedCount() != 1 {
		t.Fatalf("MarkMoved called %d times, want 1", topo.movedCount())
	}
	if len(srv2.requests()) != 1 || srv2.requests()[0][0] != "GET" {
		t.Fatalf("redirect target did not receive original command: %v", srv2.requests())
	}
}

func TestCommandAskRedirect(t *testing.T) {
	owner := &fakeOwner{}
	c1, srv1 := newWiredConn(t, "n1:6379", owner)
	srv1.serve([]string{"-ASK 1234 n2:6379\r\n"}, false)

	c2, srv2 := newWiredConn(t, "n2:6379", owner)
	srv2.serve([]string{"+OK\r\n", "+bar\r\n"}, false)

	topo := &fakeTopology{
		maxRedirects: 16,
		dial: func(addr string) (*conn.Connection, error) {
			return c2, nil
		},
	}

	done := make(chan interface{}, 1)
	cmd := New(topo, []byte("k"), "GET", []string{"k"}, func(reply interface{}) {
		done <- reply
	}, nil)

	if err := cmd.Start(c1); err != nil {
		t.Fatalf("start: %v", err)
	}
	reply := awaitReply(t, done)
	if reply != "bar" {
		t.Fatalf("reply = %v, want bar", reply)
	}
	reqs := srv2.requests()
	if len(reqs) != 2 || reqs[0][0] != "ASKING" || reqs[1][0] != "GET" {
		t.Fatalf("ask target did not see ASKING then original command: %v", reqs)
	}
}

func TestCommandClusterDown(t *testing.T) {
	owner := &fakeOwner{}
	c, srv := newWiredConn(t, "n1:6379", owner)
	srv.serve([]string{"-CLUSTERDOWN The cluster is down\r\n"}, false)

	topo := &fakeTopology{maxRedirects: 16}

	var gotErr *rcerr.Error
	done := make(chan interface{}, 1)
	cmd := New(topo, []byte("k"), "GET", []string{"k"}, func(reply interface{}) {
		done <- reply
	}, func(err *rcerr.Error) Verdict {
		gotErr = err
		return FinishVerdict
	})

	if err := cmd.Start(c); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitReply(t, done)
	if gotErr == nil || gotErr.Kind != rcerr.ClusterDown {
		t.Fatalf("error callback got %v, want ClusterDown", gotErr)
	}
	if cmd.State() != Terminal {
		t.Fatalf("state = %v, want Terminal", cmd.State())
	}
}

func TestCommandRetryVerdictOnTransportError(t *testing.T) {
	owner := &fakeOwner{}
	client, server := net.Pipe()
	c := conn.Wrap(client, "n1:6379", owner)
	if err := (conn.LoopAdapter{}).Attach(c); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// read the request, then hang up without ever replying: the read
	// loop observes a transport error instead of a RESP reply.
	go func() {
		r := bufio.NewReader(server)
		readRequest(r)
		server.Close()
	}()

	topo := &fakeTopology{maxRedirects: 16}

	var errCalls int
	done := make(chan interface{}, 1)
	cmd := New(topo, []byte("k"), "GET", []string{"k"}, func(reply interface{}) {
		done <- reply
	}, func(err *rcerr.Error) Verdict {
		errCalls++
		return RetryVerdict
	})

	if err := cmd.Start(c); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitReply(t, done)
	// first failure drives a retry Submit, which itself fails because the
	// connection closed itself on the read error; that second failure
	// notifies the error callback again before finishing.
	if errCalls != 2 {
		t.Fatalf("error callback invoked %d times, want 2", errCalls)
	}
	if cmd.State() != Terminal {
		t.Fatalf("state = %v, want Terminal", cmd.State())
	}
}

func TestCommandRetryVerdictHonorsPacingDelay(t *testing.T) {
	owner := &fakeOwner{}
	c, srv := newWiredConn(t, "n1:6379", owner)
	srv.serve([]string{"-CLUSTERDOWN The cluster is down\r\n", "+OK\r\n"}, false)

	topo := &fakeTopology{maxRedirects: 16, retryDelay: 30 * time.Millisecond}

	var errCalls int
	done := make(chan interface{}, 1)
	cmd := New(topo, []byte("k"), "GET", []string{"k"}, func(reply interface{}) {
		done <- reply
	}, func(err *rcerr.Error) Verdict {
		errCalls++
		return RetryVerdict
	})

	start := time.Now()
	if err := cmd.Start(c); err != nil {
		t.Fatalf("start: %v", err)
	}
	reply := awaitReply(t, done)
	if reply != "OK" {
		t.Fatalf("reply = %v, want OK", reply)
	}
	if errCalls != 1 {
		t.Fatalf("error callback invoked %d times, want 1", errCalls)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("retry fired after %s, want at least the 30ms pacing delay", elapsed)
	}
	if cmd.State() != Terminal {
		t.Fatalf("state = %v, want Terminal", cmd.State())
	}
}

func TestCommandDomainErrorIsReadyNotFailed(t *testing.T) {
	owner := &fakeOwner{}
	c, srv := newWiredConn(t, "n1:6379", owner)
	srv.serve([]string{"-WRONGTYPE Operation against a key holding the wrong kind of value\r\n"}, false)

	topo := &fakeTopology{maxRedirects: 16}

	errCalled := false
	done := make(chan interface{}, 1)
	cmd := New(topo, []byte("k"), "GET", []string{"k"}, func(reply interface{}) {
		done <- reply
	}, func(err *rcerr.Error) Verdict {
		errCalled = true
		return FinishVerdict
	})

	if err := cmd.Start(c); err != nil {
		t.Fatalf("start: %v", err)
	}
	reply := awaitReply(t, done)
	if errCalled {
		t.Fatalf("error callback should not fire for a domain-level error reply")
	}
	if re, ok := reply.(*conn.ErrReply); !ok || re.Msg != "WRONGTYPE Operation against a key holding the wrong kind of value" {
		t.Fatalf("reply = %#v, want *conn.ErrReply carrying the WRONGTYPE message", reply)
	}
}
