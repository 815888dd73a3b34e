// Package command implements the per-command state machine: the
// object that carries a formatted request, its target key, the user's
// callbacks, and the redirection bookkeeping needed to follow MOVED/ASK
// replies, run the ASKING handshake, and honor the error callback's
// retry decision -- all while guaranteeing the reply callback fires
// exactly once (or, in subscription mode, at least once, and the
// Command is never destroyed).
//
// The shape is grounded on the teacher's ClusterClient.Do retry/redirect
// logic (internal/cluster/client.go in the source corpus), generalized
// from a blocking recursive call into an owned continuation re-entered
// from Connection reply callbacks -- the "copy into continuation"
// workaround the original C++ revisions needed is unnecessary here
// because ownership simply transfers at each Submit.
package command

import (
	"strconv"
	"strings"
	"time"

	"rcluster/internal/conn"
	"rcluster/internal/logger"
	"rcluster/internal/rcerr"
)

// State names the Command's position in its lifecycle, for diagnostics
// and tests; transitions always follow spec section 4.3.
type State int

const (
	Initial State = iota
	InFlight
	Ready
	AskHandshake
	MovedRedirect
	Retry
	Failed
	Terminal
)

// Verdict is returned by the error callback to decide whether a FAILED
// command retries or finishes.
type Verdict int

const (
	FinishVerdict Verdict = iota
	RetryVerdict
)

// ReplyCallback receives the final reply exactly once (unless the
// connection is in subscription mode). The reply is borrowed for the
// duration of the call.
type ReplyCallback func(reply interface{})

// ErrorCallback is consulted whenever the command lands in FAILED. It
// receives the error's Kind/Stage and decides whether to retry.
type ErrorCallback func(err *rcerr.Error) Verdict

// Topology is the subset of *topology.Topology the state machine needs;
// expressed as an interface here so this package does not depend on
// package topology and tests can supply a fake.
type Topology interface {
	MarkMoved()
	NewConnection(addr string) (*conn.Connection, error)
	MaxRedirects() int
	// RetryDelay returns how long the next FAILED->RETRY resubmission
	// must wait, per the retry-pacing limiter (0 means resubmit now).
	RetryDelay() time.Duration
	// Enqueue runs f on the Topology's single callback thread; used to
	// re-enter the state machine once a paced retry's delay elapses.
	Enqueue(func())
}

// Command is the per-request state machine described in spec section
// 4.3. It exists from Submit until it reaches Terminal.
type Command struct {
	cmd   string
	args  []string
	key   []byte
	topo  Topology
	onOK  ReplyCallback
	onErr ErrorCallback

	state       State
	conn        *conn.Connection // last connection used
	redirects   int
	lastReply   interface{}
	askPending  bool // awaiting the ASKING handshake's own +OK
}

// New builds a Command. reply must not be nil; errCB may be nil, in
// which case any FAILED outcome finishes immediately (equivalent to an
// error callback that always returns FinishVerdict).
func New(topo Topology, key []byte, cmd string, args []string, reply ReplyCallback, errCB ErrorCallback) *Command {
	return &Command{
		cmd:   cmd,
		args:  args,
		key:   key,
		topo:  topo,
		onOK:  reply,
		onErr: errCB,
		state: Initial,
	}
}

// Start submits the command on c and installs the state machine's own
// continuation as the reply callback. This is the only entry point; the
// rest of the machine re-enters itself from onReply.
func (c *Command) Start(connection *conn.Connection) error {
	c.conn = connection
	c.state = InFlight
	return connection.Submit(c.cmd, c.args, c.onReply)
}

// State reports the command's current lifecycle state (diagnostics/tests).
func (c *Command) State() State { return c.state }

func (c *Command) onReply(reply interface{}, err error) {
	if err != nil {
		c.handleTransportError(err)
		return
	}

	if c.askPending {
		c.askPending = false
		c.handleAskingAck(reply)
		return
	}

	if ae, ok := reply.(error); ok {
		c.handleErrorReply(ae.Error())
		return
	}

	c.lastReply = reply
	c.finish(reply)
}

func (c *Command) handleAskingAck(reply interface{}) {
	if ae, ok := reply.(error); ok {
		c.fail(rcerr.Wrap(rcerr.AskingFailed, rcerr.StageAsk, ae))
		return
	}
	status, _ := conn.ToString(reply)
	if status != "OK" {
		c.fail(rcerr.New(rcerr.AskingFailed, rcerr.StageAsk, "ASKING did not return OK"))
		return
	}
	// handshake acknowledged: re-submit the original request on the same
	// (redirect) connection.
	c.state = InFlight
	if err := c.conn.Submit(c.cmd, c.args, c.onReply); err != nil {
		c.fail(rcerr.Wrap(rcerr.AskingFailed, rcerr.StageAsk, err))
	}
}

func (c *Command) handleErrorReply(msg string) {
	switch {
	case strings.HasPrefix(msg, "MOVED "):
		c.handleMoved(msg)
	case strings.HasPrefix(msg, "ASK "):
		c.handleAsk(msg)
	case strings.HasPrefix(msg, "CLUSTERDOWN"):
		c.fail(rcerr.New(rcerr.ClusterDown, rcerr.StageFailed, msg))
	default:
		// domain-level error: surfaced to the user unchanged, as a READY
		// completion, not a FAILED one.
		c.state = Ready
		reply := &conn.ErrReply{Msg: msg}
		c.lastReply = reply
		c.finish(reply)
	}
}

func (c *Command) handleMoved(msg string) {
	c.topo.MarkMoved()

	if c.redirects >= c.topo.MaxRedirects() {
		c.fail(rcerr.New(rcerr.LogicError, rcerr.StageMoved, "too many MOVED redirects"))
		return
	}
	c.redirects++

	addr, ok := parseRedirectAddr(msg)
	if !ok {
		c.fail(rcerr.New(rcerr.CriticalFailure, rcerr.StageMoved, "malformed MOVED reply"))
		return
	}
	logger.WithAddr(addr).Debug("MOVED redirect for %s %s (redirect %d)", c.cmd, c.key, c.redirects)

	target, err := c.topo.NewConnection(addr)
	if err != nil {
		c.fail(rcerr.Wrap(rcerr.MovedFailed, rcerr.StageMoved, err))
		return
	}

	c.state = MovedRedirect
	c.conn = target
	if err := target.Submit(c.cmd, c.args, c.onReply); err != nil {
		c.fail(rcerr.Wrap(rcerr.MovedFailed, rcerr.StageMoved, err))
		return
	}
	c.state = InFlight
}

func (c *Command) handleAsk(msg string) {
	if c.redirects >= c.topo.MaxRedirects() {
		c.fail(rcerr.New(rcerr.LogicError, rcerr.StageAsk, "too many ASK redirects"))
		return
	}
	c.redirects++

	addr, ok := parseRedirectAddr(msg)
	if !ok {
		c.fail(rcerr.New(rcerr.CriticalFailure, rcerr.StageAsk, "malformed ASK reply"))
		return
	}
	logger.WithAddr(addr).Debug("ASK redirect for %s %s (redirect %d)", c.cmd, c.key, c.redirects)

	target, err := c.topo.NewConnection(addr)
	if err != nil {
		c.fail(rcerr.Wrap(rcerr.AskingFailed, rcerr.StageAsk, err))
		return
	}

	c.state = AskHandshake
	c.conn = target
	c.askPending = true
	if err := target.Submit("ASKING", nil, c.onReply); err != nil {
		c.askPending = false
		c.fail(rcerr.Wrap(rcerr.AskingFailed, rcerr.StageAsk, err))
	}
}

func (c *Command) handleTransportError(err error) {
	c.fail(rcerr.Wrap(rcerr.Disconnected, rcerr.StageFailed, err))
}

// fail transitions to FAILED and consults the error callback. RETRY
// re-submits once on the last-used connection, honoring the topology's
// retry-pacing limiter (§9, redirect/retry storms); if that submission
// itself fails the error callback is consulted once more with
// Disconnected, then the reply callback fires with the last-observed
// reply and the command terminates.
func (c *Command) fail(re *rcerr.Error) {
	c.state = Failed
	if c.lastReply == nil {
		// synthesize a reply so finish() always has something to hand
		// the user when no server reply was ever received.
		c.lastReply = re
	}

	verdict := FinishVerdict
	if c.onErr != nil {
		verdict = c.onErr(re)
	}

	if verdict == RetryVerdict && c.conn != nil {
		c.state = Retry
		c.scheduleRetry()
		return
	}

	c.finish(c.lastReply)
}

// scheduleRetry resubmits the original request on the connection used for
// the last attempt. If the retry-pacing limiter says to wait, the
// resubmission is deferred and re-entered on the topology's own callback
// thread once the delay elapses, so a hot MOVED/ASK/retry loop cannot spin
// the event loop; otherwise it happens inline, as a normal Submit would.
func (c *Command) scheduleRetry() {
	resubmit := func() {
		c.state = InFlight
		if err := c.conn.Submit(c.cmd, c.args, c.onReply); err != nil {
			if c.onErr != nil {
				c.onErr(rcerr.Wrap(rcerr.Disconnected, rcerr.StageFailed, err))
			}
			c.finish(c.lastReply)
		}
	}
	if delay := c.topo.RetryDelay(); delay > 0 {
		logger.Debug("pacing retry of %s %s by %s", c.cmd, c.key, delay)
		time.AfterFunc(delay, func() { c.topo.Enqueue(resubmit) })
		return
	}
	resubmit()
}

func (c *Command) finish(reply interface{}) {
	c.state = Terminal
	c.onOK(reply)
	if c.conn != nil && c.conn.Subscribed() {
		// subscription mode: do not tear the command down, further
		// unsolicited messages keep arriving on this same callback.
		c.state = InFlight
	}
}

// parseRedirectAddr extracts "host:port" from a "MOVED <slot> host:port"
// or "ASK <slot> host:port" error message.
func parseRedirectAddr(msg string) (string, bool) {
	fields := strings.Fields(msg)
	if len(fields) < 3 {
		return "", false
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return "", false
	}
	return fields[2], true
}
