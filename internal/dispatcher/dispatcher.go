// Package dispatcher exposes the routing engine's public operations:
// CreateCluster, CommandArgv, CommandFmt, and Disconnect. It owns no
// state of its own across calls -- every submission builds one
// command.Command, asks the Topology for the connection that owns the
// key's slot, and submits, the way the teacher's ClusterClient.Do
// computes a slot and routes to c.nodes[addr] on every call
// (internal/cluster/client.go), generalized from a blocking retry loop
// to the async callback contract of command.Command.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"rcluster/internal/command"
	"rcluster/internal/conn"
	"rcluster/internal/rcerr"
	"rcluster/internal/topology"
)

// CreateCluster opens the seed probe and returns a ready Topology. It
// is the one operation whose errors return synchronously, per spec
// section 7: every error after this point routes through a callback.
func CreateCluster(seedAddr string, adapter conn.Adapter, timeout time.Duration) (*topology.Topology, error) {
	return topology.Init(context.Background(), seedAddr, adapter, timeout, topology.Opts{})
}

// CommandArgv submits argv (argv[0] is the command name, the rest its
// arguments) against the node owning key's slot. reply fires exactly
// once (barring subscription mode); errCB, if non-nil, is consulted on
// every FAILED transition.
func CommandArgv(topo *topology.Topology, key []byte, argv []string, reply command.ReplyCallback, errCB command.ErrorCallback) error {
	if reply == nil {
		return rcerr.New(rcerr.InvalidArgument, rcerr.StageReady, "reply callback must not be nil")
	}
	if len(argv) == 0 {
		return rcerr.New(rcerr.InvalidArgument, rcerr.StageReady, "empty argv")
	}
	c, err := topo.ConnectionFor(key)
	if err != nil {
		return err
	}
	return command.New(topo, key, argv[0], argv[1:], reply, errCB).Start(c)
}

// CommandFmt formats argv via a redisvFormatCommand-style positional
// template -- %s and %d interpolate with fmt's own verbs, %b takes a
// []byte and inserts it as a single argument verbatim -- then submits
// exactly as CommandArgv does. The first formatted token is always
// the command name.
func CommandFmt(topo *topology.Topology, key []byte, format string, args []interface{}, reply command.ReplyCallback, errCB command.ErrorCallback) error {
	argv, err := formatArgs(format, args)
	if err != nil {
		return rcerr.Wrap(rcerr.InvalidArgument, rcerr.StageReady, err)
	}
	if len(argv) == 0 {
		return rcerr.New(rcerr.InvalidArgument, rcerr.StageReady, "empty command format")
	}
	return CommandArgv(topo, key, argv, reply, errCB)
}

// Disconnect tears down every connection the Topology owns and stops
// its actor loop. No further callbacks fire afterward.
func Disconnect(topo *topology.Topology) {
	topo.Disconnect()
}

// formatArgs splits format on whitespace into positional tokens and
// substitutes verbs from args in order: %s and %d render with fmt,
// %b expects a []byte argument and is inserted as one raw token.
// Literal tokens (no verb) pass through unchanged. Grounded on the
// cpp-hiredis-cluster original's redisvFormatCommand positional
// substitution, generalized to Go's fmt verbs.
func formatArgs(format string, args []interface{}) ([]string, error) {
	tokens := splitFields(format)
	out := make([]string, 0, len(tokens))
	ai := 0
	next := func() (interface{}, error) {
		if ai >= len(args) {
			return nil, fmt.Errorf("dispatcher: format %q needs more arguments than the %d given", format, len(args))
		}
		v := args[ai]
		ai++
		return v, nil
	}

	for _, tok := range tokens {
		switch tok {
		case "%s":
			v, err := next()
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("%s", v))
		case "%d":
			v, err := next()
			if err != nil {
				return nil, err
			}
			out = append(out, fmt.Sprintf("%d", v))
		case "%b":
			v, err := next()
			if err != nil {
				return nil, err
			}
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("dispatcher: %%b requires a []byte argument, got %T", v)
			}
			out = append(out, string(b))
		default:
			out = append(out, tok)
		}
	}
	if ai != len(args) {
		return nil, fmt.Errorf("dispatcher: format %q consumed %d of %d arguments", format, ai, len(args))
	}
	return out, nil
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' && s[i] != '\t' {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	return out
}
