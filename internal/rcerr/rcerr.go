// Package rcerr defines the error taxonomy surfaced across the routing
// engine: every failure a Command or Topology operation can produce is
// one of these kinds, optionally tagged with the lifecycle stage it was
// observed in.
package rcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a routing failure.
type Kind int

const (
	// InvalidArgument means the caller violated an input precondition
	// (nil reply callback, empty argv, malformed format string).
	InvalidArgument Kind = iota
	// ConnectionFailed means a transport could not be opened or attached
	// to a node.
	ConnectionFailed
	// Disconnected means an in-flight submission failed because the
	// transport is gone.
	Disconnected
	// CriticalFailure means a reply parse error or unexpected reply
	// shape was seen during topology init, or a MOVED/ASK reply could
	// not be parsed.
	CriticalFailure
	// ClusterDown means the server reported the cluster is not serving
	// requests.
	ClusterDown
	// AskingFailed means the ASKING handshake could not be submitted or
	// did not return OK.
	AskingFailed
	// MovedFailed means the follow-up submission after a MOVED redirect
	// could not be sent.
	MovedFailed
	// LogicError means an internal invariant was violated, or a Command
	// exceeded the topology's MaxRedirects ceiling.
	LogicError
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case ConnectionFailed:
		return "ConnectionFailed"
	case Disconnected:
		return "Disconnected"
	case CriticalFailure:
		return "CriticalFailure"
	case ClusterDown:
		return "ClusterDown"
	case AskingFailed:
		return "AskingFailed"
	case MovedFailed:
		return "MovedFailed"
	case LogicError:
		return "LogicError"
	default:
		return "Unknown"
	}
}

// Stage identifies where in a Command's lifecycle an error surfaced.
type Stage int

const (
	StageReady Stage = iota
	StageAsk
	StageMoved
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageReady:
		return "READY"
	case StageAsk:
		return "ASK"
	case StageMoved:
		return "MOVED"
	case StageFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Error is a routing failure tagged with a Kind and the Stage it was
// raised from, wrapping the underlying cause when one exists.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rcluster: %s at %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("rcluster: %s at %s", e.Kind, e.Stage)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a routing Error with no wrapped cause.
func New(kind Kind, stage Stage, msg string) *Error {
	return &Error{Kind: kind, Stage: stage, Err: errors.New(msg)}
}

// Wrap builds a routing Error wrapping an existing error.
func Wrap(kind Kind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}
