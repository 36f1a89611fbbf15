// Package codeless implements the CodeLess framing, parsing, and
// command/response correlation engine together with the mode controller
// state machine. One outbound command is in flight at a time, held in a
// pending slot until the peer's OK/ERROR terminator resolves it; command
// identifiers are resolved through a registry.Registry.
package codeless

import (
	"context"

	"blelink/registry"
)

// Mode is the CodeLess/DSPS mode flag.
type Mode int

const (
	ModeCommand Mode = iota
	ModeBinary
)

func (m Mode) String() string {
	if m == ModeBinary {
		return "Binary"
	}
	return "Command"
}

// ProtocolError is the failure a peer attaches to a pending outbound
// command via "ERROR", "ECnnn: msg", or "INVALID COMMAND", or a local
// validation/transport failure completing the same call.
type ProtocolError struct {
	Code        string
	Message     string
	PeerInvalid bool
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Result is what a Call resolves to once its outbound command completes.
type Result struct {
	Lines []string
	Err   *ProtocolError
}

// Call is a handle to a single in-flight outbound command.
type Call struct {
	Identifier string
	done       chan Result
}

func newCall(identifier string) *Call {
	return &Call{Identifier: identifier, done: make(chan Result, 1)}
}

// Wait blocks until the command completes or ctx is done.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-c.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// InboundCommand is the payload of HostCommand and InboundCommand
// events: an identifier the registry recognizes, together with its raw
// argument text. For a HostCommand event, Reply carries the sink the
// host must answer through; it is nil on InboundCommand events, where
// the engine already replied itself.
type InboundCommand struct {
	Identifier string
	Args       string
	Reply      *HostReply
}

type pendingCall struct {
	descriptor registry.Descriptor
	isMode     bool
	call       *Call
}
