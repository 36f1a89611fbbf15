// Package registry implements the command registry: a map from textual
// command identifier to parsing and response semantics, stored as
// constructor closures so every occurrence of a command gets fresh
// correlation state. There is no package-level global registry - every
// Session is built with its own.
package registry

import "sync"

// Descriptor is the per-command-type behavior the engine drives:
// serialization, response parsing, inbound processing, and the
// mode-command flag.
type Descriptor interface {
	// Identifier is the bare command name used in <prefix><identifier>
	// framing, e.g. "BINREQ" or "DSPS".
	Identifier() string

	// IsModeCommand reports whether this command is permitted to flow
	// while the session is in Binary mode.
	IsModeCommand() bool

	// Serialize returns the argument text to place after '=' in the
	// outbound frame, or "" if the command takes no arguments.
	Serialize() (args string, err error)

	// ParseResponse receives the buffered response lines, in receive
	// order, in one call when the terminating OK arrives; it is not
	// called on ERROR. A line delivered early under ParsePartialResponse
	// arrives in a single-line call of its own.
	ParseResponse(lines []string) error

	// ParsePartialResponse reports whether a line that is neither a
	// terminator nor a buffered-error candidate should be delivered to
	// ParseResponse immediately rather than held in the parse buffer.
	ParsePartialResponse() bool

	// ProcessInbound handles this command when the peer sent it inbound
	// (no pending outbound correlation), yielding a response via sink.
	ProcessInbound(args string, sink ResponseSink) error
}

// ResponseSink is how a Descriptor's ProcessInbound emits its reply.
type ResponseSink interface {
	SendResponse(body string)
	SendSuccess(body string)
	SendError(body string)
}

// Verbatim is implemented by descriptors whose outbound payload bypasses
// the usual <prefix><identifier>[=<args>] framing entirely.
type Verbatim interface {
	VerbatimPayload() string
}

// Constructor builds a fresh Descriptor instance. The registry stores
// constructors, not instances, so that every outbound or inbound command
// gets its own correlation state.
type Constructor func() Descriptor

// Handling says which side of the library/host boundary a known
// identifier belongs to.
type Handling int

const (
	// HandledByLibrary means the registry holds a Constructor and the
	// CodeLess engine processes the command itself.
	HandledByLibrary Handling = iota
	// HandledByHost means the identifier is recognized but the engine
	// only emits a HostCommand event; the embedder supplies the reply.
	HandledByHost
)

type entry struct {
	handling Handling
	isMode   bool
	ctor     Constructor
}

// Registry is a plain identifier -> entry map. It carries no global
// state; every Session constructs and owns one.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// RegisterLibrary adds a command the engine itself knows how to parse
// and respond to.
func (r *Registry) RegisterLibrary(id string, isMode bool, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = entry{handling: HandledByLibrary, isMode: isMode, ctor: ctor}
}

// RegisterHost adds an identifier the engine recognizes as valid but
// does not know how to answer; inbound occurrences are surfaced as a
// HostCommand event instead of being dispatched to a Descriptor.
func (r *Registry) RegisterHost(id string, isMode bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = entry{handling: HandledByHost, isMode: isMode}
}

// Lookup reports what the registry knows about id without constructing
// anything.
func (r *Registry) Lookup(id string) (isMode bool, handling Handling, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return false, 0, false
	}
	return e.isMode, e.handling, true
}

// New constructs a fresh Descriptor for id, if it is library-handled.
func (r *Registry) New(id string) (Descriptor, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok || e.handling != HandledByLibrary || e.ctor == nil {
		return nil, false
	}
	return e.ctor(), true
}

// Count returns the number of registered identifiers, for diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
