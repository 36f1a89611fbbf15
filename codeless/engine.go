package codeless

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"blelink/config"
	"blelink/events"
	"blelink/gattqueue"
	"blelink/logging"
	"blelink/registry"
	"blelink/transport"
)

// ErrPending is returned by Send when an outbound command is already in
// flight; at most one is pending at a time.
var ErrPending = errors.New("codeless: a command is already pending")

// Options configures a new Engine.
type Options struct {
	Config         config.Options
	Registry       *registry.Registry
	Scheduler      *gattqueue.Scheduler
	Bus            events.Bus
	Log            logging.Logger
	SessionID      string
	InitialMode    Mode
	UnknownHandler func(identifier, args string) (handled bool)

	// LineLog, if set, receives every decoded inbound line. The caller
	// decides whether writes land on a dedicated I/O goroutine.
	LineLog io.Writer
}

// Engine is the session-owned CodeLess correlation engine and mode
// controller. All exported methods are safe for concurrent use.
type Engine struct {
	cfg       config.Options
	reg       *registry.Registry
	sched     *gattqueue.Scheduler
	bus       events.Bus
	log       logging.Logger
	sessionID string
	unknown   func(identifier, args string) bool
	lineLog   io.Writer

	mu                sync.Mutex
	mode              Mode
	pendingOut        *pendingCall
	pendingIn         *HostReply
	parseBuffer       []string
	inboundReadyCount uint32
}

// New constructs an Engine bound to sched for transport I/O and reg for
// command lookup.
func New(o Options) *Engine {
	bus := o.Bus
	if bus == nil {
		bus = events.Discard
	}
	log := o.Log
	if log == nil {
		log = logging.Discard
	}
	return &Engine{
		cfg:       o.Config,
		reg:       o.Registry,
		sched:     o.Scheduler,
		bus:       bus,
		log:       log.With("codeless"),
		sessionID: o.SessionID,
		mode:      o.InitialMode,
		unknown:   o.UnknownHandler,
		lineLog:   o.LineLog,
	}
}

// Mode returns the current mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// AllowDspsWrite reports whether a DSPS write is currently permitted
// under the configured cross-mode gate.
func (e *Engine) AllowDspsWrite() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == ModeBinary {
		return true
	}
	return e.cfg.AllowOutboundBinaryInCommandMode
}

// AllowDspsReceive reports whether inbound DSPS bytes should be accepted
// under the configured cross-mode gate.
func (e *Engine) AllowDspsReceive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == ModeBinary {
		return true
	}
	return e.cfg.AllowInboundBinaryInCommandMode
}

// InboundReadyCount reports how many CodeLess Flow notifications have
// been observed, for diagnostics.
func (e *Engine) InboundReadyCount() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inboundReadyCount
}

func (e *Engine) errorEvent(kind events.ErrorKind) events.Event {
	return events.Event{Kind: events.KindError, SessionID: e.sessionID, Payload: kind}
}

// Send submits an outbound command. A synchronous error return means
// local validation failed and nothing was queued; otherwise the returned
// Call resolves once the peer's OK/ERROR terminates the exchange.
func (e *Engine) Send(ctx context.Context, d registry.Descriptor) (*Call, error) {
	e.mu.Lock()
	if e.mode == ModeBinary && !d.IsModeCommand() && !e.cfg.AllowOutboundCommandInBinaryMode {
		e.mu.Unlock()
		e.bus.Emit(e.errorEvent(events.ErrOperationNotAllowed))
		return nil, &ProtocolError{Message: "operation not allowed: non-mode command in binary mode"}
	}
	if _, isVerbatim := d.(registry.Verbatim); !isVerbatim && e.cfg.DisallowInvalidCommand {
		if _, _, known := e.reg.Lookup(d.Identifier()); !known {
			e.mu.Unlock()
			e.bus.Emit(e.errorEvent(events.ErrInvalidCommand))
			return nil, &ProtocolError{Message: "invalid command: not registered"}
		}
	}
	if e.pendingOut != nil {
		e.mu.Unlock()
		return nil, ErrPending
	}

	frame, err := buildOutbound(e.cfg, d)
	if err != nil {
		e.mu.Unlock()
		e.bus.Emit(e.errorEvent(events.ErrInvalidCommand))
		return nil, err
	}

	call := newCall(d.Identifier())
	e.pendingOut = &pendingCall{descriptor: d, isMode: d.IsModeCommand(), call: call}
	e.mu.Unlock()

	e.sched.Enqueue(ctx, (&gattqueue.Op{
		Verb:           gattqueue.VerbWrite,
		Characteristic: transport.CodelessInbound,
		Payload:        frame,
		Priority:       gattqueue.Low,
		OnError: func(err error) {
			e.failPendingOut(&ProtocolError{Message: "gatt operation error"})
		},
	}).WithTag("codeless"))
	return call, nil
}

// SendText parses a raw command line of the form "PREFIX IDENT[=ARGS]"
// and sends it, applying the disallow_invalid_prefix / auto_add_prefix /
// disallow_invalid_parsed_command gate bits that
// Send's programmatic path does not see. Unknown identifiers fall back
// to a verbatim Custom send unless disallowed.
func (e *Engine) SendText(ctx context.Context, raw string) (*Call, error) {
	identifier, _, hasPrefix := parseLine(raw)
	if !hasPrefix {
		if e.cfg.DisallowInvalidPrefix {
			e.bus.Emit(e.errorEvent(events.ErrInvalidPrefix))
			return nil, &ProtocolError{Message: "invalid prefix"}
		}
		if !e.cfg.AutoAddPrefix {
			return nil, &ProtocolError{Message: "invalid prefix"}
		}
		identifier = raw
	}
	d, ok := e.reg.New(identifier)
	if !ok {
		if e.cfg.DisallowInvalidParsedCommand {
			e.bus.Emit(e.errorEvent(events.ErrInvalidCommand))
			return nil, &ProtocolError{Message: "invalid command"}
		}
		d = registry.NewCustom(raw)
	}
	return e.Send(ctx, d)
}

// HandleFlowNotification reacts to a CodelessFlow notification (0x01 =
// data ready): it bumps inbound_ready_count and enqueues a read of the
// Outbound characteristic, whose result feeds handleInbound.
func (e *Engine) HandleFlowNotification(ctx context.Context) {
	e.mu.Lock()
	e.inboundReadyCount++
	e.mu.Unlock()

	e.sched.Enqueue(ctx, (&gattqueue.Op{
		Verb:           gattqueue.VerbRead,
		Characteristic: transport.CodelessOutbound,
		Priority:       gattqueue.High,
		OnSuccess: func(result []byte) {
			e.handleInbound(ctx, result)
		},
	}).WithTag("codeless"))
}

func (e *Engine) handleInbound(ctx context.Context, data []byte) {
	for _, line := range decodeInbound(data) {
		e.handleLine(ctx, line)
	}
}

func (e *Engine) handleLine(ctx context.Context, line string) {
	if e.cfg.LineEvents {
		e.bus.Emit(events.Event{Kind: events.KindCodelessLine, SessionID: e.sessionID, Payload: line})
	}
	if e.lineLog != nil {
		_, _ = io.WriteString(e.lineLog, line+"\n")
	}

	e.mu.Lock()
	pending := e.pendingOut
	e.mu.Unlock()

	if pending != nil {
		e.handleLineWithPending(ctx, line, pending)
		return
	}
	e.handleLineNoPending(ctx, line)
}

func (e *Engine) handleLineWithPending(ctx context.Context, line string, pending *pendingCall) {
	switch {
	case line == "":
		e.mu.Lock()
		empty := len(e.parseBuffer) == 0
		if !empty {
			e.parseBuffer = append(e.parseBuffer, line)
		}
		e.mu.Unlock()
		if empty {
			e.log.Debugf("inbound empty line with empty buffer")
		}
	case line == "OK":
		e.completeSuccess(ctx, pending)
	case line == "ERROR":
		e.completeError(pending)
	case looksLikeError(line):
		e.mu.Lock()
		e.parseBuffer = append(e.parseBuffer, line)
		e.mu.Unlock()
	default:
		if pending.descriptor.ParsePartialResponse() {
			e.mu.Lock()
			empty := len(e.parseBuffer) == 0
			e.mu.Unlock()
			if empty {
				_ = pending.descriptor.ParseResponse([]string{line})
				return
			}
		}
		e.mu.Lock()
		e.parseBuffer = append(e.parseBuffer, line)
		e.mu.Unlock()
	}
}

func (e *Engine) completeSuccess(ctx context.Context, pending *pendingCall) {
	e.mu.Lock()
	buffered := e.parseBuffer
	e.parseBuffer = nil
	e.pendingOut = nil
	e.mu.Unlock()

	if err := pending.descriptor.ParseResponse(buffered); err != nil {
		perr := &ProtocolError{Message: err.Error()}
		pending.call.done <- Result{Lines: buffered, Err: perr}
		e.bus.Emit(events.Event{Kind: events.KindCommandError, SessionID: e.sessionID, Payload: perr})
		return
	}
	if pending.isMode {
		e.onModeCommandSent(ctx, pending.descriptor.Identifier())
	}
	pending.call.done <- Result{Lines: buffered}
	e.bus.Emit(events.Event{Kind: events.KindCommandSuccess, SessionID: e.sessionID, Payload: pending.descriptor.Identifier()})
}

func (e *Engine) completeError(pending *pendingCall) {
	e.mu.Lock()
	buffered := e.parseBuffer
	e.parseBuffer = nil
	e.pendingOut = nil
	e.mu.Unlock()

	perr := &ProtocolError{}
	var msgs []string
	for _, l := range buffered {
		switch {
		case l == "INVALID COMMAND":
			perr.PeerInvalid = true
		default:
			if m := ecPattern.FindStringSubmatch(l); m != nil {
				perr.Code = "EC" + m[1]
				perr.Message = m[2]
				continue
			}
			msgs = append(msgs, l)
		}
	}
	if perr.Message == "" {
		perr.Message = strings.Join(msgs, " ")
	}
	pending.call.done <- Result{Err: perr}
	e.bus.Emit(events.Event{Kind: events.KindCommandError, SessionID: e.sessionID, Payload: perr})
}

func (e *Engine) failPendingOut(perr *ProtocolError) {
	e.mu.Lock()
	pending := e.pendingOut
	e.pendingOut = nil
	e.parseBuffer = nil
	e.mu.Unlock()
	if pending == nil {
		return
	}
	pending.call.done <- Result{Err: perr}
}

func (e *Engine) handleLineNoPending(ctx context.Context, line string) {
	if line == "" {
		return
	}
	identifier, args, ok := parseLine(line)
	if !ok {
		e.bus.Emit(e.errorEvent(events.ErrInvalidCommand))
		e.writeRaw(ctx, "ERROR: Invalid command")
		return
	}

	isMode, handling, known := e.reg.Lookup(identifier)
	if !known {
		if e.unknown != nil && e.unknown(identifier, args) {
			return
		}
		e.bus.Emit(e.errorEvent(events.ErrInvalidCommand))
		e.writeRaw(ctx, "ERROR: Command not supported")
		return
	}

	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()
	if mode == ModeBinary && !isMode && !e.cfg.AllowInboundCommandInBinaryMode {
		e.bus.Emit(e.errorEvent(events.ErrOperationNotAllowed))
		return
	}

	if handling == registry.HandledByHost {
		e.mu.Lock()
		if e.pendingIn != nil {
			e.mu.Unlock()
			e.log.Warnf("dropping inbound %s: a host command is already awaiting its reply", identifier)
			return
		}
		reply := &HostReply{e: e, sink: &inboundSink{e: e, ctx: ctx}}
		e.pendingIn = reply
		e.mu.Unlock()
		e.bus.Emit(events.Event{
			Kind: events.KindHostCommand, SessionID: e.sessionID,
			Payload: InboundCommand{Identifier: identifier, Args: args, Reply: reply},
		})
		return
	}

	d, _ := e.reg.New(identifier)
	sink := &inboundSink{e: e, ctx: ctx}
	if err := d.ProcessInbound(args, sink); err != nil {
		sink.SendError(err.Error())
	}
	e.bus.Emit(events.Event{
		Kind: events.KindInboundCommand, SessionID: e.sessionID,
		Payload: InboundCommand{Identifier: identifier, Args: args},
	})
	if isMode {
		e.onModeCommandReceived(ctx, identifier)
	}
}

// ErrNoInbound is returned by the Respond methods when no host command
// is awaiting a reply.
var ErrNoInbound = errors.New("codeless: no inbound command awaiting a reply")

// Respond writes an informational (non-terminating) line for the host
// command currently awaiting a reply.
func (e *Engine) Respond(body string) error {
	r, err := e.pendingReply()
	if err != nil {
		return err
	}
	r.SendResponse(body)
	return nil
}

// RespondSuccess terminates the pending host command with OK, preceded
// by body when non-empty.
func (e *Engine) RespondSuccess(body string) error {
	r, err := e.pendingReply()
	if err != nil {
		return err
	}
	r.SendSuccess(body)
	return nil
}

// RespondError terminates the pending host command with ERROR.
func (e *Engine) RespondError(body string) error {
	r, err := e.pendingReply()
	if err != nil {
		return err
	}
	r.SendError(body)
	return nil
}

func (e *Engine) pendingReply() (*HostReply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingIn == nil {
		return nil, ErrNoInbound
	}
	return e.pendingIn, nil
}

// Reset tears down correlation state on disconnect: the pending outbound
// command, if any, fails locally, the inbound slot and parse buffer are
// dropped, and the mode flag returns to Command.
func (e *Engine) Reset() {
	e.failPendingOut(&ProtocolError{Message: "disconnected"})
	e.mu.Lock()
	e.mode = ModeCommand
	e.pendingIn = nil
	e.parseBuffer = nil
	e.inboundReadyCount = 0
	e.mu.Unlock()
}

func (e *Engine) writeRaw(ctx context.Context, body string) {
	e.sched.Enqueue(ctx, (&gattqueue.Op{
		Verb:           gattqueue.VerbWrite,
		Characteristic: transport.CodelessInbound,
		Payload:        frame(e.cfg, body),
		Priority:       gattqueue.Low,
	}).WithTag("codeless"))
}
