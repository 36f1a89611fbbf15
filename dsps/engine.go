package dsps

import (
	"context"
	"sync"

	"blelink/config"
	"blelink/events"
	"blelink/gattqueue"
	"blelink/logging"
	"blelink/transport"
)

// ModeGate lets the DSPS engine ask the CodeLess mode controller whether
// cross-mode traffic is currently permitted, without importing the
// codeless package directly.
type ModeGate interface {
	AllowDspsWrite() bool
	AllowDspsReceive() bool
}

type alwaysAllow struct{}

func (alwaysAllow) AllowDspsWrite() bool   { return true }
func (alwaysAllow) AllowDspsReceive() bool { return true }

// Options configures a new Engine.
type Options struct {
	Config    config.Options
	Scheduler *gattqueue.Scheduler
	Gate      ModeGate
	Bus       events.Bus
	Log       logging.Logger
	SessionID string

	// StatsHook, if set, is called with the number of payload bytes
	// observed on each RX notification - the session layer wires this to
	// its stats.Sampler without dsps needing to import it.
	StatsHook func(n int)
}

// Engine is the session-owned DSPS flow-control engine. All exported
// methods are safe for concurrent use.
type Engine struct {
	cfg       config.Options
	sched     *gattqueue.Scheduler
	gate      ModeGate
	bus       events.Bus
	log       logging.Logger
	sessionID string
	statsHook func(n int)

	mu          sync.Mutex
	mtu         int
	chunkSize   int
	txFlow      FlowState
	rxFlow      FlowState
	pending     *pendingBuffer
	echo        bool
	rxSink      ByteSink
	fileReceive *FileReceive
	streams     map[int]streamOp
	nextHandle  int
}

// New constructs an Engine. The chunk size starts at
// cfg.DspsChunkSize(cfg.MTU); SetMTU recomputes it once negotiation
// completes.
func New(o Options) *Engine {
	bus := o.Bus
	if bus == nil {
		bus = events.Discard
	}
	log := o.Log
	if log == nil {
		log = logging.Discard
	}
	gate := o.Gate
	if gate == nil {
		gate = alwaysAllow{}
	}
	rxFlow := FlowOff
	if o.Config.DefaultDspsRxFlowOn {
		rxFlow = FlowOn
	}
	mtu := o.Config.MTU
	if mtu == 0 {
		mtu = 23
	}
	return &Engine{
		cfg:       o.Config,
		sched:     o.Scheduler,
		gate:      gate,
		bus:       bus,
		log:       log.With("dsps"),
		sessionID: o.SessionID,
		statsHook: o.StatsHook,
		mtu:       mtu,
		chunkSize: o.Config.DspsChunkSize(mtu),
		txFlow:    FlowOn,
		rxFlow:    rxFlow,
		pending:   newPendingBuffer(o.Config.DspsPendingMax),
		streams:   make(map[int]streamOp),
	}
}

// SetMTU recomputes the active chunk size once MTU negotiation
// settles; the chunk size never exceeds mtu-3.
func (e *Engine) SetMTU(mtu int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mtu = mtu
	e.chunkSize = e.cfg.DspsChunkSize(mtu)
}

// ChunkSize reports the chunk size currently in effect.
func (e *Engine) ChunkSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunkSize
}

// SetEcho turns RX echo on or off.
func (e *Engine) SetEcho(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.echo = on
}

// SetRxSink installs (or clears, with nil) a sink that every inbound DSPS
// byte is logged to, independent of any active FileReceive.
func (e *Engine) SetRxSink(sink ByteSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rxSink = sink
}

// Send transmits data: clamp to the current chunk size, split if
// necessary, and for each chunk either
// enqueue directly (TX flow on) or push into the pending buffer (TX flow
// off), dropping with a diagnostic once the pending buffer is full.
func (e *Engine) Send(ctx context.Context, data []byte) {
	if !e.gateAllowsWrite() {
		e.bus.Emit(events.Event{Kind: events.KindError, SessionID: e.sessionID, Payload: events.ErrOperationNotAllowed})
		return
	}
	e.mu.Lock()
	size := e.chunkSize
	e.mu.Unlock()
	if size <= 0 {
		size = 1
	}
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		e.sendChunk(ctx, data[:n])
		data = data[n:]
	}
}

func (e *Engine) sendChunk(ctx context.Context, chunk []byte) {
	e.mu.Lock()
	flowOn := e.txFlow == FlowOn
	e.mu.Unlock()

	if flowOn {
		e.enqueueChunk(ctx, chunk)
		return
	}

	e.mu.Lock()
	accepted := e.pending.push(chunk)
	e.mu.Unlock()
	if accepted < len(chunk) {
		e.log.Warnf("dropping %d pending bytes: buffer full", len(chunk)-accepted)
	}
}

func (e *Engine) enqueueChunk(ctx context.Context, chunk []byte) {
	e.sched.Enqueue(ctx, (&gattqueue.Op{
		Verb:           gattqueue.VerbWriteCommand,
		Characteristic: transport.DspsServerRX,
		Payload:        append([]byte(nil), chunk...),
		Priority:       gattqueue.High,
	}).WithTag(plainChunkTag{}))
}

// HandleServerTXNotification handles inbound stream bytes: echo,
// forward to an active FileReceive, log to the RX sink, count stats,
// and emit DspsRxData.
func (e *Engine) HandleServerTXNotification(ctx context.Context, data []byte) {
	if !e.gate.AllowDspsReceive() {
		return
	}

	e.mu.Lock()
	echo := e.echo
	fr := e.fileReceive
	sink := e.rxSink
	e.mu.Unlock()

	if echo {
		e.Send(ctx, data)
	}
	if fr != nil {
		fr.Feed(data)
	}
	if sink != nil {
		_, _ = sink.Write(data)
	}
	if e.statsHook != nil {
		e.statsHook(len(data))
	}
	e.bus.Emit(events.Event{Kind: events.KindDspsRxData, SessionID: e.sessionID, Payload: append([]byte(nil), data...)})
}

// HandleFlowNotification reacts to a Flow-Control notification
// (0x01=XON, 0x02=XOFF) driving TX flow.
func (e *Engine) HandleFlowNotification(ctx context.Context, value byte) {
	switch value {
	case 0x02:
		e.mu.Lock()
		e.txFlow = FlowOff
		e.mu.Unlock()
		e.bus.Emit(events.Event{Kind: events.KindDspsTxFlowControl, SessionID: e.sessionID, Payload: FlowOff})
		e.Pause(ctx, true)
	case 0x01:
		e.mu.Lock()
		e.txFlow = FlowOn
		e.mu.Unlock()
		e.bus.Emit(events.Event{Kind: events.KindDspsTxFlowControl, SessionID: e.sessionID, Payload: FlowOn})
		e.Resume(ctx)
	}
}

// SetRxFlow writes the local RX flow state (0x01/0x02) to the
// Flow-Control characteristic, e.g. on connection when
// set_flow_control_on_connection is configured.
func (e *Engine) SetRxFlow(ctx context.Context, on bool) {
	state := FlowOff
	value := byte(0x02)
	if on {
		state = FlowOn
		value = 0x01
	}
	e.mu.Lock()
	e.rxFlow = state
	e.mu.Unlock()

	e.sched.Enqueue(ctx, (&gattqueue.Op{
		Verb:           gattqueue.VerbWriteCommand,
		Characteristic: transport.DspsFlow,
		Payload:        []byte{value},
		Priority:       gattqueue.High,
	}).WithTag(flowWriteTag{}))
	e.bus.Emit(events.Event{Kind: events.KindDspsRxFlowControl, SessionID: e.sessionID, Payload: state})
}

// Pause implements pause_dsps: remove queued plain chunks (optionally
// keeping them in the pending buffer), and pause every active stream.
func (e *Engine) Pause(ctx context.Context, keep bool) {
	removed := e.sched.RemoveByTag(plainChunkTag{})
	if keep {
		e.mu.Lock()
		for _, op := range removed {
			e.pending.push(op.Payload)
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	streams := make([]streamOp, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.mu.Unlock()
	for _, s := range streams {
		s.pause()
	}
}

// Resume implements resume_dsps: re-enqueue the pending buffer in
// chunk-sized pieces, then resume every active stream from its recorded
// resume point.
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	size := e.chunkSize
	var chunks [][]byte
	for e.pending.len() > 0 {
		chunks = append(chunks, e.pending.drainChunk(size))
	}
	streams := make([]streamOp, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.mu.Unlock()

	for _, c := range chunks {
		e.enqueueChunk(ctx, c)
	}
	for _, s := range streams {
		s.resume(ctx)
	}
}

// registerStream adds a FileSend/PatternSend to the active set pause_dsps
// and resume_dsps operate on, and returns its handle.
func (e *Engine) registerStream(s streamOp) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.nextHandle
	e.nextHandle++
	e.streams[h] = s
	return h
}

func (e *Engine) unregisterStream(h int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.streams, h)
}

// StartFileReceive installs fr as the session's single active
// FileReceive, replacing any previous one that has already finished.
func (e *Engine) StartFileReceive(fr *FileReceive) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fileReceive = fr
}

// FileReceive returns the current active file receive, if any.
func (e *Engine) FileReceive() *FileReceive {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fileReceive
}

// gateAllowsWrite reports whether a DSPS write is currently permitted
// under the mode controller's cross-mode gate.
func (e *Engine) gateAllowsWrite() bool { return e.gate.AllowDspsWrite() }

// Teardown stops every active stream, abandons any in-progress file
// receive, and empties the pending buffer. Called on disconnect.
func (e *Engine) Teardown() {
	e.mu.Lock()
	streams := make([]streamOp, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.fileReceive = nil
	e.pending = newPendingBuffer(e.cfg.DspsPendingMax)
	e.mu.Unlock()
	for _, s := range streams {
		s.stop()
	}
}
