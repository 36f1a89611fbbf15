// Package session ties every component together into the per-peer
// Session: one transport adapter, one GATT scheduler, one CodeLess
// engine + mode controller, one DSPS engine, and one stats sampler, all
// serialized the way a single remote device expects. A host constructs
// a Session around a connected transport.Adapter, subscribes a bus, and
// drives it through Connect.
package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"blelink/codeless"
	"blelink/config"
	"blelink/dsps"
	"blelink/events"
	"blelink/gattqueue"
	"blelink/logging"
	"blelink/registry"
	"blelink/stats"
	"blelink/transport"
)

// ErrNotReady is returned by operations that require a connected session.
var ErrNotReady = errors.New("session: not ready")

// State is the connection lifecycle of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ServiceDiscovery
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case ServiceDiscovery:
		return "ServiceDiscovery"
	case Ready:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Options configures a new Session beyond its transport and config.
type Options struct {
	Registry *registry.Registry
	Bus      events.Bus
	Log      logging.Logger
	// Metrics, if set, receives the stats sampler's gauges.
	Metrics prometheus.Registerer
	// UnknownHandler is consulted for inbound identifiers the registry
	// does not know. Return true to suppress the default error reply.
	UnknownHandler func(identifier, args string) bool

	// CodelessLogSink receives every decoded inbound CodeLess line when
	// codeless_log is configured. Supply an async writer (or wrap with
	// logging.NewAsync's pattern) to keep I/O off the session path.
	CodelessLogSink io.Writer
	// DspsRxLogSink receives every inbound DSPS byte when dsps_rx_log is
	// configured.
	DspsRxLogSink dsps.ByteSink
}

// Session owns one logical link to a peer.
type Session struct {
	id      string
	cfg     config.Options
	adapter transport.Adapter
	bus     events.Bus
	log     logging.Logger

	sched    *gattqueue.Scheduler
	codeless *codeless.Engine
	dsps     *dsps.Engine
	sampler  *stats.Sampler
	rxBytes  *stats.Counter

	mu    sync.Mutex
	state State
	mtu   int
	done  chan struct{}
}

// New wires a Session around an already-dialed adapter. Nothing touches
// the radio until Connect.
func New(adapter transport.Adapter, cfg config.Options, opts Options) *Session {
	bus := opts.Bus
	if bus == nil {
		bus = events.Discard
	}
	log := opts.Log
	if log == nil {
		log = logging.Discard
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.NewDefault()
	}

	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		adapter: adapter,
		log:     log.With("session"),
		state:   Disconnected,
		mtu:     cfg.MTU,
	}
	// Components publish through the session's tap so mode transitions
	// can start/stop the sampler and pause/resume DSPS before the host
	// observes the Mode event.
	s.bus = &busTap{s: s, next: bus}

	s.sched = gattqueue.New(adapter, gattqueue.Config{
		PriorityEnabled:         cfg.GattQueuePriority,
		DequeueBeforeProcessing: cfg.GattDequeueBeforeProcessing,
		Log:                     log,
	}, s.bus)

	initialMode := codeless.ModeCommand
	if cfg.InitialModeBinary {
		initialMode = codeless.ModeBinary
	}
	var lineLog io.Writer
	if cfg.CodelessLog {
		lineLog = opts.CodelessLogSink
	}
	s.codeless = codeless.New(codeless.Options{
		Config:         cfg,
		Registry:       reg,
		Scheduler:      s.sched,
		Bus:            s.bus,
		Log:            log,
		SessionID:      s.id,
		InitialMode:    initialMode,
		UnknownHandler: opts.UnknownHandler,
		LineLog:        lineLog,
	})

	s.sampler = stats.New(cfg.DspsStatsInterval, s.bus, s.id, opts.Metrics)
	s.rxBytes = s.sampler.Track("rx")

	s.dsps = dsps.New(dsps.Options{
		Config:    cfg,
		Scheduler: s.sched,
		Gate:      s.codeless,
		Bus:       s.bus,
		Log:       log,
		SessionID: s.id,
		StatsHook: s.rxBytes.Add,
	})
	if cfg.DspsRxLog && opts.DspsRxLogSink != nil {
		s.dsps.SetRxSink(opts.DspsRxLogSink)
	}
	return s
}

// ID returns the session's unique identifier, present on every event it
// emits.
func (s *Session) ID() string { return s.id }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MTU returns the currently negotiated MTU.
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// Mode returns the current CodeLess/DSPS mode.
func (s *Session) Mode() codeless.Mode { return s.codeless.Mode() }

// Connect drives the session to Ready: starts the notification pump,
// requests a larger MTU when configured, and pushes the initial RX flow
// state. The underlying BLE connection and service discovery already
// happened when the adapter was dialed, so the intermediate states are
// walked through synchronously here.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = Connecting
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	s.setState(Connecting)
	s.setState(Connected)
	s.setState(ServiceDiscovery)
	s.bus.Emit(events.Event{Kind: events.KindServiceDiscovery, SessionID: s.id})

	go s.pump(ctx, done)

	if s.cfg.RequestMTU {
		s.sched.Enqueue(ctx, &gattqueue.Op{
			Verb:     gattqueue.VerbRequestMTU,
			WantMTU:  517,
			Priority: gattqueue.High,
			OnSuccess: func(result []byte) {
				if len(result) >= 2 {
					s.applyMTU(int(result[0]) | int(result[1])<<8)
				}
			},
			OnError: func(err error) {
				s.log.Warnf("mtu negotiation failed: %v", err)
			},
		})
	}
	if s.cfg.SetFlowControlOnConnection {
		s.dsps.SetRxFlow(ctx, s.cfg.DefaultDspsRxFlowOn)
	}

	s.setState(Ready)
	s.bus.Emit(events.Event{Kind: events.KindReady, SessionID: s.id})
	return nil
}

func (s *Session) applyMTU(mtu int) {
	s.mu.Lock()
	s.mtu = mtu
	s.mu.Unlock()
	s.dsps.SetMTU(mtu)
	s.log.Infof("mtu %d, dsps chunk size %d", mtu, s.dsps.ChunkSize())
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.bus.Emit(events.Event{Kind: events.KindConnection, SessionID: s.id, Payload: st})
}

// pump fans transport notifications into the two protocol engines until
// the adapter closes its channel or the session disconnects.
func (s *Session) pump(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case n, ok := <-s.adapter.Notifications():
			if !ok {
				s.teardown()
				return
			}
			s.dispatch(ctx, n)
		case <-done:
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, n transport.Notification) {
	switch n.Characteristic {
	case transport.CodelessFlow:
		s.codeless.HandleFlowNotification(ctx)
	case transport.DspsServerTX:
		s.dsps.HandleServerTXNotification(ctx, n.Data)
	case transport.DspsFlow:
		if len(n.Data) > 0 {
			s.dsps.HandleFlowNotification(ctx, n.Data[0])
		}
	default:
		s.log.Debugf("unexpected notification on %s", n.Characteristic)
	}
}

// Disconnect tears the session down: every streaming operation stops,
// both queues drain, mode flags reset, and the adapter closes. The final
// event is the Disconnected state change.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = Disconnected
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.mu.Unlock()

	s.sampler.Stop()
	s.dsps.Teardown()
	s.sched.Clear()
	s.codeless.Reset()
	err := s.adapter.Close()
	s.bus.Emit(events.Event{Kind: events.KindConnection, SessionID: s.id, Payload: Disconnected})
	return err
}

// teardown handles the adapter closing underneath us (link loss).
func (s *Session) teardown() {
	_ = s.Disconnect()
}

// Send submits an outbound CodeLess command built from a registry
// descriptor.
func (s *Session) Send(ctx context.Context, d registry.Descriptor) (*codeless.Call, error) {
	if s.State() != Ready {
		s.bus.Emit(events.Event{Kind: events.KindError, SessionID: s.id, Payload: events.ErrNotReady})
		return nil, ErrNotReady
	}
	return s.codeless.Send(ctx, d)
}

// SendText parses and submits a raw command line such as "ATrI" or
// "AT+BINREQ".
func (s *Session) SendText(ctx context.Context, raw string) (*codeless.Call, error) {
	if s.State() != Ready {
		s.bus.Emit(events.Event{Kind: events.KindError, SessionID: s.id, Payload: events.ErrNotReady})
		return nil, ErrNotReady
	}
	return s.codeless.SendText(ctx, raw)
}

// Ping sends the bare "AT" connectivity check.
func (s *Session) Ping(ctx context.Context) (*codeless.Call, error) {
	return s.Send(ctx, registry.NewCustom("AT"))
}

// SetMode drives the mode handshake toward target. Idempotent.
func (s *Session) SetMode(ctx context.Context, target codeless.Mode) error {
	if s.State() != Ready {
		return ErrNotReady
	}
	return s.codeless.SetMode(ctx, target)
}

// AcceptBinaryModeRequest answers a peer's escalated BinaryModeRequest
// event by sending BINREQACK.
func (s *Session) AcceptBinaryModeRequest(ctx context.Context) error {
	return s.codeless.AcceptBinaryModeRequest(ctx)
}

// Respond writes an informational line for the host command currently
// awaiting a reply (surfaced via a HostCommand event). The payload's
// Reply sink is equivalent; these wrappers save the host from holding
// on to the event.
func (s *Session) Respond(body string) error { return s.codeless.Respond(body) }

// RespondSuccess terminates the pending host command with OK.
func (s *Session) RespondSuccess(body string) error { return s.codeless.RespondSuccess(body) }

// RespondError terminates the pending host command with ERROR.
func (s *Session) RespondError(body string) error { return s.codeless.RespondError(body) }

// DSPS exposes the streaming engine for raw Send and flow-control calls.
func (s *Session) DSPS() *dsps.Engine { return s.dsps }

// SendOptions shapes a SendFile or SendPattern transfer.
type SendOptions struct {
	ChunkSize int
	PeriodMS  int
}

// SendFile splits src into chunks and begins transmitting. The returned
// handle reports progress and supports Stop.
func (s *Session) SendFile(ctx context.Context, src dsps.ByteSource, opts SendOptions) (*dsps.FileSend, error) {
	if s.State() != Ready {
		return nil, ErrNotReady
	}
	fs, err := dsps.NewFileSend(s.dsps, src, opts.ChunkSize, opts.PeriodMS)
	if err != nil {
		return nil, err
	}
	name := "filesend-" + uuid.NewString()
	fs.SetStatsHook(s.sampler.Track(name).Add)
	fs.SetOnStop(func() { s.sampler.Untrack(name) })
	fs.Start(ctx)
	return fs, nil
}

// SendPattern begins a periodic counter-suffixed packet stream.
func (s *Session) SendPattern(ctx context.Context, src dsps.ByteSource, digits int, trailer []byte, opts SendOptions, count uint64) (*dsps.PatternSend, error) {
	if s.State() != Ready {
		return nil, ErrNotReady
	}
	ps, err := dsps.NewPatternSend(s.dsps, src, digits, trailer, opts.ChunkSize, opts.PeriodMS, count)
	if err != nil {
		return nil, err
	}
	name := "patternsend-" + uuid.NewString()
	ps.SetStatsHook(s.sampler.Track(name).Add)
	ps.SetOnStop(func() { s.sampler.Untrack(name) })
	ps.Start(ctx)
	return ps, nil
}

// ReceiveFile arms the single structured file receive. Inbound DSPS bytes
// are parsed for the Name/Size/CRC header and the payload lands in the
// sink sinkFactory opens for the parsed name.
func (s *Session) ReceiveFile(sinkFactory func(name string) (dsps.ByteSink, error)) (*dsps.FileReceive, error) {
	if s.State() != Ready {
		return nil, ErrNotReady
	}
	if fr := s.dsps.FileReceive(); fr != nil && !fr.Done() {
		return nil, errors.New("session: a file receive is already active")
	}
	fr := dsps.NewFileReceive(sinkFactory, s.bus, s.id)
	name := "filereceive-" + uuid.NewString()
	fr.SetStatsHook(s.sampler.Track(name).Add)
	fr.SetOnDone(func() { s.sampler.Untrack(name) })
	s.dsps.StartFileReceive(fr)
	return fr, nil
}

// busTap forwards every component event to the host bus, reacting to
// Mode transitions first: entering Binary starts the stats sampler and
// resumes DSPS, leaving Binary stops sampling and pauses DSPS without
// keeping pending chunks.
type busTap struct {
	s    *Session
	next events.Bus
}

func (t *busTap) Emit(e events.Event) {
	if e.Kind == events.KindMode {
		if m, ok := e.Payload.(codeless.Mode); ok {
			t.s.onModeChange(m)
		}
	}
	t.next.Emit(e)
}

func (s *Session) onModeChange(m codeless.Mode) {
	if m == codeless.ModeBinary {
		if s.cfg.DspsStats {
			s.sampler.Start()
		}
		s.dsps.Resume(context.Background())
		return
	}
	s.sampler.Stop()
	s.dsps.Pause(context.Background(), false)
}
