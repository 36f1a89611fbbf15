// Package stats implements interval sampling of DSPS byte counters. Each
// tracked counter accumulates bytes_total and bytes_interval; a single
// ticker-driven worker converts the interval delta into a bytes/second
// speed, emits a DspsStats event per counter, and mirrors both numbers
// into Prometheus gauges so an embedding host can expose them on its own
// /metrics handler.
package stats

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blelink/events"
)

// Sample is the payload of a DspsStats event: one interval's worth of
// throughput for one tracked counter.
type Sample struct {
	Name          string
	BytesTotal    int64
	BytesInterval int64
	// Speed is bytes per second over the elapsed interval.
	Speed int64
}

// Counter is one tracked byte stream (session RX, a FileSend, a
// PatternSend, a FileReceive). Add is safe to call from any goroutine;
// the counters are lock-free so streaming hot paths never contend with
// the sampler tick.
type Counter struct {
	name     string
	total    atomic.Int64
	interval atomic.Int64
}

// Add records n more bytes on this counter.
func (c *Counter) Add(n int) {
	c.total.Add(int64(n))
	c.interval.Add(int64(n))
}

// Total reports the lifetime byte count.
func (c *Counter) Total() int64 { return c.total.Load() }

// Sampler owns the stats worker goroutine. Counters register and
// unregister as streaming operations come and go; Start/Stop follow the
// session's mode transitions (sampling runs only while in Binary mode).
type Sampler struct {
	interval  time.Duration
	bus       events.Bus
	sessionID string

	bytesTotal *prometheus.GaugeVec
	speed      *prometheus.GaugeVec

	mu       sync.Mutex
	counters map[string]*Counter
	stop     chan struct{}
	lastTick time.Time
}

// New constructs a Sampler firing every interval. reg may be nil, in
// which case the Prometheus gauges are created but never registered
// (events still flow).
func New(interval time.Duration, bus events.Bus, sessionID string, reg prometheus.Registerer) *Sampler {
	if bus == nil {
		bus = events.Discard
	}
	if interval <= 0 {
		interval = time.Second
	}
	s := &Sampler{
		interval:  interval,
		bus:       bus,
		sessionID: sessionID,
		counters:  make(map[string]*Counter),
		bytesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsps_bytes_total",
			Help: "Lifetime bytes observed per tracked DSPS counter.",
		}, []string{"session", "counter"}),
		speed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsps_speed_bytes_per_sec",
			Help: "Throughput over the last sampling interval per tracked DSPS counter.",
		}, []string{"session", "counter"}),
	}
	if reg != nil {
		s.bytesTotal = registerOrExisting(reg, s.bytesTotal)
		s.speed = registerOrExisting(reg, s.speed)
	}
	return s
}

// registerOrExisting registers gv, reusing the already-registered
// collector when another Session on the same registry got there first -
// the session label keeps their series apart.
func registerOrExisting(reg prometheus.Registerer, gv *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := reg.Register(gv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.GaugeVec)
		}
		panic(err)
	}
	return gv
}

// Track registers (or returns the existing) counter under name.
func (s *Sampler) Track(name string) *Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := &Counter{name: name}
	s.counters[name] = c
	return c
}

// Untrack removes a counter once its operation completes. Its gauges are
// deleted so a finished transfer doesn't linger at its last speed.
func (s *Sampler) Untrack(name string) {
	s.mu.Lock()
	delete(s.counters, name)
	s.mu.Unlock()
	s.bytesTotal.DeleteLabelValues(s.sessionID, name)
	s.speed.DeleteLabelValues(s.sessionID, name)
}

// Start launches the worker. Idempotent: a second Start while running is
// a no-op.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.lastTick = time.Now()
	go s.run(stop)
}

// Stop halts the worker. Idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.stop = nil
}

func (s *Sampler) run(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick computes speed = bytes_interval * 1000 / elapsed_ms for every
// tracked counter, resets the interval accumulator, and publishes.
func (s *Sampler) tick(now time.Time) {
	s.mu.Lock()
	elapsed := now.Sub(s.lastTick)
	s.lastTick = now
	counters := make([]*Counter, 0, len(s.counters))
	for _, c := range s.counters {
		counters = append(counters, c)
	}
	s.mu.Unlock()

	if elapsed <= 0 {
		return
	}
	for _, c := range counters {
		delta := c.interval.Swap(0)
		speed := delta * int64(time.Second) / int64(elapsed)
		s.bytesTotal.WithLabelValues(s.sessionID, c.name).Set(float64(c.total.Load()))
		s.speed.WithLabelValues(s.sessionID, c.name).Set(float64(speed))
		s.bus.Emit(events.Event{
			Kind: events.KindDspsStats, SessionID: s.sessionID, At: now,
			Payload: Sample{Name: c.name, BytesTotal: c.total.Load(), BytesInterval: delta, Speed: speed},
		})
	}
}
