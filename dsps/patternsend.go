package dsps

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"blelink/events"
	"blelink/gattqueue"
	"blelink/transport"
)

// PatternSend emits a periodic prefix||counter||trailer packet whose
// counter wraps modulo 10^digits. Counters are 0-based throughout:
// sentCount holds the value most recently written to a packet, so after
// the Nth packet sent, sentCount == (N-1) mod 10^digits.
type PatternSend struct {
	engine    *Engine
	handle    int
	prefix    []byte
	digits    int
	trailer   []byte
	periodMs  int
	mod       uint64
	targetLen uint64 // 0 = unlimited

	mu        sync.Mutex
	timer     *time.Timer
	emitted   uint64
	sentCount uint64
	active    bool
	done      bool
	statsHook func(n int)
	onStop    func()
}

// SetOnStop installs a callback fired exactly once when the sender
// finishes or is stopped.
func (p *PatternSend) SetOnStop(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStop = fn
}

// SetStatsHook installs a per-packet byte counter callback.
func (p *PatternSend) SetStatsHook(fn func(n int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statsHook = fn
}

// NewPatternSend loads a prefix block of length chunkSize-digits-len(trailer)
// from src and constructs a PatternSend. targetCount bounds the number of
// packets sent before Stop is called automatically; 0 means unlimited.
func NewPatternSend(e *Engine, src ByteSource, digits int, trailer []byte, chunkSize, periodMs int, targetCount uint64) (*PatternSend, error) {
	if chunkSize <= 0 {
		chunkSize = e.ChunkSize()
	}
	prefixLen := chunkSize - digits - len(trailer)
	if prefixLen < 0 {
		prefixLen = 0
	}
	if err := src.Open(); err != nil {
		return nil, err
	}
	prefix := make([]byte, prefixLen)
	n, err := io.ReadFull(src, prefix)
	closeErr := src.Close()
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	prefix = prefix[:n]

	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	ps := &PatternSend{
		engine:    e,
		prefix:    prefix,
		digits:    digits,
		trailer:   append([]byte(nil), trailer...),
		periodMs:  periodMs,
		mod:       mod,
		targetLen: targetCount,
	}
	ps.handle = e.registerStream(ps)
	return ps, nil
}

// SentCount returns the 0-based counter value most recently written to a
// packet.
func (p *PatternSend) SentCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentCount
}

// Start arms the periodic timer.
func (p *PatternSend) Start(ctx context.Context) {
	p.mu.Lock()
	if p.active || p.done {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.mu.Unlock()
	p.sendOne(ctx)
}

// sendOne emits the next packet immediately and, unless it just hit
// target_count, arms the timer for the one after.
func (p *PatternSend) sendOne(ctx context.Context) {
	p.mu.Lock()
	if p.done || !p.active {
		p.mu.Unlock()
		return
	}
	p.emitted++
	suffix := (p.emitted - 1) % p.mod
	p.sentCount = suffix
	reachedTarget := p.targetLen > 0 && p.emitted >= p.targetLen
	p.mu.Unlock()

	packet := p.buildPacket(suffix)
	p.engine.sched.Enqueue(ctx, (&gattqueue.Op{
		Verb:           gattqueue.VerbWriteCommand,
		Characteristic: transport.DspsServerRX,
		Payload:        packet,
		Priority:       gattqueue.Low,
		OnExecute: func() {
			p.mu.Lock()
			hook := p.statsHook
			p.mu.Unlock()
			if hook != nil {
				hook(len(packet))
			}
			p.engine.bus.Emit(events.Event{
				Kind: events.KindDspsPatternChunk, SessionID: p.engine.sessionID,
				Payload: PatternChunkProgress{Suffix: suffix, SentCount: suffix},
			})
			// Completion happens at dispatch, not at enqueue, so the
			// final packet can't be swept out of the queue by its own
			// Stop.
			if reachedTarget {
				p.Stop()
			}
		},
	}).WithTag(p))

	if !reachedTarget {
		p.armTimer(ctx)
	}
}

// armTimer schedules the next sendOne, periodMs from now.
func (p *PatternSend) armTimer(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done && p.active && p.periodMs > 0 {
		p.timer = time.AfterFunc(time.Duration(p.periodMs)*time.Millisecond, func() { p.sendOne(ctx) })
	}
}

func (p *PatternSend) buildPacket(suffix uint64) []byte {
	out := make([]byte, 0, len(p.prefix)+p.digits+len(p.trailer))
	out = append(out, p.prefix...)
	out = append(out, []byte(fmt.Sprintf("%0*d", p.digits, suffix))...)
	out = append(out, p.trailer...)
	return out
}

// pause cancels the timer and pulls any not-yet-dispatched packets back
// out of the queue, rolling the counter back by however many were
// removed so resume re-emits exactly those values - the earliest removed
// counter is the resume point. Idempotent: a removed count of 0 leaves
// the counter where it already was.
func (p *PatternSend) pause() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.active = false
	p.mu.Unlock()

	removed := p.engine.sched.RemoveByTag(p)
	if len(removed) == 0 {
		return
	}
	p.mu.Lock()
	p.emitted -= uint64(len(removed))
	if p.emitted == 0 {
		p.sentCount = 0
	} else {
		p.sentCount = (p.emitted - 1) % p.mod
	}
	p.mu.Unlock()
}

func (p *PatternSend) resume(ctx context.Context) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.mu.Unlock()
	p.armTimer(ctx)
}

// Stop halts the sender permanently and removes it from the engine's
// active stream set.
func (p *PatternSend) Stop() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.active = false
	if p.timer != nil {
		p.timer.Stop()
	}
	onStop := p.onStop
	p.mu.Unlock()
	p.engine.sched.RemoveByTag(p)
	p.engine.unregisterStream(p.handle)
	if onStop != nil {
		onStop()
	}
}

func (p *PatternSend) stop() { p.Stop() }
