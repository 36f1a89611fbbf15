// Package gattqueue implements the GATT operation scheduler: a
// single-pending-op-at-a-time dispatcher with an optional two-tier
// priority queue. One op is issued to the transport, the scheduler
// waits for the transport to report completion, then it dispatches the
// next queued op.
package gattqueue

import (
	"context"
	"sync"

	"blelink/events"
	"blelink/logging"
	"blelink/transport"
)

// Config selects the scheduler's two configurable behaviors.
type Config struct {
	// PriorityEnabled turns on the two-tier ordering rule. When false,
	// the queue is plain FIFO regardless of an Op's Priority.
	PriorityEnabled bool

	// DequeueBeforeProcessing, when set, pops and dispatches the next
	// queued op before running the completed op's callbacks. Dispatch is
	// synchronous, so those callbacks run only after the next op (and
	// every op dispatched after it on the same goroutine) has completed;
	// they do not run while the next op is in flight.
	DequeueBeforeProcessing bool

	// Log receives scheduler diagnostics; nil discards them.
	Log logging.Logger
}

// Scheduler is the session-owned GATT op queue. All exported methods are
// safe to call from any goroutine; Adapter calls are always issued from
// whichever goroutine calls Enqueue/EnqueueMany, one at a time.
type Scheduler struct {
	cfg     Config
	adapter transport.Adapter
	bus     events.Bus
	log     logging.Logger

	mu      sync.Mutex
	pending *Op
	queue   []*Op
}

// New constructs a Scheduler bound to adapter. bus receives Error events
// on transport failure.
func New(adapter transport.Adapter, cfg Config, bus events.Bus) *Scheduler {
	if bus == nil {
		bus = events.Discard
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard
	}
	return &Scheduler{cfg: cfg, adapter: adapter, bus: bus, log: log.With("gatt")}
}

// Enqueue adds a single Op to the queue, dispatching it immediately if
// nothing is currently pending.
func (s *Scheduler) Enqueue(ctx context.Context, op *Op) {
	s.mu.Lock()
	if s.pending == nil {
		s.pending = op
		s.mu.Unlock()
		s.execute(ctx, op)
		return
	}
	s.insert(op)
	s.mu.Unlock()
}

// EnqueueMany inserts a batch of Ops contiguously at the priority
// boundary they share; all ops in a batch carry the same priority. If
// nothing is pending, the first op dispatches immediately and the rest
// queue behind it.
func (s *Scheduler) EnqueueMany(ctx context.Context, ops []*Op) {
	if len(ops) == 0 {
		return
	}
	s.mu.Lock()
	if s.pending == nil {
		s.pending = ops[0]
		rest := ops[1:]
		s.insertBatch(rest)
		s.mu.Unlock()
		s.execute(ctx, ops[0])
		return
	}
	s.insertBatch(ops)
	s.mu.Unlock()
}

// insert places a single op at its priority boundary. Caller holds mu.
func (s *Scheduler) insert(op *Op) {
	if !s.cfg.PriorityEnabled || op.Priority == Low {
		s.queue = append(s.queue, op)
		return
	}
	// High priority: insert after the last existing High op, i.e. before
	// any trailing run of Low ops, never before an existing High op.
	boundary := s.highBoundary()
	s.queue = append(s.queue, nil)
	copy(s.queue[boundary+1:], s.queue[boundary:])
	s.queue[boundary] = op
}

// insertBatch places a contiguous run of same-priority ops at their
// shared boundary. Caller holds mu.
func (s *Scheduler) insertBatch(ops []*Op) {
	if len(ops) == 0 {
		return
	}
	if !s.cfg.PriorityEnabled || ops[0].Priority == Low {
		s.queue = append(s.queue, ops...)
		return
	}
	boundary := s.highBoundary()
	grown := make([]*Op, len(s.queue)+len(ops))
	copy(grown, s.queue[:boundary])
	copy(grown[boundary:], ops)
	copy(grown[boundary+len(ops):], s.queue[boundary:])
	s.queue = grown
}

// highBoundary returns the index just past the last High-priority op in
// the queue (0 if there are none). Caller holds mu.
func (s *Scheduler) highBoundary() int {
	i := 0
	for i < len(s.queue) && s.queue[i].Priority == High {
		i++
	}
	return i
}

// execute issues the transport call for op and wires its completion back
// into onComplete. It never holds mu while calling into the adapter.
func (s *Scheduler) execute(ctx context.Context, op *Op) {
	if op.OnExecute != nil {
		op.OnExecute()
	}
	var err error
	var result []byte
	switch op.Verb {
	case VerbRead:
		result, err = s.adapter.ReadCharacteristic(ctx, op.Characteristic)
	case VerbWrite:
		err = s.adapter.WriteCharacteristic(ctx, op.Characteristic, op.Payload, true)
	case VerbWriteCommand:
		err = s.adapter.WriteCharacteristic(ctx, op.Characteristic, op.Payload, false)
	case VerbReadDescriptor:
		result, err = s.adapter.ReadDescriptor(ctx, op.Characteristic, op.Descriptor)
	case VerbWriteDescriptor:
		err = s.adapter.WriteDescriptor(ctx, op.Characteristic, op.Descriptor, op.Payload)
	case VerbRequestMTU:
		var got int
		got, err = s.adapter.RequestMTU(ctx, op.WantMTU)
		if err == nil {
			result = []byte{byte(got), byte(got >> 8)}
		}
	}
	s.onComplete(ctx, op, result, err)
}

// onComplete is invoked once the transport reports in for op.
func (s *Scheduler) onComplete(ctx context.Context, op *Op, result []byte, err error) {
	var next *Op
	if s.cfg.DequeueBeforeProcessing {
		s.mu.Lock()
		next = s.popNext()
		s.pending = next
		s.mu.Unlock()
		if next != nil {
			s.execute(ctx, next)
		}
		s.finish(op, result, err)
		return
	}

	s.finish(op, result, err)

	s.mu.Lock()
	next = s.popNext()
	s.pending = next
	s.mu.Unlock()
	if next != nil {
		s.execute(ctx, next)
	}
}

// finish runs op's callbacks and, on failure, emits the scheduler-level
// Error event.
func (s *Scheduler) finish(op *Op, result []byte, err error) {
	if err != nil {
		s.log.Warnf("op failed on %s: %v", op.Characteristic, err)
		s.bus.Emit(events.Event{Kind: events.KindError, Payload: events.ErrGattOperation})
		if op.OnError != nil {
			op.OnError(err)
		}
		return
	}
	if op.OnSuccess != nil {
		op.OnSuccess(result)
	}
}

// popNext removes and returns the head of the queue, or nil if empty.
// Caller holds mu.
func (s *Scheduler) popNext() *Op {
	if len(s.queue) == 0 {
		return nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next
}

// RemoveByTag removes every queued op whose tag equals tag (via ==) and
// returns them in original queue order, without touching whatever op is
// currently pending/in-flight. Used by dsps.Engine.Pause and the
// FileSend/PatternSend pause methods to pull a stream's
// not-yet-dispatched chunks back out of the queue.
func (s *Scheduler) RemoveByTag(tag any) []*Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0:0]
	var removed []*Op
	for _, op := range s.queue {
		if op.tag == tag {
			removed = append(removed, op)
			continue
		}
		kept = append(kept, op)
	}
	s.queue = kept
	return removed
}

// Clear drops every queued op without running callbacks. The in-flight
// op, if any, is left to complete on its own; disconnection tears the
// adapter down underneath it, so it resolves through OnError.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
}

// Len reports the number of queued (not-yet-dispatched) ops, for tests
// and diagnostics.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Pending reports whether an op is currently in flight.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}
