package dsps

import (
	"context"
	"io"
	"sync"
	"time"

	"blelink/events"
	"blelink/gattqueue"
	"blelink/transport"
)

// FileSend streams a byte source as a sequence of chunk ops: the
// payload is split up front, then dripped out behind a periodic timer,
// or (when periodMs is 0) bulk-enqueued all at once.
type FileSend struct {
	engine   *Engine
	handle   int
	chunks   [][]byte
	periodMs int

	mu          sync.Mutex
	timer       *time.Timer
	sentChunks  int
	resumeIndex int
	active      bool
	done        bool
	statsHook   func(n int)
	onStop      func()
}

// SetOnStop installs a callback fired exactly once when the transfer
// finishes or is stopped.
func (f *FileSend) SetOnStop(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStop = fn
}

// SetStatsHook installs a per-chunk byte counter callback, invoked with
// the chunk length at the moment each chunk is handed to the transport.
func (f *FileSend) SetStatsHook(fn func(n int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsHook = fn
}

// NewFileSend reads all of src and splits it into ceil(len/chunkSize)
// chunks. chunkSize <= 0 uses the engine's current chunk size.
func NewFileSend(e *Engine, src ByteSource, chunkSize, periodMs int) (*FileSend, error) {
	if chunkSize <= 0 {
		chunkSize = e.ChunkSize()
	}
	if err := src.Open(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(readerFunc(src.Read))
	closeErr := src.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}

	fs := &FileSend{
		engine:   e,
		chunks:   chunkify(data, chunkSize),
		periodMs: periodMs,
	}
	fs.handle = e.registerStream(fs)
	return fs, nil
}

// readerFunc adapts a bare Read method to io.Reader for io.ReadAll.
type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func chunkify(data []byte, size int) [][]byte {
	if size <= 0 {
		size = 1
	}
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n:n])
		data = data[n:]
	}
	return out
}

// TotalChunks reports how many chunks this transfer was split into.
func (f *FileSend) TotalChunks() int { return len(f.chunks) }

// SentChunks reports how many chunks have been handed to the transport so
// far (counted as each chunk op executes, not when it is enqueued).
func (f *FileSend) SentChunks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentChunks
}

// Start begins the transfer: a periodic timer if period_ms > 0, or a
// single bulk enqueue of every remaining chunk otherwise.
func (f *FileSend) Start(ctx context.Context) {
	f.mu.Lock()
	if f.active || f.done {
		f.mu.Unlock()
		return
	}
	f.active = true
	f.mu.Unlock()

	if f.periodMs > 0 {
		f.scheduleNext(ctx)
		return
	}
	f.enqueueRemaining(ctx)
}

// enqueueRemaining bulk-enqueues every not-yet-sent chunk at once, low
// priority. resumeIndex is advanced
// to cover the whole batch immediately; pause() rolls it back by however
// many of these ops never got dispatched.
func (f *FileSend) enqueueRemaining(ctx context.Context) {
	f.mu.Lock()
	start := f.resumeIndex
	remaining := f.chunks[start:]
	f.resumeIndex = len(f.chunks)
	f.mu.Unlock()

	ops := make([]*gattqueue.Op, len(remaining))
	for i, chunk := range remaining {
		idx := start + i
		ops[i] = (&gattqueue.Op{
			Verb:           gattqueue.VerbWriteCommand,
			Characteristic: transport.DspsServerRX,
			Payload:        chunk,
			Priority:       gattqueue.Low,
			OnExecute:      func() { f.onChunkSent(idx) },
		}).WithTag(f)
	}
	f.engine.sched.EnqueueMany(ctx, ops)
}

// scheduleNext arms the periodic timer for the next single chunk.
// resumeIndex is advanced past idx before the op is even enqueued, for
// the same reason as enqueueRemaining.
func (f *FileSend) scheduleNext(ctx context.Context) {
	f.mu.Lock()
	if f.done || !f.active {
		f.mu.Unlock()
		return
	}
	idx := f.resumeIndex
	if idx >= len(f.chunks) {
		f.mu.Unlock()
		return
	}
	chunk := f.chunks[idx]
	f.resumeIndex++
	f.mu.Unlock()

	f.engine.sched.Enqueue(ctx, (&gattqueue.Op{
		Verb:           gattqueue.VerbWriteCommand,
		Characteristic: transport.DspsServerRX,
		Payload:        chunk,
		Priority:       gattqueue.Low,
		OnExecute:      func() { f.onChunkSent(idx) },
	}).WithTag(f))

	f.mu.Lock()
	if !f.done && f.active {
		f.timer = time.AfterFunc(time.Duration(f.periodMs)*time.Millisecond, func() { f.scheduleNext(ctx) })
	}
	f.mu.Unlock()
}

// onChunkSent runs when a chunk op actually executes: it updates
// sent_chunks, emits progress, and completes the transfer once every
// chunk has gone out.
func (f *FileSend) onChunkSent(idx int) {
	f.mu.Lock()
	if idx+1 > f.sentChunks {
		f.sentChunks = idx + 1
	}
	total := len(f.chunks)
	complete := f.sentChunks == total
	sent := f.sentChunks
	hook := f.statsHook
	f.mu.Unlock()

	if hook != nil {
		hook(len(f.chunks[idx]))
	}

	f.engine.bus.Emit(events.Event{
		Kind: events.KindDspsFileChunk, SessionID: f.engine.sessionID,
		Payload: FileChunkProgress{Index: idx, Sent: sent, Total: total, Complete: complete},
	})
	if complete {
		f.Stop()
	}
}

// pause cancels the periodic timer and removes any not-yet-dispatched
// chunk ops from the queue, rolling resumeIndex back to the earliest of
// them - idempotent, since a removed count of 0 leaves resumeIndex where
// it already was.
func (f *FileSend) pause() {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.active = false
	f.mu.Unlock()

	removed := f.engine.sched.RemoveByTag(f)
	if len(removed) == 0 {
		return
	}
	f.mu.Lock()
	f.resumeIndex -= len(removed)
	if f.resumeIndex < 0 {
		f.resumeIndex = 0
	}
	f.mu.Unlock()
}

// resume restarts the timer (periodic mode) or re-enqueues every
// remaining chunk (bulk mode), starting at the recorded resume point.
func (f *FileSend) resume(ctx context.Context) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.active = true
	f.mu.Unlock()

	if f.periodMs > 0 {
		f.scheduleNext(ctx)
		return
	}
	f.enqueueRemaining(ctx)
}

// Stop marks the transfer finished, cancels any timer, and removes it
// from the engine's active stream set.
func (f *FileSend) Stop() {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.active = false
	if f.timer != nil {
		f.timer.Stop()
	}
	onStop := f.onStop
	f.mu.Unlock()
	f.engine.sched.RemoveByTag(f)
	f.engine.unregisterStream(f.handle)
	if onStop != nil {
		onStop()
	}
}

func (f *FileSend) stop() { f.Stop() }
