package dsps_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blelink/config"
	"blelink/dsps"
	"blelink/events"
	"blelink/gattqueue"
)

// TestPatternSendCounterWraps checks the counter wraparound
// law at a scale a test can run in real time: digits=2 (mod 100) instead
// of 4, across 102 packets, expecting suffixes 0,1,...,99,0,1.
func TestPatternSendCounterWraps(t *testing.T) {
	adapter := newBlockingAdapter()
	sched := gattqueue.New(adapter, gattqueue.Config{PriorityEnabled: true}, nil)
	rec := events.NewRecorder()
	e := dsps.New(dsps.Options{Config: config.Default(), Scheduler: sched, Bus: rec, SessionID: "s1"})

	go func() {
		for range adapter.dispatched {
			adapter.release <- struct{}{}
		}
	}()

	src := &memSource{data: []byte("ab")}
	ps, err := dsps.NewPatternSend(e, src, 2, []byte("\n"), 5, 1, 102)
	require.NoError(t, err)

	ctx := context.Background()
	ps.Start(ctx)

	require.Eventually(t, func() bool { return ps.SentCount() == 1 && countPatternEvents(rec) == 102 }, 5*time.Second, time.Millisecond)

	suffixes := patternSuffixes(rec)
	require.Len(t, suffixes, 102)
	for i := 0; i < 100; i++ {
		require.Equal(t, uint64(i), suffixes[i])
	}
	require.Equal(t, uint64(0), suffixes[100])
	require.Equal(t, uint64(1), suffixes[101])
}

// TestPatternSendPauseRollsBackCounter pauses while packets are still
// queued behind a slow in-flight write: the removed packets' counter
// values must be re-emitted after resume, with no gap and no duplicate.
func TestPatternSendPauseRollsBackCounter(t *testing.T) {
	adapter := newBlockingAdapter()
	sched := gattqueue.New(adapter, gattqueue.Config{PriorityEnabled: true}, nil)
	rec := events.NewRecorder()
	e := dsps.New(dsps.Options{Config: config.Default(), Scheduler: sched, Bus: rec, SessionID: "s1"})

	ctx := context.Background()
	go e.Send(ctx, []byte("x")) // occupies the scheduler, held in flight
	adapter.recv(t)

	src := &memSource{data: []byte("ab")}
	ps, err := dsps.NewPatternSend(e, src, 2, []byte("\n"), 5, 1, 0)
	require.NoError(t, err)
	ps.Start(ctx)

	// The timer piles packets up behind the blocked write.
	require.Eventually(t, func() bool { return sched.Len() >= 3 }, time.Second, time.Millisecond)

	e.Pause(ctx, false)
	require.Equal(t, 0, sched.Len(), "paused packets must leave the queue")
	require.Equal(t, uint64(0), ps.SentCount(), "counter must roll back over the removed packets")

	adapter.release <- struct{}{} // the held write completes
	require.Eventually(t, func() bool { return !sched.Pending() }, time.Second, time.Millisecond)

	go func() {
		for range adapter.dispatched {
			adapter.release <- struct{}{}
		}
	}()
	e.Resume(ctx)

	require.Eventually(t, func() bool { return countPatternEvents(rec) >= 6 }, 5*time.Second, time.Millisecond)
	ps.Stop()

	suffixes := patternSuffixes(rec)
	for i := 0; i < 6; i++ {
		require.Equal(t, uint64(i), suffixes[i])
	}
}

func countPatternEvents(rec *events.Recorder) int {
	n := 0
	for _, ev := range rec.Events() {
		if ev.Kind == events.KindDspsPatternChunk {
			n++
		}
	}
	return n
}

func patternSuffixes(rec *events.Recorder) []uint64 {
	var out []uint64
	for _, ev := range rec.Events() {
		if ev.Kind == events.KindDspsPatternChunk {
			out = append(out, ev.Payload.(dsps.PatternChunkProgress).Suffix)
		}
	}
	return out
}
