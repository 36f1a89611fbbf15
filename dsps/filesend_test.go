package dsps_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blelink/config"
	"blelink/dsps"
	"blelink/events"
	"blelink/gattqueue"
	"blelink/transport"
)

// blockingAdapter reports every write on dispatched then blocks on
// release, letting a test drive dispatch order and timing deterministically
// - the same shape as gattqueue's own scheduler tests.
type blockingAdapter struct {
	dispatched chan []byte
	release    chan struct{}
}

func newBlockingAdapter() *blockingAdapter {
	return &blockingAdapter{dispatched: make(chan []byte, 1), release: make(chan struct{})}
}

func (a *blockingAdapter) WriteCharacteristic(_ context.Context, _ transport.Characteristic, payload []byte, _ bool) error {
	a.dispatched <- append([]byte(nil), payload...)
	<-a.release
	return nil
}
func (a *blockingAdapter) ReadCharacteristic(context.Context, transport.Characteristic) ([]byte, error) {
	return nil, nil
}
func (a *blockingAdapter) ReadDescriptor(context.Context, transport.Characteristic, uint16) ([]byte, error) {
	return nil, nil
}
func (a *blockingAdapter) WriteDescriptor(context.Context, transport.Characteristic, uint16, []byte) error {
	return nil
}
func (a *blockingAdapter) RequestMTU(context.Context, int) (int, error)  { return 23, nil }
func (a *blockingAdapter) Notifications() <-chan transport.Notification { return nil }
func (a *blockingAdapter) Close() error                                 { return nil }

func (a *blockingAdapter) recvAndRelease(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-a.dispatched:
		a.release <- struct{}{}
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
		return nil
	}
}

func (a *blockingAdapter) recv(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-a.dispatched:
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
		return nil
	}
}

type memSource struct {
	data []byte
	r    *bytes.Reader
}

func (m *memSource) Open() error              { m.r = bytes.NewReader(m.data); return nil }
func (m *memSource) Read(p []byte) (int, error) { return m.r.Read(p) }
func (m *memSource) Length() (int64, error)   { return int64(len(m.data)), nil }
func (m *memSource) Close() error             { return nil }

// TestFileSendPauseResumePreservesOrderAndTotal checks that
// pausing mid-transfer stops new chunks from reaching the
// transport, and resuming delivers every remaining byte in order.
func TestFileSendPauseResumePreservesOrderAndTotal(t *testing.T) {
	adapter := newBlockingAdapter()
	sched := gattqueue.New(adapter, gattqueue.Config{PriorityEnabled: true}, nil)
	rec := events.NewRecorder()
	e := dsps.New(dsps.Options{Config: config.Default(), Scheduler: sched, Bus: rec, SessionID: "s1"})

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	fs, err := dsps.NewFileSend(e, &memSource{data: data}, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 10, fs.TotalChunks())

	ctx := context.Background()
	go fs.Start(ctx)

	var got [][]byte
	for i := 0; i < 4; i++ {
		got = append(got, adapter.recvAndRelease(t))
	}

	// The 5th chunk is now dispatched (in flight / "pending") but not yet
	// released - pause must not touch it, only the still-queued tail.
	inFlight := adapter.recv(t)

	e.Pause(ctx, true)
	require.Equal(t, 0, sched.Len(), "paused chunks must leave the queue")

	adapter.release <- struct{}{}
	got = append(got, inFlight)

	require.Eventually(t, func() bool { return !sched.Pending() }, time.Second, time.Millisecond)
	require.Equal(t, 5, fs.SentChunks())

	go e.Resume(ctx) // re-dispatches and blocks, like Start above
	for i := 0; i < 5; i++ {
		got = append(got, adapter.recvAndRelease(t))
	}

	require.Eventually(t, func() bool { return fs.SentChunks() == 10 }, time.Second, time.Millisecond)

	var reassembled []byte
	for _, c := range got {
		reassembled = append(reassembled, c...)
	}
	require.Equal(t, data, reassembled)

	last, ok := rec.Last(events.KindDspsFileChunk)
	require.True(t, ok)
	require.True(t, last.Payload.(dsps.FileChunkProgress).Complete)
}
