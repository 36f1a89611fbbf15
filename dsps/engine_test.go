package dsps_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"blelink/config"
	"blelink/dsps"
	"blelink/events"
	"blelink/gattqueue"
	"blelink/transport"
)

// syncAdapter completes every call immediately, recording writes.
type syncAdapter struct {
	writes [][]byte
}

func (a *syncAdapter) WriteCharacteristic(_ context.Context, _ transport.Characteristic, payload []byte, _ bool) error {
	a.writes = append(a.writes, append([]byte(nil), payload...))
	return nil
}
func (a *syncAdapter) ReadCharacteristic(context.Context, transport.Characteristic) ([]byte, error) {
	return nil, nil
}
func (a *syncAdapter) ReadDescriptor(context.Context, transport.Characteristic, uint16) ([]byte, error) {
	return nil, nil
}
func (a *syncAdapter) WriteDescriptor(context.Context, transport.Characteristic, uint16, []byte) error {
	return nil
}
func (a *syncAdapter) RequestMTU(context.Context, int) (int, error)  { return 23, nil }
func (a *syncAdapter) Notifications() <-chan transport.Notification { return nil }
func (a *syncAdapter) Close() error                                 { return nil }

func newTestEngine() (*dsps.Engine, *syncAdapter, *events.Recorder) {
	adapter := &syncAdapter{}
	sched := gattqueue.New(adapter, gattqueue.Config{PriorityEnabled: true}, nil)
	rec := events.NewRecorder()
	cfg := config.Default()
	cfg.MTU = 23
	cfg.DspsChunkSizeIncreaseToMTU = false
	cfg.DefaultDspsChunkSize = 5
	e := dsps.New(dsps.Options{Config: cfg, Scheduler: sched, Bus: rec, SessionID: "s1"})
	return e, adapter, rec
}

// TestSendSplitsIntoChunkCeiling checks that no DSPS
// chunk ever exceeds current_dsps_chunk_size.
func TestSendSplitsIntoChunkCeiling(t *testing.T) {
	e, adapter, _ := newTestEngine()
	e.Send(context.Background(), []byte("0123456789ab"))

	require.Len(t, adapter.writes, 3)
	require.Equal(t, []byte("01234"), adapter.writes[0])
	require.Equal(t, []byte("56789"), adapter.writes[1])
	require.Equal(t, []byte("ab"), adapter.writes[2])
}

// TestFlowOffBuffersThenFlowOnFlushes checks that while
// TX flow is off, chunks land in the pending buffer instead of the
// transport; XON flushes them in order.
func TestFlowOffBuffersThenFlowOnFlushes(t *testing.T) {
	e, adapter, rec := newTestEngine()
	ctx := context.Background()

	e.HandleFlowNotification(ctx, 0x02) // XOFF
	e.Send(ctx, []byte("hello"))
	require.Empty(t, adapter.writes, "no chunk may reach the transport while TX flow is off")

	e.HandleFlowNotification(ctx, 0x01) // XON
	require.Len(t, adapter.writes, 1)
	require.Equal(t, []byte("hello"), adapter.writes[0])

	kinds := map[events.Kind]int{}
	for _, ev := range rec.Events() {
		kinds[ev.Kind]++
	}
	require.Equal(t, 2, kinds[events.KindDspsTxFlowControl])
}

// TestSetRxFlowEmitsAndSurvivesPause checks that the RX flow write
// emits DspsRxFlowControl and that Pause's data-chunk sweep leaves a
// still-queued flow-control write alone.
func TestSetRxFlowEmitsAndSurvivesPause(t *testing.T) {
	adapter := newBlockingAdapter()
	sched := gattqueue.New(adapter, gattqueue.Config{PriorityEnabled: true}, nil)
	rec := events.NewRecorder()
	e := dsps.New(dsps.Options{Config: config.Default(), Scheduler: sched, Bus: rec, SessionID: "s1"})
	ctx := context.Background()

	go e.Send(ctx, []byte("x")) // dispatches and blocks
	adapter.recv(t)

	e.SetRxFlow(ctx, true) // queues behind the blocked chunk
	require.Equal(t, 1, sched.Len())

	last, ok := rec.Last(events.KindDspsRxFlowControl)
	require.True(t, ok)
	require.Equal(t, dsps.FlowOn, last.Payload)

	e.Pause(ctx, false)
	require.Equal(t, 1, sched.Len(), "the flow write must survive the sweep")

	adapter.release <- struct{}{}
	require.Equal(t, []byte{0x01}, adapter.recvAndRelease(t))
}

// TestRxEchoResendsBytes checks the RX echo behavior.
func TestRxEchoResendsBytes(t *testing.T) {
	e, adapter, rec := newTestEngine()
	e.SetEcho(true)
	ctx := context.Background()

	e.HandleServerTXNotification(ctx, []byte("ping"))

	require.Len(t, adapter.writes, 1)
	require.Equal(t, []byte("ping"), adapter.writes[0])

	last, ok := rec.Last(events.KindDspsRxData)
	require.True(t, ok)
	require.Equal(t, []byte("ping"), last.Payload.([]byte))
}
