package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blelink/codeless"
	"blelink/config"
	"blelink/events"
	"blelink/registry"
	"blelink/session"
	"blelink/transport"
)

// scriptedAdapter records writes and answers reads from a queue, standing
// in for the peer's side of the link.
type scriptedAdapter struct {
	mu     sync.Mutex
	writes []write
	reads  [][]byte
	notify chan transport.Notification
	closed bool
}

type write struct {
	ch           transport.Characteristic
	payload      []byte
	withResponse bool
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{notify: make(chan transport.Notification, 16)}
}

func (a *scriptedAdapter) WriteCharacteristic(_ context.Context, ch transport.Characteristic, payload []byte, withResponse bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, write{ch, append([]byte(nil), payload...), withResponse})
	return nil
}

func (a *scriptedAdapter) ReadCharacteristic(context.Context, transport.Characteristic) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.reads) == 0 {
		return nil, nil
	}
	data := a.reads[0]
	a.reads = a.reads[1:]
	return data, nil
}

func (a *scriptedAdapter) ReadDescriptor(context.Context, transport.Characteristic, uint16) ([]byte, error) {
	return nil, nil
}
func (a *scriptedAdapter) WriteDescriptor(context.Context, transport.Characteristic, uint16, []byte) error {
	return nil
}
func (a *scriptedAdapter) RequestMTU(_ context.Context, want int) (int, error) { return 247, nil }
func (a *scriptedAdapter) Notifications() <-chan transport.Notification       { return a.notify }

func (a *scriptedAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.notify)
	}
	return nil
}

// queueRead arms the next ReadCharacteristic response.
func (a *scriptedAdapter) queueRead(data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads = append(a.reads, data)
}

// peerSays simulates the peer raising the CodeLess data-ready flag with
// text waiting on the Outbound characteristic.
func (a *scriptedAdapter) peerSays(text string) {
	a.queueRead([]byte(text))
	a.notify <- transport.Notification{Characteristic: transport.CodelessFlow, Data: []byte{0x01}}
}

func (a *scriptedAdapter) writesTo(ch transport.Characteristic) []write {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []write
	for _, w := range a.writes {
		if w.ch == ch {
			out = append(out, w)
		}
	}
	return out
}

func newReadySession(t *testing.T) (*session.Session, *scriptedAdapter, *events.Recorder) {
	t.Helper()
	adapter := newScriptedAdapter()
	rec := events.NewRecorder()
	sess := session.New(adapter, config.Default(), session.Options{Bus: rec})
	require.NoError(t, sess.Connect(context.Background()))
	require.Equal(t, session.Ready, sess.State())
	return sess, adapter, rec
}

func TestConnectWalksLifecycle(t *testing.T) {
	sess, adapter, rec := newReadySession(t)
	defer sess.Disconnect()

	_, ok := rec.Last(events.KindReady)
	require.True(t, ok)
	require.Equal(t, 247, sess.MTU())

	// set_flow_control_on_connection pushed XON to the flow characteristic.
	flowWrites := adapter.writesTo(transport.DspsFlow)
	require.Len(t, flowWrites, 1)
	require.Equal(t, []byte{0x01}, flowWrites[0].payload)
}

func TestPingRoundTrip(t *testing.T) {
	sess, adapter, _ := newReadySession(t)
	defer sess.Disconnect()

	call, err := sess.Ping(context.Background())
	require.NoError(t, err)

	outbound := adapter.writesTo(transport.CodelessInbound)
	require.Len(t, outbound, 1)
	require.Equal(t, []byte("AT\r\n"), outbound[0].payload)
	require.True(t, outbound[0].withResponse)

	adapter.peerSays("\r\nOK\r\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := call.Wait(ctx)
	require.NoError(t, err)
	require.Nil(t, result.Err)
}

func TestModeToggleHandshake(t *testing.T) {
	sess, adapter, rec := newReadySession(t)
	defer sess.Disconnect()

	require.NoError(t, sess.SetMode(context.Background(), codeless.ModeBinary))

	outbound := adapter.writesTo(transport.CodelessInbound)
	require.Len(t, outbound, 1)
	require.Equal(t, []byte("AT+BINREQ\r\n"), outbound[0].payload)

	// Peer accepts the pending BINREQ, then initiates the ack.
	adapter.peerSays("OK")
	adapter.peerSays("AT+BINREQACK")

	require.Eventually(t, func() bool {
		e, ok := rec.Last(events.KindMode)
		return ok && e.Payload == codeless.ModeBinary
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, codeless.ModeBinary, sess.Mode())

	// Idempotent: asking for Binary again emits nothing new.
	before := len(rec.Events())
	require.NoError(t, sess.SetMode(context.Background(), codeless.ModeBinary))
	require.Equal(t, before, len(rec.Events()))
}

func TestPeerInitiatedBinaryRequestEscalates(t *testing.T) {
	adapter := newScriptedAdapter()
	rec := events.NewRecorder()
	cfg := config.Default()
	cfg.HostBinaryRequest = true
	sess := session.New(adapter, cfg, session.Options{Bus: rec})
	require.NoError(t, sess.Connect(context.Background()))
	defer sess.Disconnect()

	adapter.peerSays("AT+BINREQ")

	require.Eventually(t, func() bool {
		_, ok := rec.Last(events.KindBinaryModeRequest)
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, codeless.ModeCommand, sess.Mode())

	require.NoError(t, sess.AcceptBinaryModeRequest(context.Background()))
	adapter.peerSays("OK")

	require.Eventually(t, func() bool {
		return sess.Mode() == codeless.ModeBinary
	}, time.Second, 5*time.Millisecond)
}

func TestHostCommandReply(t *testing.T) {
	adapter := newScriptedAdapter()
	rec := events.NewRecorder()
	reg := registry.NewDefault()
	reg.RegisterHost("PIN", false)
	sess := session.New(adapter, config.Default(), session.Options{Bus: rec, Registry: reg})
	require.NoError(t, sess.Connect(context.Background()))
	defer sess.Disconnect()

	adapter.peerSays("ATrPIN=0000")

	require.Eventually(t, func() bool {
		_, ok := rec.Last(events.KindHostCommand)
		return ok
	}, time.Second, 5*time.Millisecond)
	e, _ := rec.Last(events.KindHostCommand)
	cmd := e.Payload.(codeless.InboundCommand)
	require.Equal(t, "PIN", cmd.Identifier)
	require.Equal(t, "0000", cmd.Args)
	require.NotNil(t, cmd.Reply)

	require.NoError(t, sess.RespondSuccess(""))
	outbound := adapter.writesTo(transport.CodelessInbound)
	require.NotEmpty(t, outbound)
	require.Equal(t, []byte("OK\r\n"), outbound[len(outbound)-1].payload)

	require.ErrorIs(t, sess.RespondSuccess(""), codeless.ErrNoInbound)
}

func TestDisconnectTearsDown(t *testing.T) {
	sess, adapter, rec := newReadySession(t)

	require.NoError(t, sess.Disconnect())
	require.Equal(t, session.Disconnected, sess.State())
	adapter.mu.Lock()
	closed := adapter.closed
	adapter.mu.Unlock()
	require.True(t, closed)

	e, ok := rec.Last(events.KindConnection)
	require.True(t, ok)
	require.Equal(t, session.Disconnected, e.Payload)

	// Further traffic is refused.
	_, err := sess.Ping(context.Background())
	require.ErrorIs(t, err, session.ErrNotReady)
}

func TestDspsRxFansOutInBinaryMode(t *testing.T) {
	adapter := newScriptedAdapter()
	rec := events.NewRecorder()
	cfg := config.Default()
	cfg.InitialModeBinary = true
	sess := session.New(adapter, cfg, session.Options{Bus: rec})
	require.NoError(t, sess.Connect(context.Background()))
	defer sess.Disconnect()

	adapter.notify <- transport.Notification{Characteristic: transport.DspsServerTX, Data: []byte("hello")}

	require.Eventually(t, func() bool {
		e, ok := rec.Last(events.KindDspsRxData)
		return ok && string(e.Payload.([]byte)) == "hello"
	}, time.Second, 5*time.Millisecond)
}
