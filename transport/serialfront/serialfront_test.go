package serialfront_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blelink/transport"
	"blelink/transport/serialfront"
)

func newPair(t *testing.T) (*serialfront.Adapter, net.Conn) {
	t.Helper()
	host, peer := net.Pipe()
	a := serialfront.New(host, serialfront.DefaultConfig())
	t.Cleanup(func() { _ = a.Close(); _ = peer.Close() })
	return a, peer
}

func readFrame(t *testing.T, peer net.Conn) (tag byte, payload []byte) {
	t.Helper()
	header := make([]byte, 3)
	_, err := io.ReadFull(peer, header)
	require.NoError(t, err)
	payload = make([]byte, int(header[1])|int(header[2])<<8)
	_, err = io.ReadFull(peer, payload)
	require.NoError(t, err)
	return header[0], payload
}

func writeFrame(t *testing.T, peer net.Conn, tag byte, payload []byte) {
	t.Helper()
	frame := append([]byte{tag, byte(len(payload)), byte(len(payload) >> 8)}, payload...)
	_, err := peer.Write(frame)
	require.NoError(t, err)
}

func TestWriteFraming(t *testing.T) {
	a, peer := newPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tag, payload := readFrame(t, peer)
		require.Equal(t, byte(transport.DspsServerRX), tag)
		require.Equal(t, []byte("chunk"), payload)
	}()

	require.NoError(t, a.WriteCharacteristic(context.Background(), transport.DspsServerRX, []byte("chunk"), false))
	<-done
}

func TestNotifyCharacteristicsFanIn(t *testing.T) {
	a, peer := newPair(t)

	writeFrame(t, peer, byte(transport.DspsFlow), []byte{0x02})

	select {
	case n := <-a.Notifications():
		require.Equal(t, transport.DspsFlow, n.Characteristic)
		require.Equal(t, []byte{0x02}, n.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestReadRequestRoundTrip(t *testing.T) {
	a, peer := newPair(t)

	go func() {
		tag, _ := readFrame(t, peer)
		if tag != byte(transport.CodelessOutbound)|0x80 {
			return
		}
		writeFrame(t, peer, byte(transport.CodelessOutbound), []byte("OK\r\n"))
	}()

	data, err := a.ReadCharacteristic(context.Background(), transport.CodelessOutbound)
	require.NoError(t, err)
	require.Equal(t, []byte("OK\r\n"), data)
}

func TestCloseEndsNotifications(t *testing.T) {
	a, peer := newPair(t)
	_ = peer.Close()

	select {
	case _, ok := <-a.Notifications():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("notification channel never closed")
	}
}
