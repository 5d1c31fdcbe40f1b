package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnSendRecvRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	msg := Message{Type: TXMAN_WRITE, Payload: []byte("payload")}

	errCh := make(chan error, 1)
	go func() { errCh <- cc.Send(msg) }()

	got, err := sc.Recv()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, msg.Type, got.Type)
	require.Equal(t, msg.Payload, got.Payload)
}

func TestConnSendRecvEmptyPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	msg := Message{Type: WOUND_XACT}

	errCh := make(chan error, 1)
	go func() { errCh <- cc.Send(msg) }()

	got, err := sc.Recv()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, WOUND_XACT, got.Type)
	require.Empty(t, got.Payload)
}

func TestListenDialRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		acceptCh <- c
	}()

	client, err := Dial(ln.Addr().String(), nil)
	require.NoError(t, err)
	defer client.Close()

	server := <-acceptCh
	defer server.Close()

	msg := Message{Type: CLIENT_RESPONSE, Payload: []byte("ok")}
	require.NoError(t, client.Send(msg))

	got, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, msg.Type, got.Type)
	require.Equal(t, msg.Payload, got.Payload)
}
