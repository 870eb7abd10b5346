package handshake_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comacode/hostd/lib/handshake"
	"github.com/comacode/hostd/lib/protocol"
	"github.com/comacode/hostd/lib/tokenauth"
)

func TestHandshakeAcceptsValidHello(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	authority := tokenauth.New("good-token")
	var codec protocol.Codec

	resultCh := make(chan *handshake.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := handshake.Run(server, "198.51.100.1", authority, codec)
		resultCh <- res
		errCh <- err
	}()

	require.NoError(t, codec.WriteMessage(client, protocol.Hello{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		AppVersion:      "1.0.0",
		AuthToken:       "good-token",
	}))

	require.NoError(t, <-errCh)
	res := <-resultCh
	require.NotNil(t, res)
	require.Equal(t, "1.0.0", res.AppVersion)
}

func TestHandshakeRejectsWrongToken(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	authority := tokenauth.New("good-token")
	var codec protocol.Codec

	errCh := make(chan error, 1)
	go func() {
		_, err := handshake.Run(server, "198.51.100.2", authority, codec)
		errCh <- err
	}()

	require.NoError(t, codec.WriteMessage(client, protocol.Hello{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		AppVersion:      "1.0.0",
		AuthToken:       "wrong-token",
	}))

	resp, err := codec.ReadMessage(client)
	require.NoError(t, err)
	errFrame, ok := resp.(protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.ErrAuthFailed, errFrame.Code)

	require.Error(t, <-errCh)
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	authority := tokenauth.New("good-token")
	var codec protocol.Codec

	errCh := make(chan error, 1)
	go func() {
		_, err := handshake.Run(server, "198.51.100.3", authority, codec)
		errCh <- err
	}()

	require.NoError(t, codec.WriteMessage(client, protocol.Hello{
		ProtocolVersion: protocol.CurrentProtocolVersion + 1,
		AppVersion:      "1.0.0",
		AuthToken:       "good-token",
	}))

	resp, err := codec.ReadMessage(client)
	require.NoError(t, err)
	errFrame, ok := resp.(protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.ErrVersionMismatch, errFrame.Code)

	require.Error(t, <-errCh)
}

func TestHandshakeRejectsNonHelloFirstMessage(t *testing.T) {
	t.Parallel()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	authority := tokenauth.New("good-token")
	var codec protocol.Codec

	errCh := make(chan error, 1)
	go func() {
		_, err := handshake.Run(server, "198.51.100.4", authority, codec)
		errCh <- err
	}()

	require.NoError(t, codec.WriteMessage(client, protocol.Input{Bytes: []byte("ls\n")}))

	resp, err := codec.ReadMessage(client)
	require.NoError(t, err)
	errFrame, ok := resp.(protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.ErrProtocolViolation, errFrame.Code)

	require.Error(t, <-errCh)
}

func TestHandshakeRejectsBannedPeerBeforeComparison(t *testing.T) {
	t.Parallel()
	authority := tokenauth.New("good-token")
	for i := 0; i < tokenauth.DefaultMaxFailures; i++ {
		_ = authority.Verify("198.51.100.5", "wrong")
	}
	require.True(t, authority.IsBanned("198.51.100.5"))

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	var codec protocol.Codec

	errCh := make(chan error, 1)
	go func() {
		_, err := handshake.Run(server, "198.51.100.5", authority, codec)
		errCh <- err
	}()

	require.NoError(t, codec.WriteMessage(client, protocol.Hello{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		AppVersion:      "1.0.0",
		AuthToken:       "good-token", // even the correct token is rejected
	}))

	resp, err := codec.ReadMessage(client)
	require.NoError(t, err)
	errFrame, ok := resp.(protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.ErrRateLimited, errFrame.Code)

	require.Error(t, <-errCh)
}
