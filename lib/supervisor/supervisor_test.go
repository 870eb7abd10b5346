package supervisor_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/comacode/hostd/lib/metrics"
	"github.com/comacode/hostd/lib/protocol"
	"github.com/comacode/hostd/lib/ptysession"
	"github.com/comacode/hostd/lib/status"
	"github.com/comacode/hostd/lib/supervisor"
	"github.com/comacode/hostd/lib/tokenauth"
	"github.com/comacode/hostd/lib/vfs"
)

type pipeConn struct {
	net.Conn
}

func (p pipeConn) Network() string { return "pipe" }
func (p pipeConn) String() string  { return "198.51.100.9:1234" }

func newSupervisor(t *testing.T) (*supervisor.Supervisor, *tokenauth.Authority) {
	t.Helper()
	authority := tokenauth.New("good-token")
	sessions := ptysession.NewManager()
	vfsSvc := vfs.New()
	statusBus := status.NewBroadcaster()
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	return supervisor.New(authority, sessions, vfsSvc, statusBus, reg, nil), authority
}

func TestHandleRejectsBadHandshakeWithoutPanicking(t *testing.T) {
	t.Parallel()
	sv, _ := newSupervisor(t)

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		sv.Handle(context.Background(), supervisor.Conn{
			Stream:   server,
			PeerAddr: pipeConn{server},
			Close:    func() error { return server.Close() },
		})
		close(done)
	}()

	var codec protocol.Codec
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

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after a failed handshake")
	}
}

func TestHandleRejectsDuplicateHello(t *testing.T) {
	t.Parallel()
	sv, _ := newSupervisor(t)

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		sv.Handle(context.Background(), supervisor.Conn{
			Stream:   server,
			PeerAddr: pipeConn{server},
			Close:    func() error { return server.Close() },
		})
		close(done)
	}()

	var codec protocol.Codec
	require.NoError(t, codec.WriteMessage(client, protocol.Hello{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		AppVersion:      "1.0.0",
		AuthToken:       "good-token",
	}))

	require.NoError(t, codec.WriteMessage(client, protocol.Hello{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		AppVersion:      "1.0.0",
		AuthToken:       "good-token",
	}))

	resp, err := codec.ReadMessage(client)
	require.NoError(t, err)
	errFrame, ok := resp.(protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.ErrProtocolViolation, errFrame.Code)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after a duplicate Hello")
	}
}

func TestHandleRunsInputThroughAPTYSession(t *testing.T) {
	t.Parallel()
	sv, _ := newSupervisor(t)

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		sv.Handle(context.Background(), supervisor.Conn{
			Stream:   server,
			PeerAddr: pipeConn{server},
			Close:    func() error { return server.Close() },
		})
		close(done)
	}()

	var codec protocol.Codec
	require.NoError(t, codec.WriteMessage(client, protocol.Hello{
		ProtocolVersion: protocol.CurrentProtocolVersion,
		AppVersion:      "1.0.0",
		AuthToken:       "good-token",
	}))
	require.NoError(t, codec.WriteMessage(client, protocol.Input{Bytes: []byte("echo hi-from-supervisor\n")}))

	type readResult struct {
		msg protocol.Message
		err error
	}
	msgs := make(chan readResult)
	go func() {
		for {
			msg, err := codec.ReadMessage(client)
			msgs <- readResult{msg, err}
			if err != nil {
				return
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	var seen []byte
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for echo, saw: %q", seen)
		case r := <-msgs:
			if r.err != nil {
				t.Skipf("no usable shell in this environment: %v", r.err)
			}
			ev, ok := r.msg.(protocol.Event)
			if !ok {
				continue
			}
			if ev.Terminal.Kind == protocol.TerminalOutput {
				seen = append(seen, ev.Terminal.Output...)
				if containsSubstring(string(seen), "hi-from-supervisor") {
					require.NoError(t, codec.WriteMessage(client, protocol.Close{}))
					<-done
					return
				}
			}
		}
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
