// Package transport implements the QUIC-over-TLS listener described in
// spec.md §4.2: it binds a UDP socket, terminates TLS 1.3 with the host's
// persistent identity, and yields one bidirectional stream per accepted
// connection.
//
// The wrapper shape (a thin struct around *quic.Listener / *quic.Conn with
// Accept/Close helpers) is grounded on
// sambhavthakkar-QuantaraX/backend/daemon/transport/quic_connection.go,
// which wraps the same quic-go release line the teacher's go.mod pins.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"
)

const (
	// DefaultBindAddr is the default UDP bind address (spec.md §4.2).
	DefaultBindAddr = "0.0.0.0:8443"
	// DefaultIdleTimeout is the QUIC connection idle timeout.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultKeepAlive is the keep-alive ping interval.
	DefaultKeepAlive = 10 * time.Second
	// DefaultStreamAcceptWindow bounds how long the listener waits for a
	// peer to open its bidirectional stream after the TLS handshake
	// completes (spec.md §4.2).
	DefaultStreamAcceptWindow = 5 * time.Second
	// DefaultInitialStreamWindow is the initial per-stream flow-control
	// window, sized to absorb typical PTY output bursts (spec.md §4.2).
	DefaultInitialStreamWindow = 256 << 10
)

// Config configures the Listener.
type Config struct {
	BindAddr            string
	TLSConfig           *tls.Config
	IdleTimeout         time.Duration
	KeepAlive           time.Duration
	StreamAcceptWindow  time.Duration
	InitialStreamWindow uint64
}

func (c Config) withDefaults() Config {
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.StreamAcceptWindow == 0 {
		c.StreamAcceptWindow = DefaultStreamAcceptWindow
	}
	if c.InitialStreamWindow == 0 {
		c.InitialStreamWindow = DefaultInitialStreamWindow
	}
	return c
}

// Listener binds a UDP socket and accepts QUIC connections terminating
// TLS 1.3 with the configured certificate.
type Listener struct {
	cfg Config
	ql  *quic.Listener
}

// Listen binds cfg.BindAddr. Connection migration is left enabled (the
// quic-go default): a phone moving between Wi-Fi and cellular keeps its
// connection (spec.md §4.2).
func Listen(cfg Config) (*Listener, error) {
	cfg = cfg.withDefaults()
	if cfg.TLSConfig == nil {
		return nil, trace.BadParameter("transport: TLS config is required")
	}
	cfg.TLSConfig.NextProtos = appendIfMissing(cfg.TLSConfig.NextProtos, "comacode-hostd/1")
	cfg.TLSConfig.MinVersion = tls.VersionTLS13

	ql, err := quic.ListenAddr(cfg.BindAddr, cfg.TLSConfig, &quic.Config{
		MaxIdleTimeout:                 cfg.IdleTimeout,
		KeepAlivePeriod:                cfg.KeepAlive,
		InitialStreamReceiveWindow:     cfg.InitialStreamWindow,
		InitialConnectionReceiveWindow: cfg.InitialStreamWindow * 4,
	})
	if err != nil {
		return nil, trace.Wrap(err, "binding quic listener on %q", cfg.BindAddr)
	}
	return &Listener{cfg: cfg, ql: ql}, nil
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Close shuts down the listener.
func (l *Listener) Close() error { return trace.Wrap(l.ql.Close()) }

// Accept blocks until a QUIC connection completes its TLS handshake and
// opens (or accepts) its single bidirectional stream, and returns the
// (send, recv, peer) triple the connection supervisor consumes. A
// connection whose peer does not open a stream within
// cfg.StreamAcceptWindow is dropped silently, as is one whose TLS
// handshake fails (spec.md §4.2).
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	for {
		qconn, err := l.ql.Accept(ctx)
		if err != nil {
			return nil, trace.Wrap(err, "accepting quic connection")
		}

		streamCtx, cancel := context.WithTimeout(ctx, l.cfg.StreamAcceptWindow)
		stream, err := qconn.AcceptStream(streamCtx)
		cancel()
		if err != nil {
			// Peer never opened its stream in time, or the handshake
			// failed underneath us; drop this connection and keep
			// listening rather than failing the whole listener.
			_ = qconn.CloseWithError(0, "stream accept timeout")
			continue
		}

		return &Connection{
			Stream:   stream,
			PeerAddr: qconn.RemoteAddr(),
			raw:      qconn,
		}, nil
	}
}

// Connection is the per-accepted-connection handle passed to the
// connection supervisor. Stream is bidirectional and satisfies spec.md
// §4.2's (send_half, recv_half) contract directly: the supervisor reads
// from the *quic.Stream in one task while other tasks write to it, which is
// safe because quic-go streams support concurrent independent Read and
// Write. The supervisor's dispatch loop and output pump both write frames;
// the supervisor serializes those writes so each frame is written whole.
type Connection struct {
	Stream   *quic.Stream
	PeerAddr net.Addr

	raw *quic.Conn
}

// Close closes the stream and the underlying QUIC connection.
func (c *Connection) Close() error {
	_ = c.Stream.Close()
	return trace.Wrap(c.raw.CloseWithError(0, "connection closed"))
}

func appendIfMissing(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
