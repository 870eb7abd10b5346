// Package supervisor implements the per-connection lifecycle described in
// spec.md §5: it runs the handshake, then dispatches decoded messages to
// the PTY session manager and VFS service, and tears everything down on
// cancellation.
package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/comacode/hostd/lib/handshake"
	"github.com/comacode/hostd/lib/metrics"
	"github.com/comacode/hostd/lib/protocol"
	"github.com/comacode/hostd/lib/ptysession"
	"github.com/comacode/hostd/lib/status"
	"github.com/comacode/hostd/lib/tokenauth"
	"github.com/comacode/hostd/lib/vfs"
)

// Stream is the minimal bidirectional transport the supervisor needs;
// *quic.Stream (wrapped in *transport.Connection) satisfies it. Closing is
// done through Conn.Close.
type Stream interface {
	io.Reader
	io.Writer
}

// lockedStream serializes writes so that frames written by the dispatch
// loop and by the output pump goroutine are never interleaved.
type lockedStream struct {
	Stream
	mu sync.Mutex
}

func (s *lockedStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Stream.Write(p)
}

// Conn bundles a Stream with its peer address, matching
// *transport.Connection's public shape without importing the transport
// package (which would otherwise import quic-go transitively into every
// package that wants to test the supervisor against a fake).
type Conn struct {
	Stream   Stream
	PeerAddr net.Addr
	Close    func() error
}

// Supervisor wires the handshake state machine, PTY session manager, and
// VFS service to accepted connections.
type Supervisor struct {
	authority *tokenauth.Authority
	sessions  *ptysession.Manager
	vfs       *vfs.Service
	statusBus *status.Broadcaster
	metrics   *metrics.Registry
	codec     protocol.Codec
	logger    *slog.Logger
	tracer    oteltrace.Tracer

	nextSessionID atomic.Uint64
}

// New constructs a Supervisor. metrics may be nil to disable instrumentation.
func New(authority *tokenauth.Authority, sessions *ptysession.Manager, vfsSvc *vfs.Service, statusBus *status.Broadcaster, metricsReg *metrics.Registry, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		authority: authority,
		sessions:  sessions,
		vfs:       vfsSvc,
		statusBus: statusBus,
		metrics:   metricsReg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/comacode/hostd/lib/supervisor"),
	}
}

// Handle runs the full per-connection lifecycle: handshake, dispatch loop,
// and grace-period-respecting teardown. It recovers from panics in the
// dispatch loop so that one connection's bug cannot bring down the
// listener (spec.md §7).
func (sv *Supervisor) Handle(ctx context.Context, conn Conn) {
	connID := uuid.New().String()
	peerIP := hostOnly(conn.PeerAddr)

	ctx, span := sv.tracer.Start(ctx, "connection",
		oteltrace.WithAttributes(attribute.String("peer_ip", peerIP), attribute.String("connection_id", connID)))
	defer span.End()

	logger := sv.logger.With(slog.String("connection_id", connID), slog.String("peer", peerIP))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in connection dispatch, closing connection", slog.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
		}
		_ = conn.Close()
		sv.statusBus.Publish(status.Event{Status: status.Disconnected})
	}()

	// Cancellation closes the connection, which unblocks the handshake and
	// the dispatch loop's read and fails the output pump's next write.
	stopOnCancel := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopOnCancel()

	if sv.metrics != nil {
		sv.metrics.ConnectionsAccepted.Inc()
	}

	result, err := sv.runHandshake(ctx, conn, peerIP)
	if err != nil {
		logger.Warn("handshake failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		return
	}
	if sv.metrics != nil {
		sv.metrics.HandshakeSuccess.Inc()
	}

	sessionID := sv.nextSessionID.Add(1)
	logger = logger.With(slog.Uint64("session_id", sessionID))
	logger.Info("handshake complete", slog.String("app_version", result.AppVersion))
	sv.statusBus.Publish(status.Event{Status: status.Connected, Peer: conn.PeerAddr.String(), SessionID: sessionID})

	conn.Stream = &lockedStream{Stream: conn.Stream}
	sv.dispatchLoop(ctx, conn, sessionID, logger)
}

func (sv *Supervisor) runHandshake(ctx context.Context, conn Conn, peerIP string) (*handshake.Result, error) {
	_, span := sv.tracer.Start(ctx, "handshake")
	defer span.End()

	result, err := handshake.Run(conn.Stream, peerIP, sv.authority, sv.codec)
	if err != nil {
		if sv.metrics != nil {
			sv.metrics.HandshakeFailure.WithLabelValues(codeFromErr(err)).Inc()
		}
		span.RecordError(err)
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// dispatchLoop is the connection's single stream-reader task. It owns the
// PTY's stdin writer exclusively (spec.md §5's shared-resource policy: no
// other task may write to the PTY).
func (sv *Supervisor) dispatchLoop(ctx context.Context, conn Conn, sessionID uint64, logger *slog.Logger) {
	helloSeen := true // Run() already consumed the one allowed Hello
	winsize := ptysession.DefaultWinsize
	var outputStarted bool

	for {
		msg, err := sv.codec.ReadMessage(conn.Stream)
		if err != nil {
			if err != io.EOF {
				logger.Debug("stream closed", slog.Any("error", err))
			}
			return
		}

		switch m := msg.(type) {
		case protocol.Hello:
			if helloSeen {
				sv.sendError(conn, protocol.ErrProtocolViolation, "duplicate Hello on an already-authenticated connection")
				return
			}

		case protocol.Resize:
			if m.Rows == 0 || m.Cols == 0 {
				sv.sendError(conn, protocol.ErrProtocolViolation, "resize requires rows>0 and cols>0")
				break
			}
			winsize = ptysession.Winsize{Rows: m.Rows, Cols: m.Cols}
			if sess, ok := sv.sessions.Get(sessionID); ok {
				if err := sess.Resize(winsize); err != nil {
					sv.sendError(conn, protocol.ErrProtocolViolation, err.Error())
				}
			}

		case protocol.Input:
			sess, started, err := sv.ensureSession(sessionID, winsize)
			if err != nil {
				sv.emitSessionFatal(conn, err)
				return
			}
			if started && !outputStarted {
				outputStarted = true
				go sv.pumpToStream(conn, sess, logger)
			}
			if err := sess.WriteInput(m.Bytes); err != nil {
				sv.emitSessionFatal(conn, err)
				return
			}

		case protocol.Command:
			// Command is treated as an alias for Input{[]byte(Text)}; no
			// newline is appended (the PTY alone is authoritative for
			// line discipline) — see DESIGN.md's resolution of the
			// spec's Command/Input open question.
			sess, started, err := sv.ensureSession(sessionID, winsize)
			if err != nil {
				sv.emitSessionFatal(conn, err)
				return
			}
			if started && !outputStarted {
				outputStarted = true
				go sv.pumpToStream(conn, sess, logger)
			}
			if err := sess.WriteInput([]byte(m.Text)); err != nil {
				sv.emitSessionFatal(conn, err)
				return
			}

		case protocol.ListDir:
			sv.handleListDir(conn, m)

		case protocol.Close:
			return

		default:
			sv.sendError(conn, protocol.ErrProtocolViolation, "unexpected message type after handshake")
			return
		}
	}
}

// ensureSession centralizes PTY spawn behind one idempotent call so both
// the Input and Command handlers share it (DESIGN.md, lib/supervisor).
// started reports whether this call is the one that spawned the session.
func (sv *Supervisor) ensureSession(sessionID uint64, winsize ptysession.Winsize) (sess *ptysession.Session, started bool, err error) {
	_, existed := sv.sessions.Get(sessionID)
	sess, err = sv.sessions.Ensure(sessionID, winsize)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if sv.metrics != nil {
		sv.metrics.SessionsActive.Set(float64(sv.sessions.Count()))
	}
	return sess, !existed, nil
}

func (sv *Supervisor) pumpToStream(conn Conn, sess *ptysession.Session, logger *slog.Logger) {
	for ev := range sess.Output() {
		if ev.Kind == protocol.TerminalOutput && sv.metrics != nil {
			sv.metrics.OutputBytesPumped.Add(float64(len(ev.Output)))
		}
		if err := sv.codec.WriteMessage(conn.Stream, protocol.Event{Terminal: ev}); err != nil {
			logger.Debug("failed writing output event, client likely gone", slog.Any("error", err))
			return
		}
	}
}

// emitSessionFatal reports an unrecoverable session error to the client and
// follows it with an Exit event, per spec.md §7: a PTY spawn or write
// failure leaves the session unusable, and the client otherwise has no
// signal distinguishing that from a session still running in the
// background. Both writes are best-effort; the connection is about to be
// closed by the caller regardless of whether either one lands.
func (sv *Supervisor) emitSessionFatal(conn Conn, err error) {
	_ = sv.codec.WriteMessage(conn.Stream, protocol.Event{
		Terminal: protocol.TerminalEvent{Kind: protocol.TerminalError, Message: err.Error()},
	})
	_ = sv.codec.WriteMessage(conn.Stream, protocol.Event{
		Terminal: protocol.TerminalEvent{Kind: protocol.TerminalExit, Code: -1},
	})
}

func (sv *Supervisor) handleListDir(conn Conn, req protocol.ListDir) {
	chunks, err := sv.vfs.List(req.Path, req.Depth)
	code := "ok"
	if err != nil {
		code = codeFromErr(err)
		sv.sendError(conn, code, err.Error())
	}
	if sv.metrics != nil {
		sv.metrics.VFSRequests.WithLabelValues(code).Inc()
	}
	if err != nil {
		return
	}
	for _, chunk := range chunks {
		if writeErr := sv.codec.WriteMessage(conn.Stream, chunk); writeErr != nil {
			return
		}
	}
}

func (sv *Supervisor) sendError(conn Conn, code, message string) {
	_ = sv.codec.WriteMessage(conn.Stream, protocol.Error{Code: code, Message: message})
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// codeFromErr maps a trace-wrapped error to a stable wire error code by
// inspecting the message prefix conventions used throughout lib/vfs and
// lib/handshake, which embed the protocol error constant as the message's
// leading token.
func codeFromErr(err error) string {
	msg := err.Error()
	for _, code := range []string{
		protocol.ErrAuthFailed, protocol.ErrVersionMismatch, protocol.ErrRateLimited,
		protocol.ErrProtocolViolation, protocol.ErrInvalidPath, protocol.ErrInvalidRequest,
		protocol.ErrNotFound, protocol.ErrPermissionDenied, protocol.ErrNotADirectory, protocol.ErrIOError,
	} {
		if strings.Contains(msg, code) {
			return code
		}
	}
	return protocol.ErrIOError
}
