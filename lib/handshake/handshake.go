// Package handshake implements the AwaitingHello -> Authenticating ->
// Authenticated -> Closed state machine of spec.md §4.4.
package handshake

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"

	"github.com/comacode/hostd/lib/protocol"
	"github.com/comacode/hostd/lib/tokenauth"
)

// DefaultHelloTimeout is how long the state machine waits for the first
// frame before closing with ProtocolViolation (spec.md §4.4).
const DefaultHelloTimeout = 5 * time.Second

// deadlineSetter is satisfied by *quic.Stream; kept as a narrow local
// interface so this package does not import quic-go directly.
type deadlineSetter interface {
	SetReadDeadline(time.Time) error
}

// Result is the outcome of a successful handshake.
type Result struct {
	AppVersion string
}

// Run executes the state machine against stream on behalf of a connection
// from peerIP. On success it returns a Result; on failure it returns an
// error and, on a best-effort basis, has already written an Error frame to
// stream describing the failure (spec.md §4.4's failure-reporting policy),
// unless the failure is a pure framing error (no response frame for
// MalformedFrame/FrameTooLarge, per spec.md §7).
func Run(stream io.ReadWriter, peerIP string, authority *tokenauth.Authority, codec protocol.Codec) (*Result, error) {
	if setter, ok := stream.(deadlineSetter); ok {
		_ = setter.SetReadDeadline(time.Now().Add(DefaultHelloTimeout))
	}

	msg, err := codec.ReadMessage(stream)
	if setter, ok := stream.(deadlineSetter); ok {
		_ = setter.SetReadDeadline(time.Time{}) // clear once a frame has arrived
	}
	if err != nil {
		// Timeout or malformed frame: spec.md §4.4 treats both as
		// ProtocolViolation, but a malformed frame gets no response frame
		// (spec.md §7's framing-error rule) since we cannot trust the
		// codec enough to safely encode one in reply to garbage input.
		if errors.Is(err, os.ErrDeadlineExceeded) {
			sendBestEffort(stream, codec, protocol.ErrProtocolViolation, "timed out waiting for Hello")
		}
		return nil, trace.Wrap(err, "%s: awaiting hello", protocol.ErrProtocolViolation)
	}

	hello, ok := msg.(protocol.Hello)
	if !ok {
		sendBestEffort(stream, codec, protocol.ErrProtocolViolation, "expected Hello as the first message")
		return nil, trace.BadParameter("%s: first message was %T, not Hello", protocol.ErrProtocolViolation, msg)
	}

	if hello.ProtocolVersion != protocol.CurrentProtocolVersion {
		sendBestEffort(stream, codec, protocol.ErrVersionMismatch, "unsupported protocol version")
		return nil, trace.BadParameter("%s: client requested version %d, host supports %d",
			protocol.ErrVersionMismatch, hello.ProtocolVersion, protocol.CurrentProtocolVersion)
	}

	if authority.IsBanned(peerIP) {
		sendBestEffort(stream, codec, protocol.ErrRateLimited, "too many failed attempts")
		return nil, trace.AccessDenied("%s: peer %q is rate-limited", protocol.ErrRateLimited, peerIP)
	}

	if err := authority.Verify(peerIP, hello.AuthToken); err != nil {
		// Classify from the error Verify actually returned for *this* call,
		// not from a post-hoc IsBanned re-check: by the time we'd re-check,
		// the call that accumulates the fifth failure has already set
		// bannedUntil, which would misclassify that boundary call's own
		// response as RATE_LIMITED even though it is itself an AUTH_FAILED.
		code := protocol.ErrAuthFailed
		if errors.Is(err, tokenauth.ErrPeerRateLimited) {
			code = protocol.ErrRateLimited
		}
		sendBestEffort(stream, codec, code, "authentication failed")
		return nil, trace.Wrap(err, "%s: authentication failed for peer %q", code, peerIP)
	}

	return &Result{AppVersion: hello.AppVersion}, nil
}

// sendBestEffort writes an Error frame and ignores any write failure: per
// spec.md §4.4, the reply is best-effort and never itself a cause for a
// different failure path.
func sendBestEffort(w io.Writer, codec protocol.Codec, code, message string) {
	_ = codec.WriteMessage(w, protocol.Error{Code: code, Message: message})
}
