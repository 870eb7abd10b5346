// Package ptysession owns PTY child processes and the bounded-channel
// output pump that gives the system its backpressure (spec.md §4.5).
package ptysession

import (
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/gravitational/trace"

	"github.com/comacode/hostd/lib/protocol"
)

// OutputChannelCapacity is the bounded channel capacity between the PTY
// reader task and the stream-writer task (spec.md §4.5, invariant 5).
const OutputChannelCapacity = 1024

// chunkMinBytes and chunkMaxBytes bound the size of one PTY read used to
// build an Output event (spec.md §4.5).
const (
	chunkMinBytes = 4 << 10
	chunkMaxBytes = 64 << 10
)

// Winsize is the PTY window size, taken from the first Resize message or
// defaulted to 80x24 (spec.md §4.5).
type Winsize struct {
	Rows uint16
	Cols uint16
}

// DefaultWinsize is used until the client sends its first Resize.
var DefaultWinsize = Winsize{Rows: 24, Cols: 80}

// Stats is a host-local (never wire-transmitted) snapshot of a session's
// throughput, returned by Session.Stats. Neither lib/metrics nor
// lib/status reads it.
type Stats struct {
	BytesIn      uint64
	BytesOut     uint64
	ChunksPumped uint64
}

// Session is the per-connection PTY binding of spec.md §3's Session
// record, restricted to the fields this core actually owns (session
// identity, the transport-facing bits live in lib/supervisor).
type Session struct {
	ID uint64

	master *os.File
	cmd    *exec.Cmd

	output chan protocol.TerminalEvent

	lastActive atomic.Int64 // unix nanoseconds
	closed     atomic.Bool

	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	chunksPumped atomic.Uint64
}

// Spawn starts the waterfall-resolved shell under a new PTY sized to ws,
// wires up the output pump, and returns a Session ready for input.
func Spawn(id uint64, ws Winsize) (*Session, error) {
	shell, err := ResolveShell()
	if err != nil {
		return nil, trace.Wrap(err, "resolving shell for session %d", id)
	}

	cmd := exec.Command(shell)
	cmd.Env = environment()

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ws.Rows, Cols: ws.Cols})
	if err != nil {
		return nil, trace.Wrap(err, "spawning pty for session %d", id)
	}

	s := &Session{
		ID:     id,
		master: master,
		cmd:    cmd,
		output: make(chan protocol.TerminalEvent, OutputChannelCapacity),
	}
	s.touch()
	go s.pumpOutput()
	return s, nil
}

// Output returns the channel the stream-writer task drains. It is closed
// after the final Exit event once the PTY child terminates.
func (s *Session) Output() <-chan protocol.TerminalEvent { return s.output }

// WriteInput writes bytes verbatim to the PTY master. No translation, no
// buffering, no echo: spec.md §4.5's "pure byte conduit" contract.
func (s *Session) WriteInput(b []byte) error {
	if s.closed.Load() {
		return trace.Wrap(ErrSessionClosed)
	}
	n, err := s.master.Write(b)
	if err != nil {
		return trace.Wrap(err, "writing to pty master for session %d", s.ID)
	}
	s.bytesIn.Add(uint64(n))
	s.touch()
	return nil
}

// Resize updates the PTY window size synchronously.
func (s *Session) Resize(ws Winsize) error {
	if ws.Rows == 0 || ws.Cols == 0 {
		return trace.BadParameter("%s: resize requires rows>0 and cols>0", protocol.ErrProtocolViolation)
	}
	if s.closed.Load() {
		return trace.Wrap(ErrSessionClosed)
	}
	if err := pty.Setsize(s.master, &pty.Winsize{Rows: ws.Rows, Cols: ws.Cols}); err != nil {
		return trace.Wrap(err, "resizing pty for session %d", s.ID)
	}
	s.touch()
	return nil
}

// LastActive reports when the session last carried input or output
// traffic.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Closed reports whether the PTY child has terminated. The session is
// retained by the manager for the grace period after this becomes true.
func (s *Session) Closed() bool { return s.closed.Load() }

// Stats returns a point-in-time snapshot of this session's throughput.
func (s *Session) Stats() Stats {
	return Stats{
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		ChunksPumped: s.chunksPumped.Load(),
	}
}

// Terminate sends the PTY child its platform-appropriate termination
// signal. Called by the manager once the idle grace period elapses with no
// reconnection (spec.md §5).
func (s *Session) Terminate() error {
	if s.cmd.Process == nil {
		return nil
	}
	return trace.Wrap(terminateProcess(s.cmd.Process))
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// pumpOutput is the reader task: PTY master -> bounded channel. Its only
// suspension points are the PTY read and the channel send, so a full
// channel blocks this goroutine, which in turn blocks the PTY's read, which
// in turn blocks the child's write — end-to-end backpressure with no
// explicit flow-control logic (spec.md §4.5).
func (s *Session) pumpOutput() {
	buf := make([]byte, chunkMaxBytes)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.bytesOut.Add(uint64(n))
			s.chunksPumped.Add(1)
			s.touch()
			s.output <- protocol.TerminalEvent{Kind: protocol.TerminalOutput, Output: chunk}
		}
		if err != nil {
			s.finish(err)
			return
		}
	}
}

func (s *Session) finish(readErr error) {
	s.closed.Store(true)
	_ = s.cmd.Wait() // reap the child; ProcessState carries the exit code
	code := int32(-1)
	if s.cmd.ProcessState != nil {
		code = int32(s.cmd.ProcessState.ExitCode())
	}
	s.output <- protocol.TerminalEvent{Kind: protocol.TerminalExit, Code: code}
	close(s.output)
}
