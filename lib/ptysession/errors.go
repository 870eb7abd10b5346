package ptysession

import "github.com/gravitational/trace"

var errNoShellFound = trace.NotFound("no usable shell found in $SHELL or the platform fallback list")

// ErrSessionClosed is returned by Session operations once the session has
// been marked closed (PTY child exited or the connection tore it down).
var ErrSessionClosed = trace.BadParameter("session is closed")
