//go:build !windows

package ptysession

import (
	"os"
	"syscall"
)

// terminateProcess sends SIGTERM, the platform-appropriate termination
// signal on POSIX (spec.md §5).
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
