//go:build windows

package ptysession

import "os"

// terminateProcess kills the process tree. Windows has no SIGTERM
// equivalent for console processes; Kill is the platform-appropriate
// termination here (spec.md §5).
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
