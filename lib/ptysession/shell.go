package ptysession

import (
	"os"
	"os/exec"
	"runtime"
)

// posixShellWaterfall and windowsShellWaterfall are the fallback shell
// lists consulted when $SHELL is unset or not executable (spec.md §4.5).
var (
	posixShellWaterfall   = []string{"/bin/zsh", "/bin/bash", "/bin/sh"}
	windowsShellWaterfall = []string{"pwsh.exe", "powershell.exe", "cmd.exe"}
)

// ResolveShell picks the shell executable to spawn, following the
// waterfall: $SHELL if set and executable, otherwise the first executable
// entry in the platform-specific fallback list.
func ResolveShell() (string, error) {
	if sh := os.Getenv("SHELL"); sh != "" {
		if path, err := exec.LookPath(sh); err == nil {
			return path, nil
		}
	}

	candidates := posixShellWaterfall
	if runtime.GOOS == "windows" {
		candidates = windowsShellWaterfall
	}
	for _, candidate := range candidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", errNoShellFound
}

// environment returns the host's environment with the terminal-identity
// overrides spec.md §4.5 requires.
func environment() []string {
	env := os.Environ()
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"LANG=en_US.UTF-8",
	)
	return env
}
