package command

import (
	"os/exec"
	"runtime"
	"strings"
)

const (
	defaultRunner        = "robot"
	defaultWindowsRunner = "robot.bat"
)

// runnerCandidates lists runner entry points for a host in preference order.
func runnerCandidates(goos string) []string {
	if goos == "windows" {
		return []string{defaultWindowsRunner, defaultRunner}
	}
	return []string{defaultRunner}
}

// ResolveRunner picks the runner prefix for a host.
//
// A configured runner wins. Otherwise the first host candidate found on PATH is used; when
// none is found the preferred candidate is returned unresolved so the launcher reports the
// missing executable. The result is empty only when nothing can be named at all.
func ResolveRunner(configured []string, goos string, lookPath func(string) (string, error)) []string {
	prefix := make([]string, 0, len(configured))
	for _, part := range configured {
		if part = strings.TrimSpace(part); part != "" {
			prefix = append(prefix, part)
		}
	}
	if len(prefix) > 0 {
		return prefix
	}

	if goos == "" {
		goos = runtime.GOOS
	}
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	candidates := runnerCandidates(goos)
	for _, candidate := range candidates {
		if _, err := lookPath(candidate); err == nil {
			return []string{candidate}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return []string{candidates[0]}
}
