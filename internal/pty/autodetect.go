package pty

import (
	"fmt"
	"os"
	"os/exec"
)

// shellCandidates are tried in order after the preferred shell and $SHELL.
var shellCandidates = []string{
	"/bin/bash",
	"/bin/zsh",
	"/bin/sh",
}

// DetectShell returns the first executable shell among preferred, $SHELL,
// /bin/bash, /bin/zsh and /bin/sh. Empty entries are skipped.
func DetectShell(preferred string) (string, error) {
	tried := make([]string, 0, len(shellCandidates)+2)
	candidates := append([]string{preferred, os.Getenv("SHELL")}, shellCandidates...)

	for _, c := range candidates {
		if c == "" {
			continue
		}
		tried = append(tried, c)
		if path, ok := executable(c); ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrNoShell, tried)
}

// executable resolves name through PATH when it has no slash and reports
// whether the result is a regular executable file.
func executable(name string) (string, bool) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}
