package versionutil

import (
	"runtime"
	"strings"
)

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Describe formats a version line for the version command.
func Describe(name, version, commit string) string {
	v := EnsureVPrefix(strings.TrimSpace(version))
	if v == "" {
		v = "dev"
	}
	out := name + " " + v
	if c := strings.TrimSpace(commit); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		out += " (" + c + ")"
	}
	return out + " " + runtime.GOOS + "/" + runtime.GOARCH
}
