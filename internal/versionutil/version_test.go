package versionutil

import (
	"runtime"
	"testing"
)

func TestEnsureVPrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"1.2.3":  "v1.2.3",
		"v1.2.3": "v1.2.3",
		"":       "",
	}
	for in, want := range tests {
		if got := EnsureVPrefix(in); got != want {
			t.Fatalf("EnsureVPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	platform := runtime.GOOS + "/" + runtime.GOARCH
	if got, want := Describe("hubtunnel", "1.0.0", "0123456789abcdef"), "hubtunnel v1.0.0 (0123456789ab) "+platform; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := Describe("hubtunnel", "", ""), "hubtunnel dev "+platform; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
