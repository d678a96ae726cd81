package domain

import (
	"bytes"
	"log/slog"
)

const redacted = "[redacted]"

// Secret holds provider credential material. Every formatting path prints a
// redacted placeholder so a Secret can be embedded in logged structs.
type Secret []byte

// NewSecret copies s into a Secret.
func NewSecret(s string) Secret {
	if s == "" {
		return nil
	}
	return Secret(s)
}

// Reveal returns the plaintext. Only provider clients and the vault call it.
func (s Secret) Reveal() string {
	return string(s)
}

// IsZero reports whether s holds no material.
func (s Secret) IsZero() bool {
	return len(bytes.TrimSpace(s)) == 0
}

// Clone returns an independent copy.
func (s Secret) Clone() Secret {
	if s == nil {
		return nil
	}
	return append(Secret(nil), s...)
}

// Wipe zeroes the backing array in place.
func (s Secret) Wipe() {
	for i := range s {
		s[i] = 0
	}
}

func (s Secret) String() string {
	if len(s) == 0 {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	return s.String()
}

// LogValue implements [slog.LogValuer].
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// MarshalJSON implements [json.Marshaler].
func (s Secret) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte(`""`), nil
	}
	return []byte(`"` + redacted + `"`), nil
}
