// Package netutil provides hostname normalization helpers shared by the
// providers and configuration.
package netutil

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// HostFromURL returns the normalized host of a URL, or of a bare hostname
// when raw has no scheme.
func HostFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		if idx := strings.Index(raw, "/"); idx >= 0 {
			raw = raw[:idx]
		}
		return NormalizeHost(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return NormalizeHost(u.Host)
}

// ApexDomain returns the last two labels of host ("a.b.example.com" yields
// "example.com"). Hosts with fewer labels are returned unchanged.
func ApexDomain(host string) string {
	host = NormalizeHost(host)
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// IsSubdomainOf reports whether host equals domain or sits beneath it.
func IsSubdomainOf(host, domain string) bool {
	host = NormalizeHost(host)
	domain = NormalizeHost(domain)
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
