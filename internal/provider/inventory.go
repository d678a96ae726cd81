package provider

import (
	"context"
	"regexp"
	"strings"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/install"
	"github.com/citinet/hubtunnel/internal/process"
)

var versionRe = regexp.MustCompile(`\bversion\s+v?([0-9][0-9A-Za-z.+-]*)`)

// ParseVersion extracts a version from `<binary> version` output: either a
// "version X" phrase or the first word of the first line.
func ParseVersion(out string) string {
	if m := versionRe.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	for _, line := range strings.Split(out, "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			return strings.TrimPrefix(f[0], "v")
		}
	}
	return ""
}

// CheckCloudflared reports the connector binary for the cloudflared-based
// providers. A missing binary is reported, not returned as an error.
func CheckCloudflared(ctx context.Context, runner process.Runner, bins Binaries, kind domain.Provider) (domain.ProviderInventory, error) {
	inv := domain.ProviderInventory{Provider: kind}
	bin, err := bins.Locate(install.Cloudflared)
	if err != nil {
		inv.Detail = "cloudflared not found; it is downloaded on setup"
		return inv, nil
	}
	inv.Installed = true
	inv.Path = bin
	res, err := runner.Run(ctx, bin, "version")
	if err != nil {
		if ctx.Err() != nil {
			return inv, ctx.Err()
		}
		inv.Detail = "cloudflared version: " + err.Error()
		return inv, nil
	}
	inv.Version = ParseVersion(string(res.Stdout) + "\n" + string(res.Stderr))
	return inv, nil
}
