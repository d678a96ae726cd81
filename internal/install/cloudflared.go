package install

import "fmt"

// Cloudflared is the connector binary used by the quick and managed providers.
var Cloudflared = Package{
	Binary: "cloudflared",
	Repo:   "cloudflare/cloudflared",
	Asset:  cloudflaredAsset,
}

func cloudflaredAsset(goos, goarch string) (string, error) {
	switch goarch {
	case "amd64", "arm64", "arm", "386":
	default:
		return "", fmt.Errorf("%w: cloudflared for %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	switch goos {
	case "linux":
		return "cloudflared-linux-" + goarch, nil
	case "darwin":
		if goarch != "amd64" && goarch != "arm64" {
			break
		}
		return "cloudflared-darwin-" + goarch + ".tgz", nil
	case "windows":
		if goarch != "amd64" && goarch != "386" {
			break
		}
		return "cloudflared-windows-" + goarch + ".exe", nil
	}
	return "", fmt.Errorf("%w: cloudflared for %s/%s", ErrUnsupportedPlatform, goos, goarch)
}
