package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
)

func printStatus(w io.Writer, v domain.TunnelStatusView) {
	if !v.Configured && !v.Phase.InSetup() {
		fmt.Fprintln(w, "tunnel:      not configured")
		if v.LastError != nil {
			fmt.Fprintln(w, "last error: ", v.LastError)
		}
		return
	}
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-12s %s\n", label+":", value)
		}
	}
	row("provider", string(v.Provider))
	row("phase", string(v.Phase))
	state := string(v.ObservedState)
	if v.DesiredState != "" {
		state += " (desired " + string(v.DesiredState) + ")"
	}
	row("state", state)
	row("url", v.PublicURL())
	if v.LocalPort > 0 {
		row("local port", fmt.Sprint(v.LocalPort))
	}
	row("sign in", v.LoginURL)
	if v.LastError != nil {
		row("last error", v.LastError.String())
	}
	if v.LastVerifiedAt != nil {
		row("verified", v.LastVerifiedAt.Local().Format(time.RFC3339))
	}
	row("setup token", v.SetupToken)
}

func printProviders(w io.Writer, inv []domain.ProviderInventory) {
	for _, p := range inv {
		parts := []string{}
		if p.Installed {
			v := "installed"
			if p.Version != "" {
				v += " " + p.Version
			}
			parts = append(parts, v)
		} else {
			parts = append(parts, "not installed")
		}
		if p.Authenticated != nil {
			switch {
			case *p.Authenticated && p.MachineName != "":
				parts = append(parts, "signed in as "+p.MachineName)
			case *p.Authenticated:
				parts = append(parts, "signed in")
			default:
				parts = append(parts, "signed out")
			}
		}
		if p.FunnelActive != nil && *p.FunnelActive {
			parts = append(parts, "funnel active")
		}
		if p.Detail != "" {
			parts = append(parts, "("+p.Detail+")")
		}
		fmt.Fprintf(w, "%-12s %s\n", string(p.Provider)+":", strings.Join(parts, ", "))
	}
}

func statusLine(now time.Time, v domain.TunnelStatusView) string {
	parts := []string{now.Format("15:04:05"), string(v.Phase), string(v.ObservedState)}
	if v.Provider != "" {
		parts = append(parts, "provider="+string(v.Provider))
	}
	if v.Hostname != "" {
		parts = append(parts, "url="+v.PublicURL())
	}
	if v.LoginURL != "" {
		parts = append(parts, "login="+v.LoginURL)
	}
	if v.LastError != nil {
		parts = append(parts, "error="+v.LastError.String())
	}
	return strings.Join(parts, " ")
}
