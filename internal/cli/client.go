package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/citinet/hubtunnel/internal/api"
	"github.com/citinet/hubtunnel/internal/clientsettings"
	"github.com/citinet/hubtunnel/internal/config"
	"github.com/citinet/hubtunnel/internal/domain"
)

const loginPollInterval = 2 * time.Second

func bindClientFlags(cmd *cobra.Command) *config.ClientConfig {
	cfg := config.DefaultClient()
	cfg.BindFlags(cmd.Flags())
	return &cfg
}

// connect fills unset connection settings from the saved client settings and
// returns a command surface client.
func connect(cmd *cobra.Command, cfg *config.ClientConfig) (*api.Client, error) {
	if stored, err := clientsettings.Load(); err == nil {
		if !cmd.Flags().Changed("server") && strings.TrimSpace(os.Getenv("HUB_SERVER")) == "" {
			cfg.ServerURL = stored.ServerURL
		}
		if !cmd.Flags().Changed("admin-token") && strings.TrimSpace(os.Getenv("HUB_ADMIN_TOKEN")) == "" {
			cfg.AdminToken = stored.AdminToken
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, usageError(err)
	}
	return api.NewClient(*cfg), nil
}

type setupFlags struct {
	localPort int
	apiToken  string
	name      string
	hostname  string
	noWait    bool
}

func (f *setupFlags) bind(cmd *cobra.Command, managed bool) {
	cmd.Flags().IntVar(&f.localPort, "local-port", 0, "Local hub port to expose (default: the hub's configured port)")
	cmd.Flags().BoolVar(&f.noWait, "no-wait", false, "Return once setup has started")
	if managed {
		f.apiToken = os.Getenv("HUB_MANAGED_API_TOKEN")
		cmd.Flags().StringVar(&f.apiToken, "api-token", f.apiToken, "Provider API token (env HUB_MANAGED_API_TOKEN)")
		cmd.Flags().StringVar(&f.name, "name", "", "Tunnel name")
		cmd.Flags().StringVar(&f.hostname, "hostname", "", "Public hostname in one of the account's zones (default <name>.<first zone>)")
	}
}

func (f *setupFlags) request(p domain.Provider) api.SetupRequest {
	return api.SetupRequest{
		Provider:  p,
		LocalPort: f.localPort,
		APIToken:  strings.TrimSpace(f.apiToken),
		Name:      strings.TrimSpace(f.name),
		Hostname:  strings.TrimSpace(f.hostname),
	}
}

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Configure and start a tunnel",
	}
	cmd.AddCommand(
		newSetupProviderCmd("quick", domain.ProviderQuick, "Quick relay tunnel with a random hostname", false),
		newSetupProviderCmd("managed", domain.ProviderManaged, "Managed named tunnel on your own domain", true),
		newSetupProviderCmd("mesh", domain.ProviderMeshFunnel, "Mesh VPN funnel (interactive sign-in)", false),
	)
	return cmd
}

func newSetupProviderCmd(use string, p domain.Provider, short string, managed bool) *cobra.Command {
	var flags setupFlags
	var cfg *config.ClientConfig
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd, cfg)
			if err != nil {
				return err
			}
			if managed && strings.TrimSpace(flags.apiToken) == "" {
				return usageError(errors.New("missing --api-token or HUB_MANAGED_API_TOKEN"))
			}
			h, err := client.Setup(cmd.Context(), flags.request(p))
			if err != nil {
				return err
			}
			return followSetup(cmd, client, h, flags.noWait)
		},
	}
	flags.bind(cmd, managed)
	cfg = bindClientFlags(cmd)
	return cmd
}

func newSwitchCmd() *cobra.Command {
	var flags setupFlags
	var cfg *config.ClientConfig
	cmd := &cobra.Command{
		Use:   "switch <quick|managed|mesh>",
		Short: "Replace a stopped tunnel with one under another provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParseProvider(args[0])
			if err != nil {
				return usageError(err)
			}
			client, err := connect(cmd, cfg)
			if err != nil {
				return err
			}
			h, err := client.Switch(cmd.Context(), flags.request(p))
			if err != nil {
				return err
			}
			return followSetup(cmd, client, h, flags.noWait)
		},
	}
	flags.bind(cmd, true)
	cfg = bindClientFlags(cmd)
	return cmd
}

// followSetup streams status until the setup leaves its setup phases.
func followSetup(cmd *cobra.Command, client *api.Client, h domain.SetupHandle, noWait bool) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "setup started: provider=%s token=%s\n", h.Provider, h.Token)
	if noWait {
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	var final domain.TunnelStatusView
	var lastPhase domain.Phase
	shownLogin := ""
	err := client.Watch(ctx, func(v domain.TunnelStatusView) {
		if v.LoginURL != "" && v.LoginURL != shownLogin {
			shownLogin = v.LoginURL
			fmt.Fprintln(out, "sign in to continue:", v.LoginURL)
		}
		if v.Phase != lastPhase {
			lastPhase = v.Phase
			fmt.Fprintln(out, "phase:", v.Phase)
		}
		if !v.Phase.InSetup() {
			final = v
			cancel()
		}
	})
	if err != nil {
		return err
	}
	if cmd.Context().Err() != nil {
		return cmd.Context().Err()
	}
	switch final.Phase {
	case domain.PhaseRunning:
		fmt.Fprintln(out, "tunnel running:", final.PublicURL())
		return nil
	case domain.PhaseFailed:
		return fmt.Errorf("setup failed: %s", final.LastError)
	}
	return fmt.Errorf("setup ended in phase %s", final.Phase)
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	var cfg *config.ClientConfig
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the tunnel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd, cfg)
			if err != nil {
				return err
			}
			v, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			}
			printStatus(cmd.OutOrStdout(), v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status JSON")
	cfg = bindClientFlags(cmd)
	return cmd
}

func newLoginCmd() *cobra.Command {
	var wait bool
	var cfg *config.ClientConfig
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Show or wait for the interactive provider sign-in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd, cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			shown := ""
			for {
				ls, err := client.Login(cmd.Context())
				if err != nil {
					return err
				}
				if ls.Authenticated {
					fmt.Fprintln(out, "signed in")
					return nil
				}
				if ls.LoginURL != "" && ls.LoginURL != shown {
					shown = ls.LoginURL
					fmt.Fprintln(out, "sign in at:", ls.LoginURL)
				}
				if !wait {
					if shown == "" {
						fmt.Fprintln(out, "not signed in; no sign-in is pending")
					}
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(loginPollInterval):
				}
			}
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Keep polling until signed in")
	cfg = bindClientFlags(cmd)
	return cmd
}

func newProvidersCmd() *cobra.Command {
	var asJSON bool
	var cfg *config.ClientConfig
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show which provider binaries are installed on the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd, cfg)
			if err != nil {
				return err
			}
			inv, err := client.Providers(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(inv)
			}
			printProviders(cmd.OutOrStdout(), inv)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw inventory JSON")
	cfg = bindClientFlags(cmd)
	return cmd
}

func newLifecycleCmd(use, short string, fn func(*api.Client, context.Context) (domain.TunnelStatusView, error)) *cobra.Command {
	var cfg *config.ClientConfig
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd, cfg)
			if err != nil {
				return err
			}
			v, err := fn(client, cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), v)
			return nil
		},
	}
	cfg = bindClientFlags(cmd)
	return cmd
}

func newWatchCmd() *cobra.Command {
	var cfg *config.ClientConfig
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print status transitions as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd, cfg)
			if err != nil {
				return err
			}
			return client.Watch(cmd.Context(), func(v domain.TunnelStatusView) {
				fmt.Fprintln(cmd.OutOrStdout(), statusLine(time.Now(), v))
			})
		},
	}
	cfg = bindClientFlags(cmd)
	return cmd
}

func newRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Save or show the hub address used by client commands",
	}

	var serverURL, token string
	set := &cobra.Command{
		Use:   "set",
		Short: "Save the hub address and admin token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.ClientConfig{ServerURL: serverURL, AdminToken: token, Timeout: time.Second}
			if err := cfg.Validate(); err != nil {
				return usageError(err)
			}
			if err := clientsettings.Save(clientsettings.Settings{ServerURL: cfg.ServerURL, AdminToken: cfg.AdminToken}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saved:", clientsettings.Path())
			return nil
		},
	}
	set.Flags().StringVar(&serverURL, "server", "", "Hub command surface URL")
	set.Flags().StringVar(&token, "admin-token", "", "Bearer token for the command surface")
	_ = set.MarkFlagRequired("server")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the saved hub address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := clientsettings.Load()
			if err != nil {
				return fmt.Errorf("no saved settings at %s: %w", clientsettings.Path(), err)
			}
			token := "(none)"
			if s.AdminToken != "" {
				token = "(set)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server:      %s\nadmin token: %s\n", s.ServerURL, token)
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}
