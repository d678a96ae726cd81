// Package cli implements the hubtunnel command line: the serve process and
// thin client commands that call its command surface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/citinet/hubtunnel/internal/api"
	"github.com/citinet/hubtunnel/internal/versionutil"
)

// Version and Commit are set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = ""
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: 2, err: err}
}

// Run is the main CLI entry point. It returns a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, "error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hubtunnel",
		Short: "Public ingress for a home hub",
		Long: `hubtunnel keeps one public HTTPS tunnel to the hub's local API running
through a quick relay tunnel, a managed named tunnel, or a mesh funnel.

Run "hubtunnel serve" on the hub, then drive it with the client commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	root.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newSwitchCmd(),
		newStatusCmd(),
		newLoginCmd(),
		newProvidersCmd(),
		newLifecycleCmd("start", "Start the configured tunnel", (*api.Client).Start),
		newLifecycleCmd("stop", "Stop the tunnel and keep its configuration", (*api.Client).Stop),
		newLifecycleCmd("restart", "Restart the tunnel with its stored credentials", (*api.Client).Restart),
		newLifecycleCmd("teardown", "Stop the tunnel and delete its configuration and credentials", (*api.Client).Teardown),
		newWatchCmd(),
		newRemoteCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionutil.Describe("hubtunnel", Version, Commit))
		},
	}
}
