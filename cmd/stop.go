package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmpesp/opte/internal/config"
	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the opte daemon",
	Long: `Stop the opte daemon gracefully.

The shutdown request goes over the Unix socket. If the socket does not
answer, SIGTERM is sent to the process recorded in the PID file.
All ports are closed and their NAT mappings released.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStop(context.Background(), newClient(), os.Stdout, stopPIDFile()); err != nil {
			exitWithError("stop failed", err)
		}
	},
}

var stopPID string

func init() {
	stopCmd.Flags().StringVar(&stopPID, "pidfile", "", "PID file used when the socket does not answer")
}

func stopPIDFile() string {
	if stopPID != "" {
		return stopPID
	}
	if cfg, err := config.Load(configFile); err == nil {
		return cfg.Control.PIDFile
	}
	return ""
}

func runStop(ctx context.Context, cli Client, w io.Writer, pidFile string) error {
	err := cli.DaemonShutdown(ctx)
	if err == nil {
		fmt.Fprintln(w, "✓ Daemon shutting down")
		return nil
	}
	if !errors.Is(err, core.ErrDaemonNotRunning) || pidFile == "" {
		return err
	}

	if err := daemon.SignalStop(pidFile, 10*time.Second); err != nil {
		return err
	}
	fmt.Fprintln(w, "✓ Daemon stopped (SIGTERM)")
	return nil
}
