package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the opte daemon for its overall status.

Shows: version, instance id, uptime and the registered ports.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStatus(context.Background(), newClient(), os.Stdout); err != nil {
			exitWithError("daemon is not running or socket is inaccessible", err)
		}
	},
}

func runStatus(ctx context.Context, cli Client, w io.Writer) error {
	s, err := cli.DaemonStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "version:   %s\n", s.Version)
	fmt.Fprintf(w, "instance:  %s\n", s.InstanceID)
	fmt.Fprintf(w, "uptime:    %s\n", time.Duration(s.UptimeSec)*time.Second)
	fmt.Fprintf(w, "ports (%d): %s\n", s.PortCount, strings.Join(s.Ports, " "))
	return nil
}
