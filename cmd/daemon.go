package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmpesp/opte/internal/daemon"
	"github.com/jmpesp/opte/internal/log"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the opte daemon in foreground",
	Long: `Run the opte daemon process in foreground.

The daemon will:
  1. Load global configuration from the config file
  2. Initialize logging, metrics and flow events
  3. Register the ports listed in the config
  4. Start the Unix socket control server and the optional HTTP dump API
  5. Expire idle flows every engine.gc_interval
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and log reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			log.GetLogger().WithError(err).Error("daemon failed")
			exitWithError("daemon failed", err)
		}
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default from config)")
}

func runDaemon() error {
	sock := socketPath
	if !rootCmd.PersistentFlags().Changed("socket") {
		sock = "" // take it from the config
	}

	d, err := daemon.New(configFile, sock, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run()
}
