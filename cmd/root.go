// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmpesp/opte/internal/config"
)

var (
	// Global flags
	configFile string
	socketPath string
	rpcTimeout time.Duration

	// newClient builds the daemon client; tests replace it.
	newClient = defaultClient
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "opte",
	Short: "opte - flow-centric packet transformation engine",
	Long: `opte runs virtual network ports through an ordered stack of layers
(ARP, firewall, dynamic NAT, router, Geneve overlay), caching the merged
per-flow result in a unified flow table.

The daemon is driven over a Unix socket by the subcommands below:
  port    - register, unregister and list ports
  fw      - add and remove firewall rules
  dump    - dump layers, the unified flow table and TCP flows
  sim     - replay a pcap file through a port`,
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"daemon config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/opte.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().DurationVar(&rpcTimeout, "timeout", 10*time.Second,
		"control request timeout")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(portCmd)
	rootCmd.AddCommand(fwCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(simCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
