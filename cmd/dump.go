package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// dumpCmd represents the dump command group
var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump port state",
	Long: `Dump the rules and flows of a port.

Subcommands:
  layer  - Rules and flow tables of one layer
  uft    - The unified flow table
  tcp    - Tracked TCP connections`,
}

var dumpLayerCmd = &cobra.Command{
	Use:   "layer <layer>",
	Short: "Dump a layer (arp, firewall, dyn-nat, router, overlay)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDumpLayer(context.Background(), newClient(), os.Stdout, dumpPort, args[0]); err != nil {
			exitWithError("dump layer failed", err)
		}
	},
}

var dumpUFTCmd = &cobra.Command{
	Use:   "uft",
	Short: "Dump the unified flow table",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDumpUFT(context.Background(), newClient(), os.Stdout, dumpPort); err != nil {
			exitWithError("dump uft failed", err)
		}
	},
}

var dumpTCPCmd = &cobra.Command{
	Use:   "tcp",
	Short: "Dump tracked TCP flows",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDumpTCP(context.Background(), newClient(), os.Stdout, dumpPort); err != nil {
			exitWithError("dump tcp failed", err)
		}
	},
}

var dumpPort string

func init() {
	dumpCmd.AddCommand(dumpLayerCmd)
	dumpCmd.AddCommand(dumpUFTCmd)
	dumpCmd.AddCommand(dumpTCPCmd)

	dumpCmd.PersistentFlags().StringVarP(&dumpPort, "port", "p", "", "port name (required)")
	dumpCmd.MarkPersistentFlagRequired("port")
}

func runDumpLayer(ctx context.Context, cli Client, w io.Writer, name, layerName string) error {
	d, err := cli.DumpLayer(ctx, name, layerName)
	if err != nil {
		return err
	}
	printLayer(w, d)
	return nil
}

func runDumpUFT(ctx context.Context, cli Client, w io.Writer, name string) error {
	d, err := cli.DumpUFT(ctx, name)
	if err != nil {
		return err
	}
	printUFT(w, d)
	return nil
}

func runDumpTCP(ctx context.Context, cli Client, w io.Writer, name string) error {
	d, err := cli.DumpTCPFlows(ctx, name)
	if err != nil {
		return err
	}
	printTCPFlows(w, d)
	return nil
}
