package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/oxide"
)

// fwCmd represents the fw command group
var fwCmd = &cobra.Command{
	Use:   "fw",
	Short: "Manage firewall rules",
	Long: `Add and remove firewall rules on a port.

Rule changes invalidate the port's unified flow table; existing
connections are re-evaluated on their next packet.`,
}

var fwAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a firewall rule",
	Long: `Add a firewall rule.

Examples:
  opte fw add -p g0 --dir in --protocol tcp --ports 22 --action allow
  opte fw add -p g0 --dir out --hosts subnet=10.0.0.0/8 --action deny --priority 10`,
	Run: func(cmd *cobra.Command, args []string) {
		r, err := fwRuleFromFlags()
		if err != nil {
			exitWithError("invalid firewall rule", err)
		}
		if err := runFwAdd(context.Background(), newClient(), os.Stdout, fwPort, r); err != nil {
			exitWithError("fw add failed", err)
		}
	},
}

var fwRmCmd = &cobra.Command{
	Use:   "rm <rule-id>",
	Short: "Remove a firewall rule",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			exitWithError("invalid rule id", err)
		}
		dir, err := core.ParseDirection(fwFlags.dir)
		if err != nil {
			exitWithError("invalid direction", err)
		}
		if err := runFwRm(context.Background(), newClient(), os.Stdout, fwPort, dir, id); err != nil {
			exitWithError("fw rm failed", err)
		}
	},
}

var (
	fwPort  string
	fwFlags struct {
		dir, hosts, protocol, ports, action string
		priority                            uint16
	}
)

func init() {
	fwCmd.AddCommand(fwAddCmd)
	fwCmd.AddCommand(fwRmCmd)

	for _, c := range []*cobra.Command{fwAddCmd, fwRmCmd} {
		c.Flags().StringVarP(&fwPort, "port", "p", "", "port name (required)")
		c.Flags().StringVar(&fwFlags.dir, "dir", "", "direction: in or out (required)")
		c.MarkFlagRequired("port")
		c.MarkFlagRequired("dir")
	}

	f := fwAddCmd.Flags()
	f.StringVar(&fwFlags.hosts, "hosts", "any", "remote hosts: any, ip=<addr> or subnet=<cidr>")
	f.StringVar(&fwFlags.protocol, "protocol", "any", "protocol: any, tcp, udp or icmp")
	f.StringVar(&fwFlags.ports, "ports", "any", "destination ports: any or a list such as 22,8000-8080")
	f.StringVar(&fwFlags.action, "action", "allow", "allow or deny")
	f.Uint16Var(&fwFlags.priority, "priority", 100, "rule priority, lower wins")
}

func fwRuleFromFlags() (oxide.FirewallRule, error) {
	var (
		r   oxide.FirewallRule
		err error
	)
	if r.Direction, err = core.ParseDirection(fwFlags.dir); err != nil {
		return r, err
	}
	if r.Filters.Hosts, err = oxide.ParseAddress(fwFlags.hosts); err != nil {
		return r, err
	}
	if r.Filters.Protocol, err = oxide.ParseProtoFilter(fwFlags.protocol); err != nil {
		return r, err
	}
	if r.Filters.Ports, err = oxide.ParsePorts(fwFlags.ports); err != nil {
		return r, err
	}
	if r.Action, err = oxide.ParseFwAction(fwFlags.action); err != nil {
		return r, err
	}
	r.Priority = fwFlags.priority
	_, err = r.Rule()
	return r, err
}

func runFwAdd(ctx context.Context, cli Client, w io.Writer, name string, r oxide.FirewallRule) error {
	id, err := cli.FwAdd(ctx, name, r)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ Rule %d added to %s (%s)\n", id, name, r.Direction)
	return nil
}

func runFwRm(ctx context.Context, cli Client, w io.Writer, name string, dir core.Direction, id uint64) error {
	if err := cli.FwRm(ctx, name, dir, id); err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ Rule %d removed from %s (%s)\n", id, name, dir)
	return nil
}
