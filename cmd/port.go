package cmd

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/oxide"
	"github.com/jmpesp/opte/internal/port"
)

// portCmd represents the port command group
var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Manage ports",
	Long: `Manage virtual ports on the opte daemon.

Subcommands:
  register    - Register a port from a file or flags
  unregister  - Remove a port and release its NAT mappings
  list        - List registered ports`,
}

var portRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a port",
	Long: `Register a port from a YAML or JSON file, or from flags.

Examples:
  opte port register -f g0.yaml
  opte port register --name g0 --private-ip 172.20.0.5 --private-mac a8:40:25:f7:00:01 \
    --vpc-subnet 172.20.0.0/24 --gw-ip 172.20.0.1 --gw-mac a8:40:25:ff:00:01 \
    --public-ip 10.0.0.99 --public-mac a8:40:25:00:00:01 --port-start 1025 --port-end 4096`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := portConfigFromFlags()
		if err != nil {
			exitWithError("invalid port configuration", err)
		}
		if err := runPortRegister(context.Background(), newClient(), os.Stdout, cfg); err != nil {
			exitWithError("port register failed", err)
		}
	},
}

var portUnregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Unregister a port",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runPortUnregister(context.Background(), newClient(), os.Stdout, portName); err != nil {
			exitWithError("port unregister failed", err)
		}
	},
}

var portListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ports",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runPortList(context.Background(), newClient(), os.Stdout, portListDetail); err != nil {
			exitWithError("port list failed", err)
		}
	},
}

var (
	portName       string
	portFile       string
	portListDetail bool

	portFlags struct {
		privateIP, privateMAC, subnet string
		gwIP, gwMAC                   string
		publicIP, publicMAC           string
		portStart, portEnd            uint16
		vni, bsvcVNI                  uint32
		bsvcIP, physIP                string
		physMACSrc, physMACDst        string
	}
)

func init() {
	portCmd.AddCommand(portRegisterCmd)
	portCmd.AddCommand(portUnregisterCmd)
	portCmd.AddCommand(portListCmd)

	f := portRegisterCmd.Flags()
	f.StringVarP(&portFile, "file", "f", "", "port configuration file (YAML or JSON)")
	f.StringVar(&portName, "name", "", "port name")
	f.StringVar(&portFlags.privateIP, "private-ip", "", "guest IPv4 address")
	f.StringVar(&portFlags.privateMAC, "private-mac", "", "guest MAC address")
	f.StringVar(&portFlags.subnet, "vpc-subnet", "", "VPC IPv4 subnet")
	f.StringVar(&portFlags.gwIP, "gw-ip", "", "virtual gateway IPv4 address")
	f.StringVar(&portFlags.gwMAC, "gw-mac", "", "virtual gateway MAC address")
	f.StringVar(&portFlags.publicIP, "public-ip", "", "dynamic NAT public IPv4 address")
	f.StringVar(&portFlags.publicMAC, "public-mac", "", "dynamic NAT public MAC address")
	f.Uint16Var(&portFlags.portStart, "port-start", 1025, "first NAT port (inclusive)")
	f.Uint16Var(&portFlags.portEnd, "port-end", 65535, "last NAT port (inclusive)")
	f.Uint32Var(&portFlags.vni, "vni", 0, "overlay VNI (enables the overlay)")
	f.StringVar(&portFlags.bsvcIP, "bsvc-ip", "", "boundary services IPv6 address")
	f.Uint32Var(&portFlags.bsvcVNI, "bsvc-vni", 99, "boundary services VNI")
	f.StringVar(&portFlags.physIP, "phys-ip", "", "underlay source IPv6 address")
	f.StringVar(&portFlags.physMACSrc, "phys-mac-src", "", "underlay source MAC address")
	f.StringVar(&portFlags.physMACDst, "phys-mac-dst", "", "underlay gateway MAC address")

	portUnregisterCmd.Flags().StringVarP(&portName, "name", "p", "", "port name (required)")
	portUnregisterCmd.MarkFlagRequired("name")

	portListCmd.Flags().BoolVarP(&portListDetail, "detail", "d", false, "show neighbors and NAT mappings")
}

// portConfigFromFlags builds the port description from -f or the flags.
func portConfigFromFlags() (port.Config, error) {
	if portFile != "" {
		return port.LoadConfig(portFile)
	}

	var (
		c   = port.Config{Name: portName}
		err error
	)
	parseAddr := func(s string) netip.Addr {
		if err != nil || s == "" {
			return netip.Addr{}
		}
		var a netip.Addr
		a, err = netip.ParseAddr(s)
		return a
	}
	parseMAC := func(s string) core.MAC {
		if err != nil || s == "" {
			return core.MAC{}
		}
		var m core.MAC
		m, err = core.ParseMAC(s)
		return m
	}

	if portFlags.subnet != "" {
		if c.VPCSubnet, err = netip.ParsePrefix(portFlags.subnet); err != nil {
			return port.Config{}, err
		}
	}
	c.PrivateIP = parseAddr(portFlags.privateIP)
	c.PrivateMAC = parseMAC(portFlags.privateMAC)
	c.GatewayIP = parseAddr(portFlags.gwIP)
	c.GatewayMAC = parseMAC(portFlags.gwMAC)
	c.DynNAT = oxide.DynNATConfig{
		PublicIP:  parseAddr(portFlags.publicIP),
		PublicMAC: parseMAC(portFlags.publicMAC),
		PortStart: portFlags.portStart,
		PortEnd:   portFlags.portEnd,
	}
	if portFlags.vni != 0 {
		c.Overlay = &oxide.OverlayConfig{
			VNI:              portFlags.vni,
			BoundaryServices: oxide.PhysNet{IP: parseAddr(portFlags.bsvcIP), VNI: portFlags.bsvcVNI},
			PhysIPSrc:        parseAddr(portFlags.physIP),
			PhysMACSrc:       parseMAC(portFlags.physMACSrc),
			PhysMACDst:       parseMAC(portFlags.physMACDst),
		}
	}
	if err != nil {
		return port.Config{}, err
	}
	return c, nil
}

func runPortRegister(ctx context.Context, cli Client, w io.Writer, cfg port.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cli.PortRegister(ctx, cfg); err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ Port %s registered\n", cfg.Name)
	return nil
}

func runPortUnregister(ctx context.Context, cli Client, w io.Writer, name string) error {
	if err := cli.PortUnregister(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ Port %s unregistered\n", name)
	return nil
}

func runPortList(ctx context.Context, cli Client, w io.Writer, detail bool) error {
	ports, err := cli.PortList(ctx, detail)
	if err != nil {
		return err
	}
	printPorts(w, ports)
	if detail {
		for _, p := range ports {
			printPortDetail(w, p)
		}
	}
	return nil
}
