package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmpesp/opte/internal/config"
	"github.com/jmpesp/opte/internal/port"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a port file or the daemon config",
	Long: `Validate a port configuration file (YAML or JSON) or, without -f,
the daemon config given by -c, without contacting the daemon.

Examples:
  opte validate -f g0.yaml
  opte validate -c /etc/opte/opte.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		if validateFile != "" {
			err = runValidatePort(os.Stdout, validateFile)
		} else {
			err = runValidateConfig(os.Stdout, configFile)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

var validateFile string

func init() {
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "",
		"port configuration file to validate")
}

func runValidatePort(w io.Writer, path string) error {
	cfg, err := port.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(w, "VALID: port %q subnet %s nat %s:%d-%d overlay %t\n",
		cfg.Name, cfg.VPCSubnet, cfg.DynNAT.PublicIP, cfg.DynNAT.PortStart, cfg.DynNAT.PortEnd, cfg.Overlay != nil)
	return nil
}

func runValidateConfig(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	for i, raw := range cfg.Ports {
		pc, err := port.DecodeConfig(raw)
		if err != nil {
			return fmt.Errorf("ports[%d]: %w", i, err)
		}
		if err := pc.Validate(); err != nil {
			return fmt.Errorf("ports[%d]: %w", i, err)
		}
	}
	fmt.Fprintf(w, "VALID: config %q with %d static port(s)\n", path, len(cfg.Ports))
	return nil
}
