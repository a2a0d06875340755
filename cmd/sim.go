package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/layer"
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Replay a pcap file through a port",
	Long: `Read Ethernet frames from a pcap file and push each one through a
registered port in the given direction. Frames that pass (or hairpin)
are written to the output pcap when -w is set.

Example:
  opte sim -p g0 --dir out -r guest.pcap -w wire.pcap`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := core.ParseDirection(simFlags.dir)
		if err != nil {
			return fmt.Errorf("invalid direction: %w", err)
		}
		_, err = simFiles(context.Background(), newClient(), cmd.OutOrStdout(), simFlags.port, dir, simFlags.read, simFlags.write)
		return err
	},
}

// simFiles runs runSim between the named pcap files. The output file is
// closed, and its close error reported, even when the replay fails.
func simFiles(ctx context.Context, cli Client, stdout io.Writer, name string, dir core.Direction, inPath, outPath string) (st simStats, err error) {
	in, err := os.Open(inPath)
	if err != nil {
		return st, fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	var out io.Writer
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return st, fmt.Errorf("create output: %w", err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close output: %w", cerr)
			}
		}()
		out = f
	}

	st, err = runSim(ctx, cli, stdout, name, dir, in, out)
	if err != nil {
		return st, fmt.Errorf("sim failed: %w", err)
	}
	return st, nil
}

var simFlags struct {
	port, dir, read, write string
}

func init() {
	simCmd.Flags().StringVarP(&simFlags.port, "port", "p", "", "port name (required)")
	simCmd.Flags().StringVar(&simFlags.dir, "dir", "out", "direction: in or out")
	simCmd.Flags().StringVarP(&simFlags.read, "read", "r", "", "input pcap file (required)")
	simCmd.Flags().StringVarP(&simFlags.write, "write", "w", "", "output pcap file")
	simCmd.MarkFlagRequired("port")
	simCmd.MarkFlagRequired("read")
}

// simStats counts replay outcomes.
type simStats struct {
	Frames  int
	Pass    int
	Drop    int
	Hairpin int
	Errors  int
}

// runSim replays every frame of the pcap in r through the port. Resulting
// frames go to w as a pcap when w is not nil.
func runSim(ctx context.Context, cli Client, stdout io.Writer, name string, dir core.Direction, r io.Reader, w io.Writer) (simStats, error) {
	var st simStats

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("read pcap header: %w", err)
	}
	if lt := reader.LinkType(); lt != layers.LinkTypeEthernet {
		return st, fmt.Errorf("unsupported link type %s", lt)
	}

	var writer *pcapgo.Writer
	if w != nil {
		writer = pcapgo.NewWriter(w)
		if err := writer.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
			return st, fmt.Errorf("write pcap header: %w", err)
		}
	}

	for {
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("frame %d: %w", st.Frames+1, err)
		}
		st.Frames++

		res, err := cli.PortProcess(ctx, name, dir, data)
		if err != nil {
			return st, fmt.Errorf("frame %d: %w", st.Frames, err)
		}
		if res.Error != "" {
			st.Errors++
			fmt.Fprintf(stdout, "frame %d: %s\n", st.Frames, res.Error)
		}

		switch res.Verdict {
		case layer.VerdictPass.String():
			st.Pass++
		case layer.VerdictHairpin.String():
			st.Hairpin++
		default:
			st.Drop++
			continue
		}
		if writer == nil || len(res.Frame) == 0 {
			continue
		}
		oci := gopacket.CaptureInfo{Timestamp: ci.Timestamp, CaptureLength: len(res.Frame), Length: len(res.Frame)}
		if err := writer.WritePacket(oci, res.Frame); err != nil {
			return st, fmt.Errorf("write frame %d: %w", st.Frames, err)
		}
	}

	fmt.Fprintf(stdout, "frames: %d  pass: %d  drop: %d  hairpin: %d  errors: %d\n",
		st.Frames, st.Pass, st.Drop, st.Hairpin, st.Errors)
	return st, nil
}
