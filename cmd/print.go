package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/jmpesp/opte/internal/flowtable"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/port"
	"github.com/jmpesp/opte/internal/rule"
)

const (
	portRowFmt = "%-32s %-24s\n"
	flowRowFmt = "%-6s %-16s %-6s %-16s %-6s %-8s %-22s\n"
	ruleRowFmt = "%-8s %-6s %-48s %-18s\n"
)

func printHRB(w io.Writer) { fmt.Fprintln(w, strings.Repeat("=", 70)) }
func printHR(w io.Writer) { fmt.Fprintln(w, strings.Repeat("-", 70)) }

func printPorts(w io.Writer, ports []port.Info) {
	fmt.Fprintf(w, portRowFmt, "LINK", "MAC ADDRESS")
	for _, p := range ports {
		fmt.Fprintf(w, portRowFmt, p.Name, p.MAC.String())
	}
}

func printPortDetail(w io.Writer, p port.Info) {
	fmt.Fprintf(w, "\nPort %s\n", p.Name)
	printHR(w)
	fmt.Fprintf(w, "  ip %s subnet %s public %s\n", p.IP, p.Subnet, p.PublicIP)
	fmt.Fprintf(w, "  nat %d/%d  uft in %d out %d  tcp %d  overlay %t\n",
		p.NATInUse, p.NATSize, p.UFTIn, p.UFTOut, p.TCPFlows, p.Overlay)
	for _, n := range p.Neighbors {
		fmt.Fprintf(w, "  neighbor %-16s %s\n", n.IP, n.MAC)
	}
	for _, m := range p.NATMapping {
		fmt.Fprintf(w, "  nat %s:%d -> %s:%d\n", m.Private.Addr, m.Private.Port, m.Public.Addr, m.Public.Port)
	}
}

func printFlowHeader(w io.Writer) {
	fmt.Fprintf(w, flowRowFmt, "PROTO", "SRC IP", "SPORT", "DST IP", "DPORT", "HITS", "ACTION")
}

func printFlows(w io.Writer, flows []flowtable.FlowDump) {
	printFlowHeader(w)
	for _, f := range flows {
		id := f.Flow
		fmt.Fprintf(w, flowRowFmt,
			id.Proto.String(),
			id.SrcIP.String(),
			fmt.Sprint(id.SrcPort),
			id.DstIP.String(),
			fmt.Sprint(id.DstPort),
			fmt.Sprint(f.Hits),
			f.State,
		)
	}
}

func printRules(w io.Writer, rules []rule.Dump) {
	fmt.Fprintf(w, ruleRowFmt, "ID", "PRI", "PREDICATES", "ACTION")
	for _, r := range rules {
		preds := strings.Join(r.Predicates, " ")
		if preds == "" {
			preds = "*"
		}
		fmt.Fprintf(w, ruleRowFmt, fmt.Sprint(r.ID), fmt.Sprint(r.Priority), preds, r.Action)
	}
}

func printLayer(w io.Writer, d layer.Dump) {
	fmt.Fprintf(w, "Layer %s\n", d.Name)
	printHRB(w)
	fmt.Fprintln(w, "Inbound Flows")
	printHR(w)
	printFlows(w, d.FlowsIn.Flows)

	fmt.Fprintln(w, "\nOutbound Flows")
	printHR(w)
	printFlows(w, d.FlowsOut.Flows)

	fmt.Fprintf(w, "\nInbound Rules (default %s)\n", d.DefaultIn)
	printHR(w)
	printRules(w, d.RulesIn)

	fmt.Fprintf(w, "\nOutbound Rules (default %s)\n", d.DefaultOut)
	printHR(w)
	printRules(w, d.RulesOut)
	fmt.Fprintln(w)
}

func printUFT(w io.Writer, d port.UFTDump) {
	fmt.Fprintln(w, "Unified Flow Table")
	printHRB(w)
	fmt.Fprintf(w, "Inbound Flows [%d/%d]\n", d.In.NumFlows, d.In.Limit)
	printHR(w)
	printFlows(w, d.In.Flows)

	fmt.Fprintf(w, "\nOutbound Flows [%d/%d]\n", d.Out.NumFlows, d.Out.Limit)
	printHR(w)
	printFlows(w, d.Out.Flows)
	fmt.Fprintln(w)
}

func printTCPFlows(w io.Writer, d flowtable.TableDump) {
	fmt.Fprintf(w, "TCP Flows [%d/%d]\n", d.NumFlows, d.Limit)
	printHR(w)
	printFlows(w, d.Flows)
}
