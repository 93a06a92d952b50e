package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/gluufederation/gluu-engine/pkg/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printNodes(w io.Writer, list []*model.Node) error {
	if jsonOutput {
		return printJSON(w, list)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATE\tIP\tDOMAIN")
	for _, n := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", n.ID, n.Name, n.Type, n.State, n.IP, n.DomainName)
	}
	return tw.Flush()
}

func printClusters(w io.Writer, list []*model.Cluster) error {
	if jsonOutput {
		return printJSON(w, list)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDOMAIN SUFFIX\tNETWORK\tRESERVED")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", c.ID, c.Name, c.DomainSuffix, c.WeaveIPNetwork, len(c.ReservedAddrs))
	}
	return tw.Flush()
}

func printHosts(w io.Writer, list []*model.Host) error {
	if jsonOutput {
		return printJSON(w, list)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tADDRESS\tENGINE")
	for _, h := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.ID, h.Name, h.Type, h.Address, h.DockerEndpoint)
	}
	return tw.Flush()
}
