package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "Show workers, node placement and link state from the store",
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		workers, err := store.ListJSON[model.WorkerSpec](c.Context, s, store.WorkersPrefix)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		nodes, err := store.ListJSON[model.NodeSpec](c.Context, s, store.NodesPrefix)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		links, _, err := s.List(c.Context, store.LinksPrefix)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}

		printStatus(os.Stdout, workers, nodes, len(links)/2)

		if v, _, err := s.Get(c.Context, store.LastErrorKey); err == nil && v != nil {
			fmt.Fprintf(os.Stderr, "\nlast scheduler error: %s\n", v)
		}
		return nil
	},
}

func printStatus(w io.Writer, workers map[string]*model.WorkerSpec, nodes map[string]*model.NodeSpec, linkCount int) {
	perWorker := map[string]int{}
	for _, spec := range nodes {
		perWorker[spec.Worker]++
	}

	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "WORKER\tIP\tCPU\tMEM\tNODES\n")
	for _, name := range sortedKeys(workers) {
		ws := workers[name]
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%d\n", name, ws.IP, ws.CPU, ws.Mem, perWorker[name])
	}
	tr.Flush()

	fmt.Fprintln(w)
	tr = tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "NODE\tTYPE\tWORKER\tETH0\tCIDR\n")
	for _, name := range sortedKeys(nodes) {
		ns := nodes[name]
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%s\n", name, orDash(ns.Type), orDash(ns.Worker), orDash(ns.Eth0IP), orDash(ns.L3.CIDR))
	}
	tr.Flush()

	fmt.Fprintf(w, "\n%d nodes, %d links\n", len(nodes), linkCount)
}

func sortedKeys[T any](m map[string]*T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
