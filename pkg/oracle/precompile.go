package oracle

import (
	"encoding/json"
	"fmt"
	"log"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"netsatbench/pkg/epoch"
	"netsatbench/pkg/model"
)

// Options configures one precompilation run. The static config supplies the
// node inventory (types and overlay subnets); the oracle never talks to the
// store.
type Options struct {
	Config         *model.Config
	InDir          string
	Pattern        string
	OutDir         string
	NodeTypeToRoute string // empty or "all" routes every node
	DrainOffset    time.Duration
	CreationOffset time.Duration
}

// routeTarget is one routed destination: the subnet to install and the
// node's primary overlay address used when it acts as a next hop.
type routeTarget struct {
	cidr string
	ip   string
}

type hopPair struct {
	primary   string
	secondary string
}

// Precompile transforms the epoch sequence. Each original file is copied
// unchanged; a drain file (time - DrainOffset) precedes files with
// deletions, and a post-create file (time + CreationOffset) carries the
// full primary route set.
func Precompile(opts Options) error {
	files, err := epoch.ListFiles(opts.InDir, opts.Pattern)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no epoch files match %s", filepath.Join(opts.InDir, opts.Pattern))
	}

	targets, err := buildTargets(opts.Config, opts.NodeTypeToRoute)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no routed nodes match type %q", opts.NodeTypeToRoute)
	}
	routed := make([]string, 0, len(targets))
	for name := range targets {
		routed = append(routed, name)
	}
	sort.Strings(routed)

	var (
		topo      = graph{}
		installed = map[string]map[string]hopPair{} // src -> dst -> hops
		outputs   []*model.EpochFile
	)

	for _, path := range files {
		e, err := epoch.LoadFile(path)
		if err != nil {
			log.Printf("skipping %s: %v", filepath.Base(path), err)
			continue
		}
		ts, _ := e.Timestamp()

		// drain: migrate traffic off soon-to-be-deleted links before they go
		if opts.DrainOffset > 0 && len(e.LinksDel) > 0 {
			for _, d := range e.LinksDel {
				topo.del(d.Endpoint1, d.Endpoint2)
			}
			run := routeDelta(topo, routed, targets, installed)
			if len(run) > 0 {
				outputs = append(outputs, &model.EpochFile{
					Time: ts.Add(-opts.DrainOffset).UTC().Format(model.EpochTimeLayout),
					Run:  run,
				})
			}
		} else {
			for _, d := range e.LinksDel {
				topo.del(d.Endpoint1, d.Endpoint2)
			}
		}

		// the original file itself passes through untouched
		outputs = append(outputs, e)

		for _, a := range e.LinksAdd {
			topo.add(a.Endpoint1, a.Endpoint2)
		}

		// run-only files (including previously generated route files) pass
		// through without producing more route files, which keeps the
		// transform idempotent over its own output
		if len(e.LinksAdd) == 0 && len(e.LinksDel) == 0 {
			continue
		}
		run := routeFull(topo, routed, targets, installed)
		if len(run) > 0 {
			outputs = append(outputs, &model.EpochFile{
				Time: ts.Add(opts.CreationOffset).UTC().Format(model.EpochTimeLayout),
				Run:  run,
			})
		}
	}

	outputs = mergeGenerated(outputs)
	return writeFiles(outputs, opts.OutDir, opts.Pattern)
}

func buildTargets(cfg *model.Config, typeFilter string) (map[string]routeTarget, error) {
	all := typeFilter == "" || typeFilter == "all"
	out := map[string]routeTarget{}
	for _, n := range cfg.Nodes {
		if !all && n.Spec.Type != typeFilter {
			continue
		}
		if n.Spec.L3.CIDR == "" {
			log.Printf("routed node %s has no overlay cidr, skipping", n.Name)
			continue
		}
		pfx, err := netip.ParsePrefix(n.Spec.L3.CIDR)
		if err != nil {
			return nil, fmt.Errorf("node %s cidr %q: %w", n.Name, n.Spec.L3.CIDR, err)
		}
		out[n.Name] = routeTarget{
			cidr: pfx.Masked().String(),
			ip:   pfx.Masked().Addr().Next().String(),
		}
	}
	return out, nil
}

// routeDelta emits commands only for pairs whose next hops changed,
// including ip route del for destinations that just became unreachable.
func routeDelta(topo graph, routed []string, targets map[string]routeTarget, installed map[string]map[string]hopPair) map[string][]string {
	run := map[string][]string{}
	for _, dst := range routed {
		distToDst := topo.distances(dst)
		for _, src := range routed {
			if src == dst {
				continue
			}
			primary, secondary := topo.nextHops(src, dst, distToDst)
			prev, had := installed[src][dst]
			if primary == "" {
				if had {
					run[src] = append(run[src], "ip route del "+targets[dst].cidr)
					delete(installed[src], dst)
				}
				continue
			}
			next := hopPair{primary: primary, secondary: secondary}
			if had && prev == next {
				continue
			}
			run[src] = append(run[src], routeCommands(dst, next, targets)...)
			setInstalled(installed, src, dst, next)
		}
	}
	return run
}

// routeFull emits the complete primary (and secondary) route set for the
// current topology.
func routeFull(topo graph, routed []string, targets map[string]routeTarget, installed map[string]map[string]hopPair) map[string][]string {
	run := map[string][]string{}
	for _, dst := range routed {
		distToDst := topo.distances(dst)
		for _, src := range routed {
			if src == dst {
				continue
			}
			primary, secondary := topo.nextHops(src, dst, distToDst)
			if primary == "" {
				if _, had := installed[src][dst]; had {
					run[src] = append(run[src], "ip route del "+targets[dst].cidr)
					delete(installed[src], dst)
				}
				continue
			}
			next := hopPair{primary: primary, secondary: secondary}
			run[src] = append(run[src], routeCommands(dst, next, targets)...)
			setInstalled(installed, src, dst, next)
		}
	}
	return run
}

func routeCommands(dst string, hops hopPair, targets map[string]routeTarget) []string {
	var out []string
	if cmd := routeCommand(dst, hops.primary, 100, targets); cmd != "" {
		out = append(out, cmd)
	}
	if hops.secondary != "" {
		if cmd := routeCommand(dst, hops.secondary, 200, targets); cmd != "" {
			out = append(out, cmd)
		}
	}
	return out
}

func routeCommand(dst, nextHop string, metric int, targets map[string]routeTarget) string {
	nh, ok := targets[nextHop]
	if !ok || nh.ip == "" {
		return ""
	}
	return fmt.Sprintf("ip route replace %s via %s dev %s metric %d onlink",
		targets[dst].cidr, nh.ip, model.IfaceName(nextHop, 1), metric)
}

func setInstalled(installed map[string]map[string]hopPair, src, dst string, hops hopPair) {
	if installed[src] == nil {
		installed[src] = map[string]hopPair{}
	}
	installed[src][dst] = hops
}

// mergeGenerated folds generated files sharing a timestamp into one,
// deduplicating identical commands so re-running the oracle on its own
// output changes nothing. Original files (those with link sections) are
// never merged into.
func mergeGenerated(files []*model.EpochFile) []*model.EpochFile {
	var out []*model.EpochFile
	byTime := map[string]*model.EpochFile{}
	for _, f := range files {
		generated := len(f.LinksAdd) == 0 && len(f.LinksUpdate) == 0 && len(f.LinksDel) == 0
		if !generated {
			out = append(out, f)
			continue
		}
		if prev, ok := byTime[f.Time]; ok {
			for node, cmds := range f.Run {
				prev.Run[node] = appendUnique(prev.Run[node], cmds)
			}
			continue
		}
		byTime[f.Time] = f
		out = append(out, f)
	}
	// release ordering within equal timestamps follows emission order
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i].Timestamp()
		tj, _ := out[j].Timestamp()
		return ti.Before(tj)
	})
	return out
}

func appendUnique(dst, src []string) []string {
	seen := map[string]bool{}
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range src {
		if !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}

// writeFiles renumbers the output sequence using the input pattern.
func writeFiles(files []*model.EpochFile, outDir, pattern string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	nameFor := func(i int) string {
		if strings.Contains(pattern, "*") {
			return strings.Replace(pattern, "*", fmt.Sprintf("%d", i), 1)
		}
		return fmt.Sprintf("epoch%d.json", i)
	}
	for i, f := range files {
		b, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(outDir, nameFor(i))
		if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
			return err
		}
	}
	log.Printf("wrote %d epoch files to %s", len(files), outDir)
	return nil
}
