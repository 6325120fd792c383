// Package placement turns the static configuration into worker and node
// specs: validation, node-to-worker scheduling, overlay address allocation
// and transactional publication.
package placement

import (
	"fmt"
	"log"
	"net/netip"
	"sort"

	"netsatbench/pkg/model"
)

// Mode selects which address families the allocator assigns.
type Mode string

const (
	ModeIPv4 Mode = "ipv4"
	ModeIPv6 Mode = "ipv6"
	ModeDual Mode = "dual"
)

func (m Mode) v4() bool { return m == ModeIPv4 || m == ModeDual }
func (m Mode) v6() bool { return m == ModeIPv6 || m == ModeDual }

// Plan validates the config, schedules unpinned nodes and allocates overlay
// subnets. The input config is mutated in place (worker and cidr fields) and
// returned. Identical input yields identical output.
func Plan(cfg *model.Config, mode Mode) (*model.Config, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if err := schedule(cfg); err != nil {
		return nil, err
	}
	if err := allocate(cfg, mode); err != nil {
		return nil, err
	}
	if err := checkOverlayDisjoint(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *model.Config) error {
	if len(cfg.Workers) == 0 {
		return fmt.Errorf("%w: no workers defined", model.ErrValidation)
	}
	type subnet struct {
		worker string
		pfx    netip.Prefix
	}
	var subnets []subnet
	for name, w := range cfg.Workers {
		cidr, err := netip.ParsePrefix(w.SatVnetCIDR)
		if err != nil {
			return fmt.Errorf("%w: worker %s sat-vnet-cidr %q: %v", model.ErrValidation, name, w.SatVnetCIDR, err)
		}
		super, err := netip.ParsePrefix(w.SatVnetSuperCIDR)
		if err != nil {
			return fmt.Errorf("%w: worker %s sat-vnet-super-cidr %q: %v", model.ErrValidation, name, w.SatVnetSuperCIDR, err)
		}
		if !super.Contains(cidr.Addr()) {
			return fmt.Errorf("%w: worker %s subnet %s outside supernet %s", model.ErrValidation, name, cidr, super)
		}
		if _, err := w.CPUMillis(); err != nil {
			return fmt.Errorf("%w: worker %s: %v", model.ErrValidation, name, err)
		}
		if _, err := w.MemBytes(); err != nil {
			return fmt.Errorf("%w: worker %s: %v", model.ErrValidation, name, err)
		}
		subnets = append(subnets, subnet{worker: name, pfx: cidr})
	}
	sort.Slice(subnets, func(i, j int) bool { return subnets[i].worker < subnets[j].worker })
	for i := range subnets {
		for j := i + 1; j < len(subnets); j++ {
			if prefixesOverlap(subnets[i].pfx, subnets[j].pfx) {
				return fmt.Errorf("%w: workers %s and %s have overlapping subnets %s, %s",
					model.ErrValidation, subnets[i].worker, subnets[j].worker, subnets[i].pfx, subnets[j].pfx)
			}
		}
	}

	for _, n := range cfg.Nodes {
		if n.Name == "" {
			return fmt.Errorf("%w: empty node name", model.ErrValidation)
		}
		if len(n.Name) > model.MaxNodeNameLen {
			return fmt.Errorf("%w: node name %q longer than %d bytes", model.ErrValidation, n.Name, model.MaxNodeNameLen)
		}
		if n.Spec.Worker != "" {
			if _, ok := cfg.Workers[n.Spec.Worker]; !ok {
				return fmt.Errorf("%w: node %s references unknown worker %q", model.ErrValidation, n.Name, n.Spec.Worker)
			}
		}
		if _, err := model.ParseCPU(n.Spec.CPURequest); err != nil {
			return fmt.Errorf("%w: node %s: %v", model.ErrValidation, n.Name, err)
		}
		if _, err := model.ParseMem(n.Spec.MemRequest); err != nil {
			return fmt.Errorf("%w: node %s: %v", model.ErrValidation, n.Name, err)
		}
	}
	return nil
}

type residual struct {
	name string
	cpu  int64
	mem  int64
}

// schedule assigns a worker to every node lacking one. Demand-sorted nodes,
// each placed on the admissible worker with the most free capacity; ties go
// to the lexicographically smaller worker name.
func schedule(cfg *model.Config) error {
	workers := make([]*residual, 0, len(cfg.Workers))
	for name, w := range cfg.Workers {
		cpu, _ := w.CPUMillis()
		mem, _ := w.MemBytes()
		workers = append(workers, &residual{name: name, cpu: cpu, mem: mem})
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].name < workers[j].name })
	byName := map[string]*residual{}
	for _, w := range workers {
		byName[w.name] = w
	}

	// pinned nodes debit first
	for _, n := range cfg.Nodes {
		if n.Spec.Worker == "" {
			continue
		}
		cpu, _ := model.ParseCPU(n.Spec.CPURequest)
		mem, _ := model.ParseMem(n.Spec.MemRequest)
		w := byName[n.Spec.Worker]
		if w.cpu < cpu || w.mem < mem {
			log.Printf("warning: node %s overcommits pinned worker %s", n.Name, w.name)
		}
		w.cpu -= cpu
		w.mem -= mem
	}

	type demand struct {
		idx int
		cpu int64
		mem int64
	}
	var pending []demand
	for i, n := range cfg.Nodes {
		if n.Spec.Worker != "" {
			continue
		}
		cpu, _ := model.ParseCPU(n.Spec.CPURequest)
		mem, _ := model.ParseMem(n.Spec.MemRequest)
		pending = append(pending, demand{idx: i, cpu: cpu, mem: mem})
	}
	// stable: equal demands keep config order
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].cpu != pending[j].cpu {
			return pending[i].cpu > pending[j].cpu
		}
		return pending[i].mem > pending[j].mem
	})

	for _, d := range pending {
		var best *residual
		for _, w := range workers {
			if w.cpu < d.cpu || w.mem < d.mem {
				continue
			}
			if best == nil || w.cpu > best.cpu || (w.cpu == best.cpu && w.mem > best.mem) {
				best = w
			}
		}
		node := cfg.Nodes[d.idx]
		if best == nil {
			return fmt.Errorf("%w: no worker fits node %s (cpu=%dm mem=%d)", model.ErrInsufficientCapacity, node.Name, d.cpu, d.mem)
		}
		best.cpu -= d.cpu
		best.mem -= d.mem
		node.Spec.Worker = best.name
	}
	return nil
}

// allocate walks the auto-assign rules, handing each matching node the next
// free /30 (and /126) of the rule's super-cidr. Rules run in config order
// with "any" catch-alls last; nodes are visited in config order.
func allocate(cfg *model.Config, mode Mode) error {
	if len(cfg.AutoAssign) == 0 {
		return nil
	}

	rules := make([]model.AutoAssignRule, 0, len(cfg.AutoAssign))
	for _, r := range cfg.AutoAssign {
		if r.MatchType != "any" {
			rules = append(rules, r)
		}
	}
	for _, r := range cfg.AutoAssign {
		if r.MatchType == "any" {
			rules = append(rules, r)
		}
	}

	poolsV4 := make([]*pool, len(rules))
	poolsV6 := make([]*pool, len(rules))
	for i, r := range rules {
		if r.SuperCIDR != "" && mode.v4() {
			p, err := newPool(r.SuperCIDR, 30)
			if err != nil {
				return err
			}
			poolsV4[i] = p
		}
		if r.SuperCIDR6 != "" && mode.v6() {
			p, err := newPool(r.SuperCIDR6, 126)
			if err != nil {
				return err
			}
			poolsV6[i] = p
		}
	}

	// explicit overrides consume their slot in whichever pool holds them
	for _, n := range cfg.Nodes {
		if n.Spec.L3.CIDR != "" {
			pfx, err := netip.ParsePrefix(n.Spec.L3.CIDR)
			if err != nil {
				return fmt.Errorf("%w: node %s cidr %q: %v", model.ErrValidation, n.Name, n.Spec.L3.CIDR, err)
			}
			if pfx.Bits() != 30 {
				return fmt.Errorf("%w: node %s cidr %s is not a /30", model.ErrValidation, n.Name, pfx)
			}
			for _, p := range poolsV4 {
				if p != nil && p.contains(pfx) {
					p.reserve(pfx)
				}
			}
		}
		if n.Spec.L3.CIDRv6 != "" {
			pfx, err := netip.ParsePrefix(n.Spec.L3.CIDRv6)
			if err != nil {
				return fmt.Errorf("%w: node %s cidr-v6 %q: %v", model.ErrValidation, n.Name, n.Spec.L3.CIDRv6, err)
			}
			if pfx.Bits() != 126 {
				return fmt.Errorf("%w: node %s cidr-v6 %s is not a /126", model.ErrValidation, n.Name, pfx)
			}
			for _, p := range poolsV6 {
				if p != nil && p.contains(pfx) {
					p.reserve(pfx)
				}
			}
		}
	}

	assignedV4 := map[string]bool{}
	assignedV6 := map[string]bool{}
	for i, r := range rules {
		for _, n := range cfg.Nodes {
			if !n.Spec.L3.AutoAssignIPs {
				continue
			}
			if r.MatchType != "any" && n.Spec.Type != r.MatchType {
				continue
			}
			if poolsV4[i] != nil && n.Spec.L3.CIDR == "" && !assignedV4[n.Name] {
				pfx, err := poolsV4[i].alloc()
				if err != nil {
					return fmt.Errorf("node %s: %w", n.Name, err)
				}
				n.Spec.L3.CIDR = pfx.String()
				assignedV4[n.Name] = true
			}
			if poolsV6[i] != nil && n.Spec.L3.CIDRv6 == "" && !assignedV6[n.Name] {
				pfx, err := poolsV6[i].alloc()
				if err != nil {
					return fmt.Errorf("node %s: %w", n.Name, err)
				}
				n.Spec.L3.CIDRv6 = pfx.String()
				assignedV6[n.Name] = true
			}
		}
	}
	return nil
}

// checkOverlayDisjoint enforces that overlay subnets never collide with each
// other or with any worker underlay supernet.
func checkOverlayDisjoint(cfg *model.Config) error {
	var supers []netip.Prefix
	for _, w := range cfg.Workers {
		if pfx, err := netip.ParsePrefix(w.SatVnetSuperCIDR); err == nil {
			supers = append(supers, pfx)
		}
	}
	type owned struct {
		node string
		pfx  netip.Prefix
	}
	var overlays []owned
	for _, n := range cfg.Nodes {
		for _, c := range []string{n.Spec.L3.CIDR, n.Spec.L3.CIDRv6} {
			if c == "" {
				continue
			}
			pfx, err := netip.ParsePrefix(c)
			if err != nil {
				return fmt.Errorf("%w: node %s cidr %q: %v", model.ErrValidation, n.Name, c, err)
			}
			for _, s := range supers {
				if pfx.Addr().Is4() == s.Addr().Is4() && prefixesOverlap(pfx, s) {
					return fmt.Errorf("%w: node %s overlay %s overlaps worker supernet %s", model.ErrValidation, n.Name, pfx, s)
				}
			}
			overlays = append(overlays, owned{node: n.Name, pfx: pfx})
		}
	}
	for i := range overlays {
		for j := i + 1; j < len(overlays); j++ {
			a, b := overlays[i], overlays[j]
			if a.pfx.Addr().Is4() == b.pfx.Addr().Is4() && prefixesOverlap(a.pfx, b.pfx) {
				return fmt.Errorf("%w: nodes %s and %s have overlapping overlay subnets %s, %s",
					model.ErrValidation, a.node, b.node, a.pfx, b.pfx)
			}
		}
	}
	return nil
}
