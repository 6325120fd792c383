package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"netsatbench/pkg/agent/routing"
	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

// linkManager reconciles the local set of VXLAN interfaces against the
// node's half-link records. All methods run on the agent event loop.
type linkManager struct {
	store   store.Store
	node    string
	spec    *model.NodeSpec
	eth0IP  string
	run     Runner
	routing routing.Module
	journal *journal

	links map[string]*model.LinkRecord // iface name -> last applied record
}

func newLinkManager(s store.Store, node string, spec *model.NodeSpec, eth0IP string, run Runner, mod routing.Module, j *journal) *linkManager {
	return &linkManager{
		store:   s,
		node:    node,
		spec:    spec,
		eth0IP:  eth0IP,
		run:     run,
		routing: mod,
		journal: j,
		links:   map[string]*model.LinkRecord{},
	}
}

// handlePut creates or reshapes the interface for one half-link record.
func (m *linkManager) handlePut(ctx context.Context, iface string, raw []byte) error {
	var rec model.LinkRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decoding link %s: %w", iface, err)
	}
	peer, _, localAnt, ok := rec.Peer(m.node)
	if !ok {
		log.Printf("link %s does not involve this node, ignoring", iface)
		return nil
	}

	if cur, exists := m.links[iface]; exists && cur.SameDevice(&rec) {
		if cur.SameShaping(&rec) {
			return nil // re-delivered revision
		}
		// shaping-only change: no VXLAN churn
		if err := m.applyShaping(ctx, iface, &rec); err != nil {
			return err
		}
		m.links[iface] = &rec
		m.journal.linkOp(iface, "reshape", rec.Rate+" "+rec.Delay+" "+rec.Loss)
		return nil
	}

	peerIP, err := m.peerIP(ctx, peer)
	if err != nil {
		return err
	}

	exists, err := m.ifaceExists(ctx, iface)
	if err != nil {
		return err
	}
	if exists {
		// structural change or stale kernel state from a previous run:
		// recreate, never reboot the namespace
		if _, tracked := m.links[iface]; tracked {
			if msg, ok := m.routing.LinkDel(ctx, m.store, m.node, iface); !ok {
				log.Printf("routing link_del %s: %s", iface, msg)
			}
		}
		if err := m.run.Run(ctx, Cmd{Tool: "ip", Args: []string{"link", "del", iface}}); err != nil {
			return err
		}
	}

	if err := m.createVXLAN(ctx, iface, &rec, peerIP, localAnt); err != nil {
		return err
	}
	if err := m.applyShaping(ctx, iface, &rec); err != nil {
		return err
	}
	m.links[iface] = &rec
	m.journal.linkOp(iface, "create", fmt.Sprintf("vni=%d remote=%s", rec.VNI, peerIP))

	if msg, ok := m.routing.LinkAdd(ctx, m.store, m.node, iface); !ok {
		log.Printf("routing link_add %s: %s", iface, msg)
	}
	return nil
}

// handleDelete drains routing first, then tears the interface down.
func (m *linkManager) handleDelete(ctx context.Context, iface string) error {
	if msg, ok := m.routing.LinkDel(ctx, m.store, m.node, iface); !ok {
		log.Printf("routing link_del %s: %s", iface, msg)
	}
	exists, err := m.ifaceExists(ctx, iface)
	if err != nil {
		return err
	}
	if exists {
		if err := m.run.Run(ctx, Cmd{Tool: "ip", Args: []string{"link", "del", iface}}); err != nil {
			return err
		}
	}
	delete(m.links, iface)
	m.journal.linkOp(iface, "delete", "")
	return nil
}

// resync lists the node's records and diffs them against kernel state. Used
// at startup and after every watch reconnect.
func (m *linkManager) resync(ctx context.Context) error {
	desired, _, err := m.store.List(ctx, store.NodeLinksPrefix(m.node))
	if err != nil {
		return fmt.Errorf("%w: listing links: %v", model.ErrStore, err)
	}

	kernel, err := m.kernelIfaces(ctx)
	if err != nil {
		return err
	}

	wanted := map[string]bool{}
	var firstErr error
	for key, raw := range desired {
		iface := key[strings.LastIndexByte(key, '/')+1:]
		wanted[iface] = true
		if err := m.handlePut(ctx, iface, raw); err != nil {
			log.Printf("resync %s: %v", iface, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	// kernel interfaces and tracked records with no backing store key
	for _, iface := range kernel {
		if !wanted[iface] {
			if err := m.handleDelete(ctx, iface); err != nil {
				log.Printf("resync removing %s: %v", iface, err)
			}
		}
	}
	for iface := range m.links {
		if !wanted[iface] {
			if err := m.handleDelete(ctx, iface); err != nil {
				log.Printf("resync removing %s: %v", iface, err)
			}
		}
	}
	return firstErr
}

func (m *linkManager) createVXLAN(ctx context.Context, iface string, rec *model.LinkRecord, peerIP string, localAnt int) error {
	steps := []Cmd{
		{Tool: "ip", Args: []string{"link", "add", iface, "type", "vxlan",
			"id", strconv.FormatUint(uint64(rec.VNI), 10),
			"remote", peerIP, "local", m.eth0IP,
			"dev", "eth0", "dstport", "4789"}},
		{Tool: "ip", Args: []string{"link", "set", iface, "mtu", "1350"}},
		{Tool: "ip", Args: []string{"link", "set", iface, "master", bridgeName(localAnt)}},
		{Tool: "ip", Args: []string{"link", "set", "dev", iface, "up"}},
	}
	for _, c := range steps {
		if err := m.run.Run(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// applyShaping replaces the root qdisc with a netem matching the record.
// Records without shaping clear any previous qdisc.
func (m *linkManager) applyShaping(ctx context.Context, iface string, rec *model.LinkRecord) error {
	if !m.spec.L3.EnableNetem {
		return nil
	}
	args := []string{"qdisc", "replace", "dev", iface, "root", "netem"}
	n := len(args)
	if rec.Rate != "" {
		args = append(args, "rate", rec.Rate)
	}
	if rec.Delay != "" {
		args = append(args, "delay", rec.Delay)
	}
	if rec.Loss != "" {
		args = append(args, "loss", rec.Loss)
	}
	if rec.Limit != "" {
		args = append(args, "limit", rec.Limit)
	}
	if len(args) == n {
		// no shaping on this link: drop any leftover qdisc, ignoring the
		// error when none exists
		_ = m.run.Run(ctx, Cmd{Tool: "tc", Args: []string{"qdisc", "del", "dev", iface, "root"}})
		return nil
	}
	return m.run.Run(ctx, Cmd{Tool: "tc", Args: args})
}

func (m *linkManager) ifaceExists(ctx context.Context, iface string) (bool, error) {
	err := m.run.Run(ctx, Cmd{Tool: "ip", Args: []string{"link", "show", iface}})
	if err == nil {
		return true, nil
	}
	var kerr *model.KernelOpError
	if errors.As(err, &kerr) {
		return false, nil // show failing means the device is absent
	}
	return false, err
}

// kernelIfaces lists the overlay interfaces currently present (vl_ prefix).
func (m *linkManager) kernelIfaces(ctx context.Context) ([]string, error) {
	out, err := m.run.Output(ctx, Cmd{Tool: "ip", Args: []string{"-o", "link", "show"}})
	if err != nil {
		// a failing list degrades resync to record-level diffing
		log.Printf("listing kernel links: %v", err)
		return nil, nil
	}
	return parseLinkNames(out), nil
}

// parseLinkNames extracts interface names from `ip -o link show` output,
// keeping only the overlay's vl_ devices.
func parseLinkNames(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, ": ", 3)
		if len(fields) < 2 {
			continue
		}
		name := fields[1]
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		name = strings.TrimSpace(name)
		if strings.HasPrefix(name, "vl_") {
			names = append(names, name)
		}
	}
	return names
}

func (m *linkManager) peerIP(ctx context.Context, peer string) (string, error) {
	var spec model.NodeSpec
	ok, err := store.GetJSON(ctx, m.store, store.NodeKey(peer), &spec)
	if err != nil {
		return "", err
	}
	if !ok || spec.Eth0IP == "" {
		return "", fmt.Errorf("peer %s has no registered eth0_ip yet", peer)
	}
	return spec.Eth0IP, nil
}

func bridgeName(antenna int) string { return "br" + strconv.Itoa(antenna) }
