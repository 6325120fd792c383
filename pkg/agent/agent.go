// Package agent is the long-lived per-container process that enforces the
// node's desired state: VXLAN interfaces and bridges, traffic shaping, task
// execution and the routing plug-in, all driven by the store's watch
// streams on a single event loop.
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"netsatbench/pkg/agent/routing"
	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

// Agent wires the node's reconcilers together. Zero-value fields pick
// production defaults.
type Agent struct {
	Store store.Store
	Node  string

	Runner      Runner
	Shell       Shell
	HostsPath   string
	JournalPath string
	// DiscoverIP is swappable for tests; defaults to reading eth0.
	DiscoverIP func() (string, error)
	// ResyncInterval bounds how long a failed kernel op stays unrepaired.
	ResyncInterval time.Duration
}

// Run blocks until ctx is cancelled. Cancellation drains the in-flight
// event and returns, leaving kernel state intact.
func (a *Agent) Run(ctx context.Context) error {
	if a.Runner == nil {
		a.Runner = NewRunner()
	}
	if a.Shell == nil {
		a.Shell = NewShell()
	}
	if a.HostsPath == "" {
		a.HostsPath = "/etc/hosts"
	}
	if a.DiscoverIP == nil {
		a.DiscoverIP = discoverEth0
	}
	if a.ResyncInterval <= 0 {
		a.ResyncInterval = 30 * time.Second
	}

	j := openJournal(a.JournalPath)
	defer j.close()

	log.Printf("agent starting for node %s", a.Node)

	spec, err := a.waitForSpec(ctx)
	if err != nil {
		return err
	}
	eth0IP, err := a.registerIP(ctx, spec)
	if err != nil {
		return err
	}

	primary, err := prepareBridges(ctx, a.Runner, spec)
	if err != nil {
		return fmt.Errorf("preparing bridges: %w", err)
	}
	if primary != "" {
		if err := a.Store.Put(ctx, store.EtcHostsKey(a.Node), []byte(primary)); err != nil {
			return fmt.Errorf("publishing host entry: %w", err)
		}
	}

	hosts := &hostsFile{path: a.HostsPath}
	entries, err := store.ListValues(ctx, a.Store, store.EtcHostsPrefix)
	if err != nil {
		log.Printf("loading etchosts: %v", err)
	} else if err := hosts.sync(entries); err != nil {
		log.Printf("syncing /etc/hosts: %v", err)
	}

	moduleName := "none"
	if spec.L3.EnableRouting {
		moduleName = spec.L3.RoutingModule
	}
	mod, err := routing.New(moduleName)
	if err != nil {
		return fmt.Errorf("routing module: %w", err)
	}
	// init runs exactly once, before the first link event
	if msg, ok := mod.Init(ctx, a.Store, a.Node); !ok {
		log.Printf("routing init failed: %s", msg)
	} else if msg != "" {
		log.Printf("routing: %s", msg)
	}

	lm := newLinkManager(a.Store, a.Node, spec, eth0IP, a.Runner, mod, j)
	tasks := newTaskRunner(a.Store, a.Node, a.Shell, j)

	if err := lm.resync(ctx); err != nil {
		log.Printf("initial reconcile: %v (will retry)", err)
	}

	linkCh := a.Store.Watch(ctx, store.NodeLinksPrefix(a.Node), 0)
	runCh := a.Store.Watch(ctx, store.RunKey(a.Node), 0)
	hostsCh := a.Store.Watch(ctx, store.EtcHostsPrefix, 0)

	ticker := time.NewTicker(a.ResyncInterval)
	defer ticker.Stop()

	log.Printf("agent ready: watching links, tasks and etchosts")

	// Single event loop: link reconciliation and task execution never
	// overlap, so kernel changes cannot interleave.
	for {
		select {
		case <-ctx.Done():
			log.Printf("agent for %s shutting down", a.Node)
			return nil

		case ev, ok := <-linkCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: link watch closed", model.ErrStore)
			}
			a.handleLinkEvent(ctx, lm, ev)

		case ev, ok := <-runCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: run watch closed", model.ErrStore)
			}
			if ev.Type == store.EventPut && ev.Value != nil {
				if err := tasks.execute(ctx, ev.Value); err != nil {
					log.Printf("task execution: %v", err)
				}
			}

		case ev, ok := <-hostsCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: etchosts watch closed", model.ErrStore)
			}
			a.handleHostsEvent(hosts, ev)

		case <-ticker.C:
			if err := lm.resync(ctx); err != nil {
				log.Printf("periodic reconcile: %v", err)
			}
		}
	}
}

func (a *Agent) handleLinkEvent(ctx context.Context, lm *linkManager, ev store.Event) {
	switch ev.Type {
	case store.EventPut:
		iface := ifaceFromKey(ev.Key)
		if err := lm.handlePut(ctx, iface, ev.Value); err != nil {
			log.Printf("link %s: %v (next reconcile retries)", iface, err)
		}
	case store.EventDelete:
		iface := ifaceFromKey(ev.Key)
		if err := lm.handleDelete(ctx, iface); err != nil {
			log.Printf("link %s teardown: %v", iface, err)
		}
	case store.EventResync:
		log.Printf("link watch resync")
		if err := lm.resync(ctx); err != nil {
			log.Printf("resync: %v", err)
		}
	case store.EventFatal:
		log.Printf("link watch fatal: %v", ev.Err)
	}
}

func (a *Agent) handleHostsEvent(hosts *hostsFile, ev store.Event) {
	name := ifaceFromKey(ev.Key)
	switch ev.Type {
	case store.EventPut:
		ip := strings.TrimSpace(string(ev.Value))
		if ip == "" {
			return
		}
		if err := hosts.set(name, ip); err != nil {
			log.Printf("hosts entry %s: %v", name, err)
		}
	case store.EventDelete:
		if err := hosts.remove(name); err != nil {
			log.Printf("hosts entry %s: %v", name, err)
		}
	}
}

// waitForSpec blocks until the node's spec appears; deployment publishes it
// before the container starts, but the store may lag.
func (a *Agent) waitForSpec(ctx context.Context) (*model.NodeSpec, error) {
	for {
		var spec model.NodeSpec
		ok, err := store.GetJSON(ctx, a.Store, store.NodeKey(a.Node), &spec)
		if err == nil && ok {
			return &spec, nil
		}
		if err != nil {
			log.Printf("loading node spec: %v", err)
		} else {
			log.Printf("node spec for %s not published yet", a.Node)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// registerIP discovers eth0 and writes it back into the node spec, the one
// field of the spec the agent owns.
func (a *Agent) registerIP(ctx context.Context, spec *model.NodeSpec) (string, error) {
	var ip string
	for {
		var err error
		ip, err = a.DiscoverIP()
		if err == nil && ip != "" {
			break
		}
		log.Printf("waiting for eth0 address: %v", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if spec.Eth0IP != ip {
		spec.Eth0IP = ip
		if err := store.PutJSON(ctx, a.Store, store.NodeKey(a.Node), spec); err != nil {
			return "", fmt.Errorf("registering eth0_ip: %w", err)
		}
		log.Printf("registered eth0_ip %s", ip)
	}
	return ip, nil
}

func ifaceFromKey(key string) string {
	return key[strings.LastIndexByte(key, '/')+1:]
}
