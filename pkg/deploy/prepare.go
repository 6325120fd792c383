package deploy

import (
	"context"
	"fmt"
	"log"
	"sort"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
	"netsatbench/pkg/workerexec"
)

// PrepareWorkers sets every worker host up for the overlay: a dedicated
// container bridge network with masquerading off, a DOCKER-USER rule so
// cross-worker container traffic is forwarded, and static routes to the
// other workers' container subnets. Re-running converges.
func (d *Deployer) PrepareWorkers(ctx context.Context) error {
	workers, err := store.ListJSON[model.WorkerSpec](ctx, d.Store, store.WorkersPrefix)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return fmt.Errorf("%w: no workers published; run init first", model.ErrValidation)
	}

	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := d.prepareWorker(ctx, name, workers[name], workers); err != nil {
			log.Printf("worker %s: %v", name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("worker %s: %w", name, err)
			}
			continue
		}
		log.Printf("worker %s prepared", name)
	}
	return firstErr
}

func (d *Deployer) prepareWorker(ctx context.Context, name string, worker *model.WorkerSpec, all map[string]*model.WorkerSpec) error {
	vnet := worker.SatVnet
	if vnet == "" {
		vnet = "sat-vnet"
	}

	// recreate the network so a changed subnet takes effect
	if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
		Tool: "docker", Args: []string{"network", "inspect", vnet},
	}); err == nil {
		if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
			Tool: "docker", Args: []string{"network", "rm", vnet},
		}); err != nil {
			return fmt.Errorf("removing network %s: %w", vnet, err)
		}
	} else if !isExecError(err) {
		return fmt.Errorf("inspecting network %s: %w", vnet, err)
	}

	if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
		Tool: "docker", Args: []string{"network", "create",
			"--driver=bridge",
			"--subnet=" + worker.SatVnetCIDR,
			"-o", "com.docker.network.bridge.enable_ip_masquerade=false",
			vnet},
	}); err != nil {
		return fmt.Errorf("creating network %s: %w", vnet, err)
	}

	// forwarding between local and remote container subnets
	super := worker.SatVnetSuperCIDR
	if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
		Tool: "sudo", Args: []string{"iptables", "-C", "DOCKER-USER",
			"-s", super, "-d", super, "-j", "ACCEPT"},
	}); err != nil {
		if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
			Tool: "sudo", Args: []string{"iptables", "-I", "DOCKER-USER",
				"-s", super, "-d", super, "-j", "ACCEPT"},
		}); err != nil {
			return fmt.Errorf("installing DOCKER-USER rule: %w", err)
		}
	}

	// routes to every other worker's container subnet
	peers := make([]string, 0, len(all))
	for peer := range all {
		if peer != name {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)
	for _, peer := range peers {
		other := all[peer]
		if other.SatVnetCIDR == "" {
			log.Printf("skipping route to %s: no sat-vnet-cidr", peer)
			continue
		}
		if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
			Tool: "sudo", Args: []string{"ip", "route", "replace", other.SatVnetCIDR, "via", other.IP},
		}); err != nil {
			return fmt.Errorf("route to %s: %w", peer, err)
		}
	}
	return nil
}
