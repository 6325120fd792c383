// Package deploy reconciles the set of node containers on every worker
// against the published node specs: orphans are removed and every assigned
// node's container is force-removed and launched afresh, so a re-run
// converges on the published specs.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
	"netsatbench/pkg/workerexec"
)

// ManagedLabel marks containers owned by this system so reconciliation
// never touches anything else running on a worker.
const ManagedLabel = "created-by=netsatbench"

const remoteCAPath = "/tmp/netsatbench-etcd-ca.crt"
const containerCAPath = "/app/etcd-ca.crt"

// Result is the per-node outcome of one deployment pass.
type Result struct {
	Node   string
	Worker string
	Err    error
}

// Deployer fans container work out across workers.
type Deployer struct {
	Store store.Store
	Exec  workerexec.Executor
	// Etcd is injected into every container's environment.
	Etcd store.EtcdConfig
	// Concurrency bounds parallel container operations per worker.
	Concurrency int
}

// Deploy reconciles every worker and returns per-node results, failures
// included. The error is non-nil only for store-level problems.
func (d *Deployer) Deploy(ctx context.Context) ([]Result, error) {
	workers, err := store.ListJSON[model.WorkerSpec](ctx, d.Store, store.WorkersPrefix)
	if err != nil {
		return nil, err
	}
	nodes, err := store.ListJSON[model.NodeSpec](ctx, d.Store, store.NodesPrefix)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("%w: no workers published; run init first", model.ErrValidation)
	}

	byWorker := map[string]map[string]*model.NodeSpec{}
	for name, spec := range nodes {
		if spec.Worker == "" {
			return nil, fmt.Errorf("%w: node %s has no worker assignment", model.ErrValidation, name)
		}
		if _, ok := workers[spec.Worker]; !ok {
			return nil, fmt.Errorf("%w: node %s assigned to unknown worker %s", model.ErrValidation, name, spec.Worker)
		}
		if byWorker[spec.Worker] == nil {
			byWorker[spec.Worker] = map[string]*model.NodeSpec{}
		}
		byWorker[spec.Worker][name] = spec
	}

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)
	for workerName, assigned := range byWorker {
		wg.Add(1)
		go func(workerName string, assigned map[string]*model.NodeSpec) {
			defer wg.Done()
			rs := d.reconcileWorker(ctx, workerName, workers[workerName], assigned)
			mu.Lock()
			results = append(results, rs...)
			mu.Unlock()
		}(workerName, assigned)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Node < results[j].Node })
	return results, nil
}

func (d *Deployer) reconcileWorker(ctx context.Context, workerName string, worker *model.WorkerSpec, assigned map[string]*model.NodeSpec) []Result {
	existing, err := d.listContainers(ctx, worker)
	if err != nil {
		// without the current state every node on this worker fails the same way
		var rs []Result
		for name := range assigned {
			rs = append(rs, Result{Node: name, Worker: workerName, Err: err})
		}
		return rs
	}

	// orphans first, so a renamed node frees its bridge port before relaunch
	for _, name := range existing {
		if _, ok := assigned[name]; ok {
			continue
		}
		log.Printf("removing orphan container %s on %s", name, workerName)
		if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
			Tool: "docker", Args: []string{"rm", "-f", name},
		}); err != nil {
			log.Printf("removing orphan %s: %v", name, err)
		}
	}

	limit := d.Concurrency
	if limit <= 0 {
		limit = 4
	}
	sem := make(chan struct{}, limit)
	var (
		mu sync.Mutex
		rs []Result
		wg sync.WaitGroup
	)
	names := make([]string, 0, len(assigned))
	for name := range assigned {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		wg.Add(1)
		go func(name string, spec *model.NodeSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			err := d.launchNode(ctx, worker, name, spec)
			mu.Lock()
			rs = append(rs, Result{Node: name, Worker: workerName, Err: err})
			mu.Unlock()
		}(name, assigned[name])
	}
	wg.Wait()
	return rs
}

// launchNode force-removes any previous instance and starts a fresh one.
func (d *Deployer) launchNode(ctx context.Context, worker *model.WorkerSpec, name string, spec *model.NodeSpec) error {
	if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
		Tool: "docker", Args: []string{"rm", "-f", name},
	}); err != nil {
		// a missing container is the normal case; transport errors are not
		if !isExecError(err) {
			return fmt.Errorf("clearing previous container: %w", err)
		}
	}

	if _, err := d.Exec.Run(ctx, worker, RunContainerCommand(name, spec, worker, d.Etcd)); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	if d.Etcd.CACert != "" {
		if err := d.copyCACert(ctx, worker, name); err != nil {
			return err
		}
	}

	for i, image := range spec.Sidecars {
		sidecar := fmt.Sprintf("%s-sc%d", name, i+1)
		if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
			Tool: "docker", Args: []string{"rm", "-f", sidecar},
		}); err != nil && !isExecError(err) {
			return fmt.Errorf("clearing sidecar %s: %w", sidecar, err)
		}
		if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
			Tool: "docker",
			Args: []string{"run", "-d", "--name", sidecar,
				"--label", ManagedLabel,
				"--net", "container:" + name,
				image},
		}); err != nil {
			return fmt.Errorf("starting sidecar %s: %w", sidecar, err)
		}
	}
	return nil
}

// RunContainerCommand builds the docker run invocation for one node.
func RunContainerCommand(name string, spec *model.NodeSpec, worker *model.WorkerSpec, etcd store.EtcdConfig) workerexec.Command {
	bridge := worker.SatVnet
	if bridge == "" {
		bridge = "sat-vnet"
	}
	image := spec.Image
	if image == "" {
		image = "msvcbench/sat-container:latest"
	}

	args := []string{"run", "-d",
		"--name", name,
		"--hostname", name,
		"--net", bridge,
		"--privileged",
		"--pull=always",
		"--label", ManagedLabel,
	}
	if spec.CPULimit != "" {
		if millis, err := model.ParseCPU(spec.CPULimit); err == nil && millis > 0 {
			args = append(args, fmt.Sprintf("--cpus=%g", float64(millis)/1000))
		}
	}
	if spec.MemLimit != "" {
		if bytes, err := model.ParseMem(spec.MemLimit); err == nil && bytes > 0 {
			args = append(args, fmt.Sprintf("--memory=%db", bytes))
		}
	}
	args = append(args,
		"-e", "NODE_NAME="+name,
		"-e", "ETCD_ENDPOINT="+etcd.Endpoint(),
	)
	if etcd.Username != "" && etcd.Password != "" {
		args = append(args,
			"-e", "ETCD_USER="+etcd.Username,
			"-e", "ETCD_PASSWORD="+etcd.Password,
		)
	}
	if etcd.CACert != "" {
		args = append(args, "-e", "ETCD_CA_CERT="+containerCAPath)
	}
	args = append(args, image)
	return workerexec.Command{Tool: "docker", Args: args}
}

// copyCACert stages the CA file on the worker over the SSH channel, then
// docker-cps it into the container.
func (d *Deployer) copyCACert(ctx context.Context, worker *model.WorkerSpec, name string) error {
	pem, err := os.ReadFile(d.Etcd.CACert)
	if err != nil {
		return fmt.Errorf("reading CA cert: %w", err)
	}
	if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
		Tool:  "sh",
		Args:  []string{"-c", "cat > " + remoteCAPath},
		Stdin: pem,
	}); err != nil {
		return fmt.Errorf("staging CA cert: %w", err)
	}
	if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
		Tool: "docker", Args: []string{"cp", remoteCAPath, name + ":" + containerCAPath},
	}); err != nil {
		return fmt.Errorf("installing CA cert: %w", err)
	}
	return nil
}

// listContainers returns the managed container names on a worker.
func (d *Deployer) listContainers(ctx context.Context, worker *model.WorkerSpec) ([]string, error) {
	res, err := d.Exec.Run(ctx, worker, workerexec.Command{
		Tool: "docker",
		Args: []string{"ps", "-a", "--format", "{{.Names}}", "--filter", "label=" + ManagedLabel},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// RemoveAll deletes every managed container on every worker, used by
// teardown.
func (d *Deployer) RemoveAll(ctx context.Context) error {
	workers, err := store.ListJSON[model.WorkerSpec](ctx, d.Store, store.WorkersPrefix)
	if err != nil {
		return err
	}
	var firstErr error
	for name, worker := range workers {
		containers, err := d.listContainers(ctx, worker)
		if err != nil {
			log.Printf("worker %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, c := range containers {
			log.Printf("removing %s on %s", c, name)
			if _, err := d.Exec.Run(ctx, worker, workerexec.Command{
				Tool: "docker", Args: []string{"rm", "-f", c},
			}); err != nil {
				log.Printf("removing %s: %v", c, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func isExecError(err error) bool {
	var execErr *model.WorkerExecError
	return errors.As(err, &execErr)
}
