package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netsatbench/pkg/epoch"
	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func startAgent(t *testing.T, s *store.Memory, node string) (*fakeKernel, *fakeShell, context.CancelFunc) {
	t.Helper()
	kernel := newFakeKernel()
	shell := &fakeShell{}
	a := &Agent{
		Store:       s,
		Node:        node,
		Runner:      kernel,
		Shell:       shell,
		HostsPath:   filepath.Join(t.TempDir(), "hosts"),
		JournalPath: filepath.Join(t.TempDir(), "agent.db"),
		DiscoverIP: func() (string, error) {
			return "172.100.0." + node[len(node)-1:], nil
		},
		ResyncInterval: 100 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			t.Errorf("agent %s: %v", node, err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return kernel, shell, cancel
}

func seedNode(t *testing.T, s *store.Memory, name, cidr string) {
	t.Helper()
	spec := &model.NodeSpec{
		Type:      "satellite",
		NAntennas: 1,
		L3:        model.L3Config{EnableNetem: true, CIDR: cidr},
	}
	require.NoError(t, store.PutJSON(context.Background(), s, store.NodeKey(name), spec))
}

func TestAgentRegistersAndPreparesBridges(t *testing.T) {
	s := store.NewMemory()
	seedNode(t, s, "sat1", "192.168.0.0/30")
	kernel, _, _ := startAgent(t, s, "sat1")

	ctx := context.Background()
	waitUntil(t, func() bool {
		var spec model.NodeSpec
		ok, _ := store.GetJSON(ctx, s, store.NodeKey("sat1"), &spec)
		return ok && spec.Eth0IP == "172.100.0.1"
	})

	// primary overlay address published for the other agents
	waitUntil(t, func() bool {
		v, _, _ := s.Get(ctx, store.EtcHostsKey("sat1"))
		return string(v) == "192.168.0.1"
	})

	assert.True(t, kernel.has("br1"), "antenna bridge created")
}

func TestAgentConvergesOnEpochs(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	for _, n := range []string{"sat1", "sat2", "sat3"} {
		seedNode(t, s, n, "")
	}
	k1, _, _ := startAgent(t, s, "sat1")
	k2, _, _ := startAgent(t, s, "sat2")
	k3, _, _ := startAgent(t, s, "sat3")

	// all agents registered
	waitUntil(t, func() bool {
		nodes, err := store.ListJSON[model.NodeSpec](ctx, s, store.NodesPrefix)
		if err != nil {
			return false
		}
		for _, spec := range nodes {
			if spec.Eth0IP == "" {
				return false
			}
		}
		return len(nodes) == 3
	})

	// epoch 0: sat1 - sat2
	require.NoError(t, epoch.Apply(ctx, s, &model.EpochFile{
		Time:     "2025-12-01T00:00:00Z",
		LinksAdd: []model.LinkChange{{Endpoint1: "sat1", Endpoint2: "sat2"}},
	}))
	waitUntil(t, func() bool {
		return k1.has("vl_sat2_1") && k2.has("vl_sat1_1")
	})

	// epoch 1: re-home sat1 to sat3
	require.NoError(t, epoch.Apply(ctx, s, &model.EpochFile{
		Time:     "2025-12-01T00:00:10Z",
		LinksDel: []model.LinkChange{{Endpoint1: "sat1", Endpoint2: "sat2"}},
		LinksAdd: []model.LinkChange{{Endpoint1: "sat1", Endpoint2: "sat3"}},
	}))
	waitUntil(t, func() bool {
		return k1.has("vl_sat3_1") && !k1.has("vl_sat2_1") &&
			!k2.has("vl_sat1_1") && k3.has("vl_sat1_1")
	})
}

func TestAgentRunsTasks(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	seedNode(t, s, "grd1", "")
	_, shell, _ := startAgent(t, s, "grd1")

	waitUntil(t, func() bool {
		var spec model.NodeSpec
		ok, _ := store.GetJSON(ctx, s, store.NodeKey("grd1"), &spec)
		return ok && spec.Eth0IP != ""
	})

	require.NoError(t, epoch.Apply(ctx, s, &model.EpochFile{
		Time: "2025-12-01T00:00:00Z",
		Run:  map[string][]string{"grd1": {"echo hi"}},
	}))

	waitUntil(t, func() bool {
		var report model.TaskReport
		ok, _ := store.GetJSON(ctx, s, store.StateRunKey("grd1"), &report)
		return ok && report.ExitCode == 0
	})
	assert.Equal(t, []string{"echo hi"}, shell.ran())

	// loop-mode replay: same content, new revision, runs again
	require.NoError(t, epoch.Apply(ctx, s, &model.EpochFile{
		Time: "2025-12-01T00:00:00Z",
		Run:  map[string][]string{"grd1": {"echo hi"}},
	}))
	waitUntil(t, func() bool { return len(shell.ran()) == 2 })
}

func TestAgentMaintainsHostsFile(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	seedNode(t, s, "sat1", "192.168.0.0/30")

	hostsPath := filepath.Join(t.TempDir(), "hosts")
	kernel := newFakeKernel()
	a := &Agent{
		Store:       s,
		Node:        "sat1",
		Runner:      kernel,
		Shell:       &fakeShell{},
		HostsPath:   hostsPath,
		JournalPath: filepath.Join(t.TempDir(), "agent.db"),
		DiscoverIP:  func() (string, error) { return "172.100.0.5", nil },
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { defer close(done); a.Run(runCtx) }()
	defer func() { cancel(); <-done }()

	require.NoError(t, s.Put(ctx, store.EtcHostsKey("sat2"), []byte("192.168.0.5")))

	h := &hostsFile{path: hostsPath}
	waitUntil(t, func() bool {
		lines, _ := h.read()
		for _, l := range lines {
			if hostsEntryFor(l, "sat2") {
				return true
			}
		}
		return false
	})

	require.NoError(t, s.Delete(ctx, store.EtcHostsKey("sat2")))
	waitUntil(t, func() bool {
		lines, _ := h.read()
		for _, l := range lines {
			if hostsEntryFor(l, "sat2") {
				return false
			}
		}
		return true
	})
}
