package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

// fakeKernel emulates just enough ip/tc behavior for the reconciler: a set
// of interfaces mutated by add/del and queried by show.
type fakeKernel struct {
	mu     sync.Mutex
	ifaces map[string]bool
	log    []string
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{ifaces: map[string]bool{}}
}

func (f *fakeKernel) Run(_ context.Context, cmd Cmd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := cmd.String()
	f.log = append(f.log, line)

	args := cmd.Args
	switch {
	case cmd.Tool == "ip" && len(args) >= 3 && args[0] == "link" && args[1] == "add":
		f.ifaces[args[2]] = true
	case cmd.Tool == "ip" && len(args) >= 3 && args[0] == "link" && args[1] == "del":
		delete(f.ifaces, args[2])
	case cmd.Tool == "ip" && len(args) >= 3 && args[0] == "link" && args[1] == "show":
		if !f.ifaces[args[2]] {
			return &model.KernelOpError{Op: line, Err: fmt.Errorf("does not exist")}
		}
	}
	return nil
}

func (f *fakeKernel) Output(_ context.Context, cmd Cmd) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	i := 1
	for name := range f.ifaces {
		fmt.Fprintf(&b, "%d: %s: <BROADCAST> mtu 1350\n", i, name)
		i++
	}
	return b.String(), nil
}

func (f *fakeKernel) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeKernel) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = nil
}

func (f *fakeKernel) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ifaces[name]
}

// recordingModule logs routing callbacks in order.
type recordingModule struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingModule) record(s string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
	return "", true
}

func (r *recordingModule) Init(_ context.Context, _ store.Store, node string) (string, bool) {
	return r.record("init " + node)
}
func (r *recordingModule) LinkAdd(_ context.Context, _ store.Store, _, iface string) (string, bool) {
	return r.record("link_add " + iface)
}
func (r *recordingModule) LinkDel(_ context.Context, _ store.Store, _, iface string) (string, bool) {
	return r.record("link_del " + iface)
}

func (r *recordingModule) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func linkFixture(t *testing.T) (*linkManager, *fakeKernel, *recordingModule, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.PutJSON(ctx, s, store.NodeKey("sat2"), &model.NodeSpec{Eth0IP: "172.100.0.6"}))
	require.NoError(t, store.PutJSON(ctx, s, store.NodeKey("sat3"), &model.NodeSpec{Eth0IP: "172.100.0.7"}))

	kernel := newFakeKernel()
	mod := &recordingModule{}
	spec := &model.NodeSpec{Type: "satellite", NAntennas: 2, L3: model.L3Config{EnableNetem: true}}
	lm := newLinkManager(s, "sat1", spec, "172.100.0.5", kernel, mod, &journal{})
	return lm, kernel, mod, s
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func record(ep1 string, ant1 int, ep2 string, ant2 int, shaping ...string) *model.LinkRecord {
	rec := &model.LinkRecord{
		Endpoint1: ep1, Endpoint2: ep2,
		Endpoint1Antenna: ant1, Endpoint2Antenna: ant2,
		VNI: model.VNI(ep1, ant1, ep2, ant2),
	}
	if len(shaping) > 0 {
		rec.Rate = shaping[0]
	}
	if len(shaping) > 1 {
		rec.Delay = shaping[1]
	}
	return rec
}

func TestLinkCreate(t *testing.T) {
	lm, kernel, mod, _ := linkFixture(t)
	ctx := context.Background()

	rec := record("sat1", 2, "sat2", 1, "10mbit", "5ms")
	require.NoError(t, lm.handlePut(ctx, "vl_sat2_1", mustJSON(t, rec)))

	lines := kernel.lines()
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, fmt.Sprintf("ip link add vl_sat2_1 type vxlan id %d remote 172.100.0.6 local 172.100.0.5 dev eth0 dstport 4789", rec.VNI))
	assert.Contains(t, joined, "ip link set vl_sat2_1 mtu 1350")
	assert.Contains(t, joined, "ip link set vl_sat2_1 master br2", "attached to the local antenna bridge")
	assert.Contains(t, joined, "ip link set dev vl_sat2_1 up")
	assert.Contains(t, joined, "tc qdisc replace dev vl_sat2_1 root netem rate 10mbit delay 5ms")

	assert.Equal(t, []string{"link_add vl_sat2_1"}, mod.list(), "routing notified after the interface is up")
	assert.True(t, kernel.has("vl_sat2_1"))
}

func TestLinkRedeliveryIsNoop(t *testing.T) {
	lm, kernel, _, _ := linkFixture(t)
	ctx := context.Background()

	raw := mustJSON(t, record("sat1", 1, "sat2", 1, "10mbit"))
	require.NoError(t, lm.handlePut(ctx, "vl_sat2_1", raw))
	kernel.reset()

	require.NoError(t, lm.handlePut(ctx, "vl_sat2_1", raw))
	assert.Empty(t, kernel.lines(), "same revision re-delivered issues nothing")
}

func TestLinkShapingOnlyUpdate(t *testing.T) {
	lm, kernel, _, _ := linkFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.handlePut(ctx, "vl_sat2_1", mustJSON(t, record("sat1", 1, "sat2", 1, "10mbit"))))
	kernel.reset()

	require.NoError(t, lm.handlePut(ctx, "vl_sat2_1", mustJSON(t, record("sat1", 1, "sat2", 1, "20mbit"))))
	lines := kernel.lines()
	require.Len(t, lines, 1, "no VXLAN churn for a shaping change")
	assert.Contains(t, lines[0], "tc qdisc replace")
	assert.Contains(t, lines[0], "rate 20mbit")
}

func TestLinkStructuralChangeRecreates(t *testing.T) {
	lm, kernel, mod, _ := linkFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.handlePut(ctx, "vl_sat2_1", mustJSON(t, record("sat1", 1, "sat2", 1))))
	kernel.reset()

	// same iface name, different antenna pairing -> different vni
	changed := record("sat1", 2, "sat2", 1)
	require.NoError(t, lm.handlePut(ctx, "vl_sat2_1", mustJSON(t, changed)))

	joined := strings.Join(kernel.lines(), "\n")
	assert.Contains(t, joined, "ip link del vl_sat2_1")
	assert.Contains(t, joined, fmt.Sprintf("id %d", changed.VNI))
	assert.Contains(t, mod.list(), "link_del vl_sat2_1", "drained before recreate")
}

func TestLinkDeleteDrainsFirst(t *testing.T) {
	lm, kernel, mod, _ := linkFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.handlePut(ctx, "vl_sat2_1", mustJSON(t, record("sat1", 1, "sat2", 1))))
	require.NoError(t, lm.handleDelete(ctx, "vl_sat2_1"))

	calls := mod.list()
	assert.Equal(t, "link_del vl_sat2_1", calls[len(calls)-1])
	assert.False(t, kernel.has("vl_sat2_1"))

	// deleting again is a no-op
	kernel.reset()
	require.NoError(t, lm.handleDelete(ctx, "vl_sat2_1"))
	for _, line := range kernel.lines() {
		assert.NotContains(t, line, "link del")
	}
}

func TestLinkMissingPeerIP(t *testing.T) {
	lm, _, _, _ := linkFixture(t)
	ctx := context.Background()

	rec := record("sat1", 1, "sat9", 1)
	err := lm.handlePut(ctx, "vl_sat9_1", mustJSON(t, rec))
	require.Error(t, err, "peer not registered yet; retried on the next reconcile")
}

func TestLinkResyncConverges(t *testing.T) {
	lm, kernel, _, s := linkFixture(t)
	ctx := context.Background()

	// store says: link to sat3. kernel says: stale link to sat2.
	kernel.ifaces["vl_sat2_1"] = true
	rec := record("sat1", 1, "sat3", 1)
	require.NoError(t, store.PutJSON(ctx, s, store.LinkKey("sat1", "vl_sat3_1"), rec))

	require.NoError(t, lm.resync(ctx))

	assert.True(t, kernel.has("vl_sat3_1"), "missing interface created")
	assert.False(t, kernel.has("vl_sat2_1"), "orphan interface removed")
}

func TestLinkResyncIdempotent(t *testing.T) {
	lm, kernel, _, s := linkFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutJSON(ctx, s, store.LinkKey("sat1", "vl_sat2_1"), record("sat1", 1, "sat2", 1)))
	require.NoError(t, lm.resync(ctx))
	kernel.reset()

	require.NoError(t, lm.resync(ctx))
	for _, line := range kernel.lines() {
		assert.NotContains(t, line, "link add", "no kernel change on a clean resync")
		assert.NotContains(t, line, "link del")
	}
}

func TestParseLinkNames(t *testing.T) {
	out := "1: lo: <LOOPBACK>\n" +
		"2: eth0@if12: <BROADCAST>\n" +
		"3: vl_sat2_1: <BROADCAST>\n" +
		"4: vl_grd1_2@eth0: <BROADCAST>\n" +
		"5: br1: <BROADCAST>\n"
	assert.Equal(t, []string{"vl_sat2_1", "vl_grd1_2"}, parseLinkNames(out))
}
