package routing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

func TestNewRegistry(t *testing.T) {
	m, err := New("")
	require.NoError(t, err)
	_, ok := m.Init(context.Background(), store.NewMemory(), "sat1")
	assert.True(t, ok)

	m, err = New("none")
	require.NoError(t, err)
	assert.NotNil(t, m)

	m, err = New("isis")
	require.NoError(t, err)
	assert.IsType(t, &ISIS{}, m)

	m, err = New("exec:/opt/plugins/ospf")
	require.NoError(t, err)
	assert.Equal(t, "/opt/plugins/ospf", m.(*External).Path)

	_, err = New("babel")
	assert.Error(t, err)
}

func TestISISInitRendersConf(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, store.PutJSON(ctx, s, store.NodeKey("sat1"), &model.NodeSpec{
		Type: "satellite",
		L3:   model.L3Config{CIDR: "192.168.0.0/30"},
	}))

	dir := t.TempDir()
	var calls [][]string
	m := &ISIS{
		ConfPath: filepath.Join(dir, "frr.conf"),
		Exec: func(_ context.Context, tool string, args ...string) error {
			calls = append(calls, append([]string{tool}, args...))
			return nil
		},
	}

	msg, ok := m.Init(ctx, s, "sat1")
	require.True(t, ok, msg)

	conf, err := os.ReadFile(m.ConfPath)
	require.NoError(t, err)
	assert.Contains(t, string(conf), "hostname sat1")
	assert.Contains(t, string(conf), "ip address 192.168.0.1/32", "loopback is the first host of the /30")
	assert.Contains(t, string(conf), "router isis CORE")

	require.Len(t, calls, 1)
	assert.Equal(t, []string{"service", "frr", "restart"}, calls[0])
}

func TestISISInitDeterministicSysID(t *testing.T) {
	assert.Equal(t, deriveSysID("sat1"), deriveSysID("sat1"))
	assert.NotEqual(t, deriveSysID("sat1"), deriveSysID("sat2"))
	assert.Len(t, deriveSysID("sat1"), 8)
}

func TestISISLinkCallbacks(t *testing.T) {
	var calls [][]string
	m := &ISIS{
		ConfPath: filepath.Join(t.TempDir(), "frr.conf"),
		Exec: func(_ context.Context, tool string, args ...string) error {
			calls = append(calls, append([]string{tool}, args...))
			return nil
		},
	}

	_, ok := m.LinkAdd(context.Background(), nil, "sat1", "vl_sat2_1")
	assert.True(t, ok)
	_, ok = m.LinkDel(context.Background(), nil, "sat1", "vl_sat2_1")
	assert.True(t, ok)

	require.Len(t, calls, 2)
	assert.Equal(t, "vtysh", calls[0][0])
	assert.Contains(t, strings.Join(calls[0], " "), "interface vl_sat2_1")
	assert.Contains(t, strings.Join(calls[1], " "), "no ip router isis")
}

func TestExternalModule(t *testing.T) {
	dir := t.TempDir()
	plugin := filepath.Join(dir, "plugin.sh")
	script := `#!/bin/sh
read req
echo '{"message": "handled", "ok": true}'
`
	require.NoError(t, os.WriteFile(plugin, []byte(script), 0o755))

	m := &External{Path: plugin}
	msg, ok := m.Init(context.Background(), nil, "sat1")
	assert.True(t, ok)
	assert.Equal(t, "handled", msg)
}

func TestExternalModuleMissingBinary(t *testing.T) {
	m := &External{Path: "/nonexistent/plugin"}
	_, ok := m.Init(context.Background(), nil, "sat1")
	assert.False(t, ok, "failure is reported via ok, never panics")
}
