package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"netsatbench/pkg/model"
)

func TestPrintStatus(t *testing.T) {
	workers := map[string]*model.WorkerSpec{
		"host-1": {IP: "10.0.1.10", CPU: "2", Mem: "2GiB"},
	}
	nodes := map[string]*model.NodeSpec{
		"sat1": {Type: "satellite", Worker: "host-1", Eth0IP: "172.100.0.5",
			L3: model.L3Config{CIDR: "192.168.0.0/30"}},
		"grd1": {Type: "gateway", Worker: "host-1"},
	}

	var b strings.Builder
	printStatus(&b, workers, nodes, 3)
	out := b.String()

	assert.Contains(t, out, "host-1")
	assert.Contains(t, out, "sat1")
	assert.Contains(t, out, "192.168.0.0/30")
	assert.Contains(t, out, "2 nodes, 3 links")
	// unset fields render as dashes, not blanks
	assert.Contains(t, out, "grd1")
	lines := strings.Split(out, "\n")
	for _, l := range lines {
		if strings.HasPrefix(l, "grd1") {
			assert.Contains(t, l, "-")
		}
	}
}
