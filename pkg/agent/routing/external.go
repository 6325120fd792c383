package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"netsatbench/pkg/store"
)

// External runs a plug-in binary per callback. The request goes to stdin as
// one JSON object, the reply comes back on stdout. The child never gets a
// store handle; anything it needs it reads through its own client.
type External struct {
	Path    string
	Timeout time.Duration
}

type pluginRequest struct {
	Op    string `json:"op"` // init, link_add, link_del
	Node  string `json:"node"`
	Iface string `json:"iface,omitempty"`
}

type pluginReply struct {
	Message string `json:"message"`
	OK      bool   `json:"ok"`
}

func (e *External) Init(ctx context.Context, _ store.Store, node string) (string, bool) {
	return e.call(ctx, pluginRequest{Op: "init", Node: node})
}

func (e *External) LinkAdd(ctx context.Context, _ store.Store, node, iface string) (string, bool) {
	return e.call(ctx, pluginRequest{Op: "link_add", Node: node, Iface: iface})
}

func (e *External) LinkDel(ctx context.Context, _ store.Store, node, iface string) (string, bool) {
	return e.call(ctx, pluginRequest{Op: "link_del", Node: node, Iface: iface})
}

func (e *External) call(ctx context.Context, req pluginRequest) (string, bool) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in, _ := json.Marshal(req)
	cmd := exec.CommandContext(ctx, e.Path)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Sprintf("plugin %s %s: %v stderr=%s", e.Path, req.Op, err, stderr.String()), false
	}
	var reply pluginReply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return fmt.Sprintf("plugin %s %s: bad reply: %v", e.Path, req.Op, err), false
	}
	return reply.Message, reply.OK
}
