// Package routing hosts the pluggable per-node routing callbacks. Modules
// are compiled in and selected by name; external plug-ins run as child
// processes speaking JSON over stdin/stdout.
package routing

import (
	"context"
	"fmt"
	"strings"

	"netsatbench/pkg/store"
)

// Module receives link lifecycle callbacks from the agent. Implementations
// must be idempotent and must not panic; failure is reported through ok, and
// the agent only logs it.
type Module interface {
	// Init runs once per agent lifetime, before the first link event.
	Init(ctx context.Context, s store.Store, node string) (string, bool)
	// LinkAdd runs after the VXLAN interface is up and attached.
	LinkAdd(ctx context.Context, s store.Store, node, iface string) (string, bool)
	// LinkDel runs before physical teardown so traffic can drain.
	LinkDel(ctx context.Context, s store.Store, node, iface string) (string, bool)
}

// execPrefix selects the external-process module: "exec:/path/to/plugin".
const execPrefix = "exec:"

// New resolves a module by its configured name. Empty and "none" mean no
// routing.
func New(name string) (Module, error) {
	switch {
	case name == "" || name == "none":
		return noop{}, nil
	case name == "isis":
		return NewISIS(), nil
	case strings.HasPrefix(name, execPrefix):
		return &External{Path: strings.TrimPrefix(name, execPrefix)}, nil
	}
	return nil, fmt.Errorf("unknown routing module %q", name)
}

type noop struct{}

func (noop) Init(context.Context, store.Store, string) (string, bool) { return "routing disabled", true }
func (noop) LinkAdd(context.Context, store.Store, string, string) (string, bool) {
	return "", true
}
func (noop) LinkDel(context.Context, store.Store, string, string) (string, bool) {
	return "", true
}
