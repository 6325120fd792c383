package routing

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"

	"netsatbench/pkg/model"
	"netsatbench/pkg/store"
)

// ISIS drives FRRouting's IS-IS daemon: a rendered frr.conf at startup, then
// vtysh per link event to enroll or retire interfaces.
type ISIS struct {
	ConfPath string
	// Exec is swappable for tests; defaults to running the real binary.
	Exec func(ctx context.Context, tool string, args ...string) error
}

func NewISIS() *ISIS {
	return &ISIS{
		ConfPath: "/etc/frr/frr.conf",
		Exec: func(ctx context.Context, tool string, args ...string) error {
			out, err := exec.CommandContext(ctx, tool, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s: %v output=%s", tool, err, strings.TrimSpace(string(out)))
			}
			return nil
		},
	}
}

const isisArea = "49.0001"
const isisName = "CORE"

func (m *ISIS) Init(ctx context.Context, s store.Store, node string) (string, bool) {
	var spec model.NodeSpec
	ok, err := store.GetJSON(ctx, s, store.NodeKey(node), &spec)
	if err != nil || !ok {
		return fmt.Sprintf("loading node spec: %v", err), false
	}

	loopback := "127.0.0.1/32"
	if spec.L3.CIDR != "" {
		if pfx, err := netip.ParsePrefix(spec.L3.CIDR); err == nil {
			loopback = pfx.Addr().Next().String() + "/32"
		}
	}

	sysID := deriveSysID(node)
	conf := renderFRRConf(node, loopback, sysID)
	if err := os.WriteFile(m.ConfPath, []byte(conf), 0o644); err != nil {
		return fmt.Sprintf("writing %s: %v", m.ConfPath, err), false
	}
	if err := m.Exec(ctx, "service", "frr", "restart"); err != nil {
		return fmt.Sprintf("restarting frr: %v", err), false
	}
	return fmt.Sprintf("is-is configured (sys-id %s)", sysID), true
}

func (m *ISIS) LinkAdd(ctx context.Context, _ store.Store, _, iface string) (string, bool) {
	err := m.Exec(ctx, "vtysh",
		"-c", "conf t",
		"-c", "interface "+iface,
		"-c", "ip router isis "+isisName,
		"-c", "isis network point-to-point",
	)
	if err != nil {
		return fmt.Sprintf("enrolling %s: %v", iface, err), false
	}
	return fmt.Sprintf("%s enrolled in is-is", iface), true
}

func (m *ISIS) LinkDel(ctx context.Context, _ store.Store, _, iface string) (string, bool) {
	err := m.Exec(ctx, "vtysh",
		"-c", "conf t",
		"-c", "interface "+iface,
		"-c", "no ip router isis "+isisName,
	)
	if err != nil {
		return fmt.Sprintf("retiring %s: %v", iface, err), false
	}
	return fmt.Sprintf("%s retired from is-is", iface), true
}

// deriveSysID hashes the node name into a stable 8-digit IS-IS system id.
func deriveSysID(node string) string {
	digest := sha256.Sum256([]byte(node))
	n := binary.BigEndian.Uint32(digest[:4])
	return fmt.Sprintf("%08d", n%100000000)
}

func renderFRRConf(node, loopback, sysID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "hostname %s\n", node)
	b.WriteString("!\n")
	b.WriteString("interface lo\n")
	fmt.Fprintf(&b, " ip address %s\n", loopback)
	fmt.Fprintf(&b, " ip router isis %s\n", isisName)
	b.WriteString("!\n")
	fmt.Fprintf(&b, "router isis %s\n", isisName)
	fmt.Fprintf(&b, " net %s.%s.%s.00\n", isisArea, sysID[:4], sysID[4:])
	b.WriteString(" is-type level-2-only\n")
	b.WriteString(" metric-style wide\n")
	b.WriteString("!\n")
	return b.String()
}
