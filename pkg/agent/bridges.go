package agent

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"

	"netsatbench/pkg/model"
)

// prepareBridges creates br1..brN, one per antenna, and assigns overlay host
// addresses from the node's /30 (and /126) while enough remain. The first
// v4 host becomes the node's published primary address.
func prepareBridges(ctx context.Context, run Runner, spec *model.NodeSpec) (primary string, err error) {
	n := spec.Antennas()

	var hosts4 []netip.Addr
	if spec.L3.CIDR != "" {
		hosts4, err = hostAddrs(spec.L3.CIDR)
		if err != nil {
			return "", fmt.Errorf("overlay cidr: %w", err)
		}
		// the address after the per-antenna block is reserved for routing
		// loopbacks, so a pool smaller than n+1 assigns nothing
		if len(hosts4) < n+1 {
			log.Printf("overlay %s too small for %d antennas, bridges stay unnumbered", spec.L3.CIDR, n)
			hosts4 = nil
		}
	}
	var hosts6 []netip.Addr
	if spec.L3.CIDRv6 != "" {
		hosts6, err = hostAddrs(spec.L3.CIDRv6)
		if err != nil {
			return "", fmt.Errorf("overlay cidr-v6: %w", err)
		}
		if len(hosts6) < n+1 {
			hosts6 = nil
		}
	}

	for i := 1; i <= n; i++ {
		br := bridgeName(i)
		if err := run.Run(ctx, Cmd{Tool: "ip", Args: []string{"link", "add", br, "type", "bridge"}}); err != nil {
			// already existing bridges are fine on restart
			log.Printf("bridge %s: %v", br, err)
		}
		if err := run.Run(ctx, Cmd{Tool: "ip", Args: []string{"link", "set", br, "up"}}); err != nil {
			return "", err
		}
		if len(hosts4) >= i {
			addr := hosts4[i-1].String() + "/32"
			if err := run.Run(ctx, Cmd{Tool: "ip", Args: []string{"addr", "add", addr, "dev", br}}); err != nil {
				log.Printf("addr %s on %s: %v", addr, br, err)
			}
		}
		if len(hosts6) >= i {
			addr := hosts6[i-1].String() + "/128"
			if err := run.Run(ctx, Cmd{Tool: "ip", Args: []string{"addr", "add", addr, "dev", br}}); err != nil {
				log.Printf("addr %s on %s: %v", addr, br, err)
			}
		}
	}

	if len(hosts4) > 0 {
		return hosts4[0].String(), nil
	}
	return "", nil
}

// hostAddrs returns the usable host addresses of a prefix in order. For v4
// the network and broadcast addresses are excluded; v6 point-to-point
// prefixes use every address.
func hostAddrs(cidr string) ([]netip.Addr, error) {
	pfx, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, err
	}
	pfx = pfx.Masked()
	var out []netip.Addr
	addr := pfx.Addr()
	for pfx.Contains(addr) {
		out = append(out, addr)
		addr = addr.Next()
	}
	if pfx.Addr().Is4() && len(out) > 2 {
		out = out[1 : len(out)-1]
	} else if pfx.Addr().Is4() {
		return nil, nil
	}
	return out, nil
}

// discoverEth0 finds the container's IPv4 address on eth0.
func discoverEth0() (string, error) {
	ifi, err := net.InterfaceByName("eth0")
	if err != nil {
		return "", fmt.Errorf("eth0: %w", err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", fmt.Errorf("eth0 addrs: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4[3] == 0 {
			continue
		}
		return ip4.String(), nil
	}
	return "", fmt.Errorf("no usable IPv4 on eth0")
}
