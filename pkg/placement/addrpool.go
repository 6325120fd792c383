package placement

import (
	"fmt"
	"math/big"
	"net/netip"

	"netsatbench/pkg/model"
)

// pool hands out consecutive fixed-size subnets of a super-cidr. Subnets
// reserved for explicit per-node overrides are skipped by the cursor.
type pool struct {
	super netip.Prefix
	plen  int
	next  int
	used  map[netip.Prefix]bool
}

func newPool(cidr string, plen int) (*pool, error) {
	super, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: super-cidr %q: %v", model.ErrValidation, cidr, err)
	}
	super = super.Masked()
	if plen < super.Bits() {
		return nil, fmt.Errorf("%w: super-cidr %s narrower than /%d", model.ErrValidation, super, plen)
	}
	return &pool{super: super, plen: plen, used: map[netip.Prefix]bool{}}, nil
}

// size is the number of /plen subnets the super-cidr holds.
func (p *pool) size() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(p.plen-p.super.Bits()))
}

// subnetAt returns the idx-th /plen subnet of the super-cidr.
func (p *pool) subnetAt(idx int) (netip.Prefix, bool) {
	if big.NewInt(int64(idx)).Cmp(p.size()) >= 0 {
		return netip.Prefix{}, false
	}
	base := p.super.Addr()
	bits := 32
	if base.Is6() && !base.Is4In6() {
		bits = 128
	}
	n := new(big.Int).SetBytes(base.AsSlice())
	off := new(big.Int).Lsh(big.NewInt(int64(idx)), uint(bits-p.plen))
	n.Add(n, off)
	buf := n.FillBytes(make([]byte, len(base.AsSlice())))
	addr, ok := netip.AddrFromSlice(buf)
	if !ok {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(addr, p.plen), true
}

// reserve marks a subnet consumed, typically an explicit cidr override that
// falls inside this super-cidr.
func (p *pool) reserve(pfx netip.Prefix) {
	p.used[pfx.Masked()] = true
}

func (p *pool) contains(pfx netip.Prefix) bool {
	return p.super.Contains(pfx.Addr())
}

// alloc returns the next unreserved subnet.
func (p *pool) alloc() (netip.Prefix, error) {
	for {
		pfx, ok := p.subnetAt(p.next)
		if !ok {
			return netip.Prefix{}, fmt.Errorf("%w: %s has no free /%d left", model.ErrAddressPoolExhausted, p.super, p.plen)
		}
		p.next++
		if !p.used[pfx] {
			return pfx, nil
		}
	}
}

func prefixesOverlap(a, b netip.Prefix) bool {
	return a.Contains(b.Addr()) || b.Contains(a.Addr())
}
