package model

import (
	"fmt"
	"hash/crc32"
)

// LinkRecord describes one half-link from the perspective of the node whose
// /config/links/{node}/ prefix it lives under. Both halves of a link carry
// identical content.
type LinkRecord struct {
	Endpoint1        string `json:"endpoint1"`
	Endpoint2        string `json:"endpoint2"`
	Endpoint1Antenna int    `json:"endpoint1_antenna"`
	Endpoint2Antenna int    `json:"endpoint2_antenna"`
	Rate             string `json:"rate,omitempty"`
	Loss             string `json:"loss,omitempty"`
	Delay            string `json:"delay,omitempty"`
	Limit            string `json:"limit,omitempty"`
	VNI              uint32 `json:"vni"`
}

// VNI derives the 24-bit VXLAN identifier from the ordered endpoint tuple.
// Both agents compute it independently and must agree, so the tuple is
// canonicalized by endpoint name first.
func VNI(ep1 string, ant1 int, ep2 string, ant2 int) uint32 {
	var s string
	if ep1 < ep2 {
		s = fmt.Sprintf("%s_%d_%s_%d", ep1, ant1, ep2, ant2)
	} else {
		s = fmt.Sprintf("%s_%d_%s_%d", ep2, ant2, ep1, ant1)
	}
	return crc32.ChecksumIEEE([]byte(s))%(1<<24-1) + 1
}

// IfaceName builds the local VXLAN interface name pointing at a peer antenna.
func IfaceName(peer string, peerAntenna int) string {
	return fmt.Sprintf("vl_%s_%d", peer, peerAntenna)
}

// Peer returns the counterparty of node on this link, with its antenna, and
// the local antenna. ok is false when node is not an endpoint.
func (l *LinkRecord) Peer(node string) (peer string, peerAntenna, localAntenna int, ok bool) {
	switch node {
	case l.Endpoint1:
		return l.Endpoint2, l.Endpoint2Antenna, l.Endpoint1Antenna, true
	case l.Endpoint2:
		return l.Endpoint1, l.Endpoint1Antenna, l.Endpoint2Antenna, true
	}
	return "", 0, 0, false
}

// Identity is the logical link identity shared by both halves.
func (l *LinkRecord) Identity() string {
	if l.Endpoint1 < l.Endpoint2 {
		return fmt.Sprintf("%s_%d_%s_%d", l.Endpoint1, l.Endpoint1Antenna, l.Endpoint2, l.Endpoint2Antenna)
	}
	return fmt.Sprintf("%s_%d_%s_%d", l.Endpoint2, l.Endpoint2Antenna, l.Endpoint1, l.Endpoint1Antenna)
}

// SameDevice reports whether two records describe the same VXLAN device, so
// a differing record needs delete-then-create rather than a shaping update.
func (l *LinkRecord) SameDevice(o *LinkRecord) bool {
	return l.Endpoint1 == o.Endpoint1 && l.Endpoint2 == o.Endpoint2 &&
		l.Endpoint1Antenna == o.Endpoint1Antenna && l.Endpoint2Antenna == o.Endpoint2Antenna &&
		l.VNI == o.VNI
}

// SameShaping reports whether the tc parameters match.
func (l *LinkRecord) SameShaping(o *LinkRecord) bool {
	return l.Rate == o.Rate && l.Loss == o.Loss && l.Delay == o.Delay && l.Limit == o.Limit
}
