package model

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVNIDeterministic(t *testing.T) {
	a := VNI("sat1", 1, "sat2", 1)
	b := VNI("sat2", 1, "sat1", 1)
	assert.Equal(t, a, b, "both endpoints must derive the same VNI")

	want := crc32.ChecksumIEEE([]byte("sat1_1_sat2_1"))%(1<<24-1) + 1
	assert.Equal(t, want, a)
}

func TestVNIRange(t *testing.T) {
	names := []string{"sat1", "sat2", "sat3", "grd1", "usr1", "a", "zzzzzzzz"}
	for _, n1 := range names {
		for _, n2 := range names {
			if n1 == n2 {
				continue
			}
			for ant := 1; ant <= 3; ant++ {
				v := VNI(n1, ant, n2, ant)
				assert.GreaterOrEqual(t, v, uint32(1))
				assert.LessOrEqual(t, v, uint32(1<<24-1))
			}
		}
	}
}

func TestVNIAntennaOrientation(t *testing.T) {
	// The antenna index travels with its endpoint when the tuple is
	// canonicalized: (sat2 ant 2, sat1 ant 1) equals (sat1 ant 1, sat2 ant 2).
	assert.Equal(t, VNI("sat1", 1, "sat2", 2), VNI("sat2", 2, "sat1", 1))
	assert.NotEqual(t, VNI("sat1", 1, "sat2", 2), VNI("sat1", 2, "sat2", 1))
}

func TestIfaceName(t *testing.T) {
	assert.Equal(t, "vl_sat2_1", IfaceName("sat2", 1))
	assert.Equal(t, "vl_grd1_3", IfaceName("grd1", 3))
}

func TestLinkPeer(t *testing.T) {
	l := &LinkRecord{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 2}

	peer, peerAnt, localAnt, ok := l.Peer("sat1")
	assert.True(t, ok)
	assert.Equal(t, "sat2", peer)
	assert.Equal(t, 2, peerAnt)
	assert.Equal(t, 1, localAnt)

	peer, peerAnt, localAnt, ok = l.Peer("sat2")
	assert.True(t, ok)
	assert.Equal(t, "sat1", peer)
	assert.Equal(t, 1, peerAnt)
	assert.Equal(t, 2, localAnt)

	_, _, _, ok = l.Peer("sat3")
	assert.False(t, ok)
}

func TestLinkIdentity(t *testing.T) {
	a := &LinkRecord{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 2}
	b := &LinkRecord{Endpoint1: "sat2", Endpoint2: "sat1", Endpoint1Antenna: 2, Endpoint2Antenna: 1}
	assert.Equal(t, a.Identity(), b.Identity())
}

func TestLinkChangeRecordDefaultsAntennas(t *testing.T) {
	c := &LinkChange{Endpoint1: "sat1", Endpoint2: "sat2"}
	r := c.Record()
	assert.Equal(t, 1, r.Endpoint1Antenna)
	assert.Equal(t, 1, r.Endpoint2Antenna)
	assert.Equal(t, VNI("sat1", 1, "sat2", 1), r.VNI)
}
