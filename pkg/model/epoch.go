package model

import (
	"fmt"
	"time"
)

// EpochTimeLayout is the only accepted timestamp format in epoch files.
const EpochTimeLayout = "2006-01-02T15:04:05Z"

// LinkChange is one entry of links-add / links-update / links-del. Antennas
// default to 1 when omitted.
type LinkChange struct {
	Endpoint1        string `json:"endpoint1"`
	Endpoint2        string `json:"endpoint2"`
	Endpoint1Antenna int    `json:"endpoint1_antenna,omitempty"`
	Endpoint2Antenna int    `json:"endpoint2_antenna,omitempty"`
	Rate             string `json:"rate,omitempty"`
	Loss             string `json:"loss,omitempty"`
	Delay            string `json:"delay,omitempty"`
	Limit            string `json:"limit,omitempty"`
}

// Antennas returns the two antenna indices with their defaults applied.
func (c *LinkChange) Antennas() (int, int) {
	a1, a2 := c.Endpoint1Antenna, c.Endpoint2Antenna
	if a1 <= 0 {
		a1 = 1
	}
	if a2 <= 0 {
		a2 = 1
	}
	return a1, a2
}

// Record expands the change into the half-link record shared by both
// endpoints, including the derived VNI.
func (c *LinkChange) Record() LinkRecord {
	a1, a2 := c.Antennas()
	return LinkRecord{
		Endpoint1:        c.Endpoint1,
		Endpoint2:        c.Endpoint2,
		Endpoint1Antenna: a1,
		Endpoint2Antenna: a2,
		Rate:             c.Rate,
		Loss:             c.Loss,
		Delay:            c.Delay,
		Limit:            c.Limit,
		VNI:              VNI(c.Endpoint1, a1, c.Endpoint2, a2),
	}
}

// EpochFile is one scheduled batch of topology and task changes.
type EpochFile struct {
	Time        string              `json:"time"`
	LinksAdd    []LinkChange        `json:"links-add,omitempty"`
	LinksUpdate []LinkChange        `json:"links-update,omitempty"`
	LinksDel    []LinkChange        `json:"links-del,omitempty"`
	Run         map[string][]string `json:"run,omitempty"`
}

// Timestamp parses the file's ISO-8601 time.
func (e *EpochFile) Timestamp() (time.Time, error) {
	t, err := time.Parse(EpochTimeLayout, e.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: expected %s", e.Time, EpochTimeLayout)
	}
	return t, nil
}
