// Package prophet implements the PRoPHET delivery-predictability
// forwarding strategy (spec §4.8): a per-node routing information base of
// (node, probability) pairs aged over time, updated on encounter and by
// transitivity, and consulted through a pluggable forwarding strategy
// (GRTR, GTMX) to decide whether a neighbour is a better delegate for a
// data object than the local node itself.
package prophet

import (
	"math"
	"time"
)

// Constants per the PRoPHET draft v4, as used by the original forwarder.
const (
	// PEncounter is the metric increase applied when a node is directly
	// encountered as a neighbour.
	PEncounter = 0.75
	// Beta scales the transitive update contributed by a neighbour's own
	// routing table.
	Beta = 0.25
	// Gamma is the aging decay factor applied once per AgingTimeUnit of
	// elapsed time.
	Gamma = 0.999
	// AgingTimeUnit is the granularity, in whole units, over which Gamma
	// is applied (spec: 10-minute aging tick).
	AgingTimeUnit = 10 * time.Minute
	// zeroThreshold below which an aged metric is snapped to exactly 0,
	// matching the original implementation's float cleanup.
	zeroThreshold = 0.000001
)

// Metric is a delivery predictability value together with the time it
// was last touched, so Age can compute how many aging ticks have elapsed
// since.
type Metric struct {
	Value     float64
	UpdatedAt time.Time
}

// Age applies the PRoPHET aging formula P = P * gamma^K, where K is the
// number of whole AgingTimeUnit periods elapsed since UpdatedAt. A fresh
// (zero-time) metric is stamped with now and left untouched, matching the
// original "don't age a metric that was never set" behaviour.
func (m *Metric) Age(now time.Time) {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
		return
	}
	k := int(now.Sub(m.UpdatedAt) / AgingTimeUnit)
	if k <= 0 {
		return
	}
	m.Value *= math.Pow(Gamma, float64(k))
	if m.Value < zeroThreshold {
		m.Value = 0
	}
	m.UpdatedAt = now
}

// Encounter applies the direct-encounter update:
//
//	P_ab = P_ab + (1 - P_ab) * P_encounter
func (m *Metric) Encounter(now time.Time) {
	m.Value = m.Value + (1-m.Value)*PEncounter
	m.UpdatedAt = now
}

// EndEncounter applies the out-of-draft "neighbour just disappeared" decay
// of one aging tick (gamma^1), used when a neighbour goes out of range.
func (m *Metric) EndEncounter(now time.Time) {
	m.Value *= Gamma
	if m.Value < zeroThreshold {
		m.Value = 0
	}
	m.UpdatedAt = now
}

// Transitive applies the transitivity update given the path A->B->C:
//
//	P_ac = P_ac + (1 - P_ac) * P_ab * P_bc * beta
func (m *Metric) Transitive(pAB, pBC float64) {
	m.Value = m.Value + (1-m.Value)*pAB*pBC*Beta
}
