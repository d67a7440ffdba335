// Package forwarding implements Haggle's Forwarding Manager (spec §4.6):
// the single active forwarder module (PRoPHET by default, a no-op stub
// for testing), its neighbour/routing-information bookkeeping, and the
// node- and data-object-query reactions that decide who a data object
// should be pushed or delegated to next.
package forwarding

import (
	"time"

	"github.com/haggle-project/haggled/internal/metadata"
	"github.com/haggle-project/haggled/internal/prophet"
)

// Target is a candidate node a neighbour was found to be a good delegate
// forwarder for, forwarder-agnostic so the manager never depends on
// internal/prophet directly.
type Target struct {
	NodeIDStr string
}

// RepositoryEntry is one (key, value) pair a Forwarder persists across
// restarts, namespaced under the forwarder's own Name() as the
// repository authority (spec §4.6 "Forwarder state is persisted as
// repository entries (authority=module_name)").
type RepositoryEntry struct {
	Key   string
	Value string
}

// Forwarder is the pluggable routing strategy the Forwarding Manager
// drives. PRoPHET is the default (ProphetForwarder); a Noop
// implementation exists for tests and for configurations that disable
// forwarding intelligence (spec §4.6 "a no-op forwarder module for
// testing").
type Forwarder interface {
	// Name identifies the module, used both as the repository authority
	// and as the outgoing routing-information object's "Forwarding"
	// attribute value.
	Name() string

	NewNeighbour(nodeIDStr string, now time.Time)
	EndNeighbour(nodeIDStr string, now time.Time)

	// ReceiveRoutingInformation absorbs a neighbour's advertised routing
	// metadata, read from a data object matching "Forwarding=<Name()>".
	ReceiveRoutingInformation(fromNodeIDStr string, m *metadata.Metadata, now time.Time) error

	// BuildRoutingInformation renders this node's own routing state as
	// the metadata subtree advertised to neighbours, plus the time it
	// was last changed (used to stamp the carrying object's create time
	// so recipients can discard stale updates).
	BuildRoutingInformation(thisNodeIDStr string, now time.Time) (*metadata.Metadata, time.Time)

	// TargetsFor returns the nodes neighbourIDStr's advertised routing
	// information shows it has a better chance of delivering to than the
	// local node does.
	TargetsFor(neighbourIDStr string, now time.Time) []Target

	// IsGoodDelegate reports whether delegateIDStr is a better next hop
	// for targetIDStr than the local node.
	IsGoodDelegate(delegateIDStr, targetIDStr string, now time.Time) bool

	SaveState(now time.Time) []RepositoryEntry
	LoadState(entries []RepositoryEntry)
}

// ProphetForwarder adapts internal/prophet.Engine (spec §4.8) to the
// forwarder-agnostic Forwarder interface the manager drives.
type ProphetForwarder struct {
	engine *prophet.Engine
}

// NewProphetForwarder creates the spec §6 default forwarder.
func NewProphetForwarder(strategy prophet.Strategy) *ProphetForwarder {
	return &ProphetForwarder{engine: prophet.New(strategy)}
}

func (p *ProphetForwarder) Name() string { return prophet.MetadataName }

func (p *ProphetForwarder) NewNeighbour(nodeIDStr string, now time.Time) {
	p.engine.NewNeighbor(nodeIDStr, now)
}

func (p *ProphetForwarder) EndNeighbour(nodeIDStr string, now time.Time) {
	p.engine.EndNeighbor(nodeIDStr, now)
}

func (p *ProphetForwarder) ReceiveRoutingInformation(fromNodeIDStr string, m *metadata.Metadata, now time.Time) error {
	return p.engine.ReceiveRoutingInformation(fromNodeIDStr, m, now)
}

func (p *ProphetForwarder) BuildRoutingInformation(thisNodeIDStr string, now time.Time) (*metadata.Metadata, time.Time) {
	m := p.engine.BuildRoutingInformation(thisNodeIDStr, now)
	return m, p.engine.LastChanged()
}

func (p *ProphetForwarder) TargetsFor(neighbourIDStr string, now time.Time) []Target {
	ts := p.engine.TargetsFor(neighbourIDStr, now)
	out := make([]Target, len(ts))
	for i, t := range ts {
		out[i] = Target{NodeIDStr: t.NodeIDStr}
	}
	return out
}

func (p *ProphetForwarder) IsGoodDelegate(delegateIDStr, targetIDStr string, now time.Time) bool {
	return p.engine.IsGoodDelegate(delegateIDStr, targetIDStr, now)
}

func (p *ProphetForwarder) SaveState(now time.Time) []RepositoryEntry {
	entries := p.engine.SaveState(now)
	out := make([]RepositoryEntry, len(entries))
	for i, e := range entries {
		out[i] = RepositoryEntry{Key: e.Key, Value: e.Value}
	}
	return out
}

func (p *ProphetForwarder) LoadState(entries []RepositoryEntry) {
	in := make([]prophet.RepositoryEntry, len(entries))
	for i, e := range entries {
		in[i] = prophet.RepositoryEntry{Key: e.Key, Value: e.Value}
	}
	p.engine.LoadState(in)
}

// NoopForwarder never offers delegates or routing information; it exists
// for test configurations that want the manager's mechanics exercised
// without PRoPHET's probability model (spec §4.6).
type NoopForwarder struct{}

func (NoopForwarder) Name() string                   { return "Noop" }
func (NoopForwarder) NewNeighbour(string, time.Time) {}
func (NoopForwarder) EndNeighbour(string, time.Time) {}
func (NoopForwarder) ReceiveRoutingInformation(string, *metadata.Metadata, time.Time) error {
	return nil
}
func (NoopForwarder) BuildRoutingInformation(string, time.Time) (*metadata.Metadata, time.Time) {
	return nil, time.Time{}
}
func (NoopForwarder) TargetsFor(string, time.Time) []Target         { return nil }
func (NoopForwarder) IsGoodDelegate(string, string, time.Time) bool { return false }
func (NoopForwarder) SaveState(time.Time) []RepositoryEntry         { return nil }
func (NoopForwarder) LoadState([]RepositoryEntry)                   {}
