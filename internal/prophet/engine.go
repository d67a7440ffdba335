package prophet

import (
	"fmt"
	"strconv"
	"time"

	"github.com/haggle-project/haggled/internal/metadata"
)

// MetadataName is the top-level metadata node name routing information is
// carried under, both when read from a received data object and when
// written into one this node sends (spec §4.8).
const MetadataName = "Prophet"

// Engine owns the local node's routing information base (RIB) — its
// private delivery-predictability metric to every node it has ever heard
// of or encountered — plus the most recent public RIB advertised by each
// current neighbour, used to evaluate transitive and delegate forwarding
// decisions.
//
// Engine is not safe for concurrent use; callers serialise access through
// the kernel thread, matching every other manager in the module.
type Engine struct {
	ids *interner

	rib         map[nodeID]*Metric
	neighborRIB map[nodeID]map[nodeID]*Metric

	strategy Strategy

	lastChanged time.Time
}

// New creates an engine with an empty RIB, using strategy for delegate
// selection (spec §6 `-b`/config "Forwarding.Strategy": GRTR or GTMX).
func New(strategy Strategy) *Engine {
	if strategy == nil {
		strategy = GRTR{}
	}
	return &Engine{
		ids:         newInterner(),
		rib:         make(map[nodeID]*Metric),
		neighborRIB: make(map[nodeID]map[nodeID]*Metric),
		strategy:    strategy,
	}
}

func (e *Engine) metricFor(id nodeID) *Metric {
	m, ok := e.rib[id]
	if !ok {
		m = &Metric{}
		e.rib[id] = m
	}
	return m
}

// NewNeighbor applies the direct-encounter update for a node that just
// came within range (spec §4.8, ForwarderProphet::_newNeighbor).
func (e *Engine) NewNeighbor(nodeIDStr string, now time.Time) {
	id := e.ids.intern(nodeIDStr)
	e.metricFor(id).Encounter(now)
	e.lastChanged = now
}

// EndNeighbor applies the out-of-range decay for a node that just left
// range (ForwarderProphet::_endNeighbor).
func (e *Engine) EndNeighbor(nodeIDStr string, now time.Time) {
	id := e.ids.intern(nodeIDStr)
	e.metricFor(id).EndEncounter(now)
	e.lastChanged = now
}

// AgeAll ages every metric in the local RIB in place, for use by a
// periodic kernel timer (spec §5 "PRoPHET aging tick 10 min").
func (e *Engine) AgeAll(now time.Time) {
	for _, m := range e.rib {
		m.Age(now)
	}
}

// Predictability returns the current, freshly-aged delivery
// predictability this node has towards the given node.
func (e *Engine) Predictability(nodeIDStr string, now time.Time) float64 {
	id := e.ids.intern(nodeIDStr)
	m := e.metricFor(id)
	m.Age(now)
	return m.Value
}

// ReceiveRoutingInformation absorbs a neighbour's advertised RIB and
// applies the transitivity update for every node mentioned in it
// (ForwarderProphet::newRoutingInformation). fromNodeIDStr is the
// neighbour that sent the metadata.
func (e *Engine) ReceiveRoutingInformation(fromNodeIDStr string, m *metadata.Metadata, now time.Time) error {
	if m == nil || m.Name != MetadataName {
		return fmt.Errorf("prophet: expected %q metadata node, got %v", MetadataName, m)
	}

	fromID := e.ids.intern(fromNodeIDStr)
	neighborRIB := e.neighborRIBFor(fromID)

	entry := m.GetMetadata("Metric")
	for entry != nil {
		cID := e.ids.intern(entry.GetParameter("node_id"))
		pBC, err := strconv.ParseFloat(entry.Content, 64)
		if err != nil {
			return fmt.Errorf("prophet: invalid metric content %q: %w", entry.Content, err)
		}
		neighborRIB[cID] = &Metric{Value: pBC, UpdatedAt: now}

		if cID != thisNodeID {
			pAB := e.metricFor(fromID)
			pAB.Age(now)
			pAC := e.metricFor(cID)
			pAC.Age(now)
			pAC.Transitive(pAB.Value, pBC)
			e.lastChanged = now
		}

		entry = m.GetNextMetadata()
	}
	return nil
}

func (e *Engine) neighborRIBFor(id nodeID) map[nodeID]*Metric {
	rib, ok := e.neighborRIB[id]
	if !ok {
		rib = make(map[nodeID]*Metric)
		e.neighborRIB[id] = rib
	}
	return rib
}

// BuildRoutingInformation renders the local RIB as the metadata subtree
// this node advertises to neighbours (ForwarderProphet::addRoutingInformation).
// thisNodeIDStr identifies the local node in the "node_id" parameter.
func (e *Engine) BuildRoutingInformation(thisNodeIDStr string, now time.Time) *metadata.Metadata {
	root := metadata.New(MetadataName, "")
	root.SetParameter("node_id", thisNodeIDStr)

	for id, m := range e.rib {
		if m.Value == 0 {
			continue
		}
		m.Age(now)
		if m.Value == 0 {
			continue
		}
		entry := root.AddMetadata("Metric", strconv.FormatFloat(m.Value, 'f', 6, 64))
		entry.SetParameter("node_id", e.ids.name(id))
	}
	return root
}

// Target is a candidate node a neighbour was found to be a good delegate
// forwarder for.
type Target struct {
	NodeIDStr string
}

// TargetsFor returns the nodes that neighbourIDStr's advertised RIB shows
// it has a better chance of delivering to than the local node does
// (ForwarderProphet::_generateTargetsFor), using the engine's configured
// strategy.
func (e *Engine) TargetsFor(neighbourIDStr string, now time.Time) []Target {
	neighbourID := e.ids.intern(neighbourIDStr)
	neighborRIB := e.neighborRIBFor(neighbourID)

	var targets []Target
	for id, pBD := range neighborRIB {
		if id == thisNodeID || id == neighbourID {
			continue
		}
		pAD := e.metricFor(id)
		pAD.Age(now)
		if e.strategy.Prefer(pAD.Value, pBD.Value) {
			targets = append(targets, Target{NodeIDStr: e.ids.name(id)})
		}
	}
	return targets
}

// IsGoodDelegate reports whether delegateIDStr has a better chance of
// delivering to targetIDStr than the local node does, consulting
// delegateIDStr's most recently advertised RIB entry for targetIDStr
// (ForwarderProphet::_generateDelegatesFor).
func (e *Engine) IsGoodDelegate(delegateIDStr, targetIDStr string, now time.Time) bool {
	targetID := e.ids.intern(targetIDStr)
	delegateID := e.ids.intern(delegateIDStr)

	pAD := e.metricFor(targetID)
	pAD.Age(now)

	neighborRIB, ok := e.neighborRIB[delegateID]
	if !ok {
		return false
	}
	pBD, ok := neighborRIB[targetID]
	if !ok {
		return false
	}
	return e.strategy.Prefer(pAD.Value, pBD.Value)
}

// LastChanged returns the time of the most recent RIB-mutating call
// (NewNeighbor, EndNeighbor, or a transitive update from received routing
// information), used to stamp the outgoing routing-information object's
// create time so recipients can discard stale updates (spec §4.8).
func (e *Engine) LastChanged() time.Time { return e.lastChanged }

// Strategy returns the engine's configured forwarding strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// SetStrategy replaces the forwarding strategy, per spec §6's
// config-time GRTR/GTMX selection.
func (e *Engine) SetStrategy(s Strategy) { e.strategy = s }

// RepositoryEntry is one (key, value) pair persisted across restarts
// (spec §4.8 "Persistence": "key=node_id_string, value=P:timestamp").
type RepositoryEntry struct {
	Key   string
	Value string
}

// SaveState renders the local RIB as repository entries for persistence
// at shutdown.
func (e *Engine) SaveState(now time.Time) []RepositoryEntry {
	var entries []RepositoryEntry
	for id, m := range e.rib {
		m.Age(now)
		if m.Value == 0 {
			continue
		}
		entries = append(entries, RepositoryEntry{
			Key:   e.ids.name(id),
			Value: fmt.Sprintf("P:%.6f:%d", m.Value, m.UpdatedAt.Unix()),
		})
	}
	return entries
}

// LoadState restores RIB entries persisted by SaveState. Entries that do
// not match the "P:value:timestamp" shape are ignored (spec: "a
// wrong-module repository entry is ignored").
func (e *Engine) LoadState(entries []RepositoryEntry) {
	for _, entry := range entries {
		var value float64
		var unix int64
		n, err := fmt.Sscanf(entry.Value, "P:%f:%d", &value, &unix)
		if err != nil || n != 2 {
			continue
		}
		id := e.ids.intern(entry.Key)
		e.rib[id] = &Metric{Value: value, UpdatedAt: time.Unix(unix, 0)}
	}
}
