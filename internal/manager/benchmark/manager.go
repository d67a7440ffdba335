// Package benchmark implements Haggle's load-test manager (grounded on
// the original BenchmarkManager.cpp; supplemented per SPEC_FULL.md §4):
// enabled only by the daemon's -b flag, it synthesizes peer nodes and
// data objects to exercise the forwarding pipeline without any real
// connectivity.
package benchmark

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	hnode "github.com/haggle-project/haggled/internal/node"
	"github.com/haggle-project/haggled/pkg/log"
)

// Params configures one benchmark run (the original's -b DataObjects_Attr,
// Nodes_Attr, Attr_Num, DataObjects_Num, Test_Num, read from the CLI's -b
// argument string per spec §6).
type Params struct {
	// Nodes is how many synthetic peer nodes to register.
	Nodes int
	// AttrsPerNode is how many random attributes each synthetic node
	// advertises as its interests.
	AttrsPerNode int
	// DataObjects is how many synthetic data objects to push through the
	// forwarding pipeline.
	DataObjects int
	// AttrsPerObject is how many random attributes each synthetic data
	// object carries.
	AttrsPerObject int
	// Interval paces data-object generation so the pipeline sees a
	// steady load rather than one instantaneous burst.
	Interval time.Duration
}

// DefaultParams mirrors the original's common benchmark invocation: a
// modest synthetic neighbourhood with a handful of shared attribute
// names so objects actually have somewhere to go.
var DefaultParams = Params{
	Nodes:          10,
	AttrsPerNode:   2,
	DataObjects:    100,
	AttrsPerObject: 2,
	Interval:       50 * time.Millisecond,
}

// attrPool is the fixed vocabulary synthetic nodes and objects draw
// from, so generated interests and content actually overlap instead of
// being uniformly random and unmatchable.
var attrPool = []string{"News", "Weather", "Sports", "Traffic", "Music", "Photo"}

// Manager drives one benchmark run on startup. It registers no kernel
// event subscriptions of its own; it is a pure generator.
type Manager struct {
	k      *kernel.Kernel
	nodes  *hnode.Store
	log    zerolog.Logger
	params Params
	stopCh chan struct{}
}

// New creates a benchmark manager. It does nothing until Start, and is
// typically only constructed/registered when the daemon's -b flag is
// present.
func New(k *kernel.Kernel, nodes *hnode.Store, params Params) *Manager {
	return &Manager{
		k:      k,
		nodes:  nodes,
		log:    log.WithComponent("benchmark"),
		params: params,
		stopCh: make(chan struct{}),
	}
}

func (m *Manager) Name() string { return "benchmark" }

// Start synthesizes the benchmark's peer nodes immediately, then spawns
// a goroutine that paces synthetic data-object generation at
// params.Interval so the pipeline isn't hit with one giant burst.
func (m *Manager) Start(ctx context.Context) error {
	m.log.Info().Int("nodes", m.params.Nodes).Int("dataobjects", m.params.DataObjects).Msg("starting benchmark run")

	for i := 0; i < m.params.Nodes; i++ {
		m.nodes.Add(m.synthesizeNode(i))
	}

	go m.generateDataObjects(ctx)
	return nil
}

func (m *Manager) PrepareShutdown(ctx context.Context) error {
	close(m.stopCh)
	return nil
}

func (m *Manager) Shutdown(ctx context.Context) error { return nil }

// HandleEvent is a no-op; the benchmark manager subscribes to nothing,
// it only produces load.
func (m *Manager) HandleEvent(ctx context.Context, ev *kernel.Event) {}

func (m *Manager) synthesizeNode(i int) *hnode.Node {
	n := hnode.New(hnode.TypePeer, fmt.Sprintf("benchmark-peer-%d", i))
	for j := 0; j < m.params.AttrsPerNode; j++ {
		n.Attrs.Add(attribute.New(attrPool[rand.Intn(len(attrPool))], randomValue()))
	}
	return n
}

func (m *Manager) synthesizeDataObject() *dataobject.DataObject {
	obj := dataobject.New()
	for j := 0; j < m.params.AttrsPerObject; j++ {
		obj.AddAttribute(attribute.New(attrPool[rand.Intn(len(attrPool))], randomValue()))
	}
	return obj
}

func (m *Manager) generateDataObjects(ctx context.Context) {
	ticker := time.NewTicker(m.params.Interval)
	defer ticker.Stop()

	for i := 0; i < m.params.DataObjects; i++ {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.k.Post(kernel.NewPublic(kernel.TypeDataObjectNew, m.synthesizeDataObject()))
		}
	}

	m.log.Info().Msg("benchmark run complete")
}

func randomValue() string {
	return fmt.Sprintf("v%d", rand.Intn(1000))
}
