package data

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	hnode "github.com/haggle-project/haggled/internal/node"
	"github.com/haggle-project/haggled/internal/store"
	"github.com/haggle-project/haggled/pkg/log"
)

// Default aging parameters (spec §4.5 "Aging: periodically (default 60s,
// max age 24h)...").
const (
	DefaultAgingPeriod   = 60 * time.Second
	DefaultAgingMaxAge   = 24 * time.Hour
	DefaultAgingBatchCap = 1000
)

// Manager implements Haggle's Data Manager (spec §4.5): the
// verify/insert/republish pipeline for incoming data objects, plus the
// periodic aging sweep that reclaims stale ones.
type Manager struct {
	k        *kernel.Kernel
	thisNode *hnode.Node
	nodes    *hnode.Store
	dataStore store.Store
	log      zerolog.Logger

	AgingPeriod   time.Duration
	AgingMaxAge   time.Duration
	AgingBatchCap int
}

// New creates a Data Manager with spec-default aging parameters.
func New(k *kernel.Kernel, thisNode *hnode.Node, nodes *hnode.Store, dataStore store.Store) *Manager {
	return &Manager{
		k:             k,
		thisNode:      thisNode,
		nodes:         nodes,
		dataStore:     dataStore,
		log:           log.WithComponent("data"),
		AgingPeriod:   DefaultAgingPeriod,
		AgingMaxAge:   DefaultAgingMaxAge,
		AgingBatchCap: DefaultAgingBatchCap,
	}
}

func (m *Manager) Name() string { return "data" }

func (m *Manager) Start(ctx context.Context) error {
	m.k.Subscribe(m, kernel.TypeDataObjectVerified)
	// ScheduleAfter blocks until the kernel's dispatch loop is reading
	// scheduleCh, which only happens once every manager's Start has
	// returned; run it from a goroutine so it can't deadlock Start itself.
	go m.scheduleAging(ctx)
	return nil
}

func (m *Manager) PrepareShutdown(ctx context.Context) error { return nil }

func (m *Manager) Shutdown(ctx context.Context) error { return nil }

func (m *Manager) HandleEvent(ctx context.Context, ev *kernel.Event) {
	if ev.Type == kernel.TypeDataObjectVerified {
		if obj, ok := ev.Payload.(*dataobject.DataObject); ok {
			m.onVerified(ctx, obj)
		}
	}
}

// onVerified is the entry point of spec §4.5's pipeline. A bad payload is
// dropped outright; an unverified one is checked off-thread before
// proceeding; anything else (already ok, or no payload to check) proceeds
// straight to handleVerified.
func (m *Manager) onVerified(ctx context.Context, obj *dataobject.DataObject) {
	switch obj.DataState {
	case dataobject.DataVerifiedBad:
		m.log.Warn().Str("dataobject", obj.ID().String()).Msg("dropping data object with bad payload")
		return
	case dataobject.DataNotVerified:
		go m.verifyThenHandle(ctx, obj)
		return
	default:
		m.handleVerified(ctx, obj)
	}
}

func (m *Manager) verifyThenHandle(ctx context.Context, obj *dataobject.DataObject) {
	obj.DataState = VerifyPayload(obj)
	m.k.PostPrivate(obj, func(ev *kernel.Event) {
		verified := ev.Payload.(*dataobject.DataObject)
		if verified.DataState == dataobject.DataVerifiedBad {
			m.log.Warn().Str("dataobject", verified.ID().String()).Msg("dropping data object that failed verification")
			return
		}
		m.handleVerified(ctx, verified)
	})
}

// handleVerified runs on the kernel goroutine: step 1 (mark the sender's
// Bloom filter) is pure in-memory bookkeeping, so it happens inline; the
// store insert is handed off to a worker goroutine, which reports back via
// a private event (spec §4.5 steps 2-3).
func (m *Manager) handleVerified(ctx context.Context, obj *dataobject.DataObject) {
	m.markSenderHasObject(obj)

	go func() {
		err := m.dataStore.Insert(ctx, obj)
		m.k.PostPrivate(insertOutcome{obj: obj, err: err}, func(ev *kernel.Event) {
			o := ev.Payload.(insertOutcome)
			m.onInserted(o.obj, o.err)
		})
	}()
}

type insertOutcome struct {
	obj *dataobject.DataObject
	err error
}

// markSenderHasObject adds obj's id to the Bloom filter of the peer that
// sent it, unless the sender is an application (spec §4.5 step 1: "Don't
// add the data object to the bloomfilter of the application that sent it,
// since the correct behaviour is to deliver it to the application if it
// wants it" — carried over from the original's handleVerifiedDataObject).
func (m *Manager) markSenderHasObject(obj *dataobject.DataObject) {
	sender, ok := m.nodes.SenderFor(obj.RemoteInterfaceID)
	if !ok || sender.Type == hnode.TypeApplication {
		return
	}
	sender.MarkSeen(obj.ID())
}

func (m *Manager) onInserted(obj *dataobject.DataObject, err error) {
	if err != nil {
		m.log.Error().Err(err).Str("dataobject", obj.ID().String()).Msg("data store insert failed")
		return
	}

	if !obj.Duplicate {
		m.k.Post(kernel.NewPublic(kernel.TypeDataObjectNew, obj))
	}

	if obj.Persistent && !m.thisNode.HasSeen(obj.ID()) {
		m.thisNode.MarkSeen(obj.ID())
		m.thisNode.CreateTime = time.Now()
	}
}

// scheduleAging arms the next aging sweep.
func (m *Manager) scheduleAging(ctx context.Context) {
	m.k.ScheduleAfter(m.AgingPeriod, kernel.NewPrivate(nil, func(*kernel.Event) {
		go m.runAging(ctx)
	}))
}

// runAging asks the store to delete objects we no longer have interest in
// and that exceed AgingMaxAge (spec §4.5 "Aging"). If the store reports it
// hit its batch cap, the next sweep is re-armed immediately; otherwise
// after one full period. A sweep under resource pressure is skipped
// entirely and re-armed for the next period, since aging is maintenance
// work, not a correctness requirement of any single sweep.
func (m *Manager) runAging(ctx context.Context) {
	if m.k.LowOnResources() {
		m.log.Debug().Msg("skipping aging sweep, kernel reports low resources")
		go m.scheduleAging(ctx)
		return
	}

	want := m.interestSet()
	deleted, hitCap, err := m.dataStore.Age(ctx, want, m.AgingMaxAge, m.AgingBatchCap)

	m.k.PostPrivate(agingOutcome{deleted: deleted, hitCap: hitCap, err: err}, func(ev *kernel.Event) {
		o := ev.Payload.(agingOutcome)
		m.onAged(ctx, o)
	})
}

type agingOutcome struct {
	deleted []dataobject.ID
	hitCap  bool
	err     error
}

func (m *Manager) onAged(ctx context.Context, o agingOutcome) {
	if o.err != nil {
		m.log.Error().Err(o.err).Msg("aging sweep failed")
	} else if len(o.deleted) > 0 {
		m.log.Info().Int("count", len(o.deleted)).Msg("aged data objects")

		changed := false
		for _, id := range o.deleted {
			if m.thisNode.HasSeen(id) {
				// Bloom filters don't support true removal for the plain
				// kind; the counting filter backing thisNode's does.
				m.thisNode.Filter.Remove(id[:])
				changed = true
			}
		}
		if changed {
			m.thisNode.CreateTime = time.Now()
			m.k.Post(kernel.NewPublic(kernel.TypeNodeDescriptionSend, nil))
		}
	}

	// onAged runs as a private event's Reply closure, invoked synchronously
	// on the kernel goroutine by dispatch; scheduleAging's ScheduleAfter
	// call blocks on an unbuffered channel only the dispatch loop itself
	// reads, so it must happen from a spawned goroutine here too, not
	// inline.
	if o.hitCap {
		go m.runAging(ctx)
		return
	}
	go m.scheduleAging(ctx)
}

// interestSet returns the attribute set describing what this node is
// currently interested in keeping, unioned from thisNode's own attributes.
func (m *Manager) interestSet() *attribute.Set {
	return m.thisNode.Attrs
}
