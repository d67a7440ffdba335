package forwarding

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	hnode "github.com/haggle-project/haggled/internal/node"
	"github.com/haggle-project/haggled/internal/store"
	"github.com/haggle-project/haggled/pkg/log"
)

// ForwardingAttrName is the attribute a routing-information object carries
// (value = the advertising forwarder's Name()), the "Filter Forwarding=*"
// spec §4.6 describes.
const ForwardingAttrName = "Forwarding"

// Defaults per spec §4.6.
const (
	DefaultDelayedQueryWait      = 5 * time.Second
	DefaultPeriodicQueryInterval = 300 * time.Second
	DefaultNodeQueryMax          = 10
)

// Sender pushes a data object toward a specific node. Mirrors
// internal/manager/node's Sender so the connectivity layer's single
// concrete implementation satisfies both without either manager
// depending on the other.
type Sender interface {
	Send(ctx context.Context, obj *dataobject.DataObject, target *hnode.Node) error
}

// forwardKey dedups in-flight sends by (object, node): spec §4.6 "an
// in-flight forwardedObjects list keyed on (object, node) suppresses
// duplicate queueing".
type forwardKey struct {
	object dataobject.ID
	node   dataobject.ID
}

// Manager implements Haggle's Forwarding Manager (spec §4.6): it drives a
// single active Forwarder, reacting to neighbour and data-object
// lifecycle events to decide who each object should be sent or delegated
// to next.
type Manager struct {
	k         *kernel.Kernel
	thisNode  *hnode.Node
	nodes     *hnode.Store
	dataStore store.Store
	forwarder Forwarder
	sender    Sender
	log       zerolog.Logger

	DelayedQueryWait      time.Duration
	PeriodicQueryInterval time.Duration
	NodeQueryMax          int

	mu               sync.Mutex
	pendingQuery     map[dataobject.ID]func()    // neighbour id -> cancel of its delayed query
	lastQueried      map[dataobject.ID]time.Time // neighbour id -> last time its query ran
	forwardedObjects map[forwardKey]int          // (object,node) -> retry attempts so far
}

// New creates a Forwarding Manager driving forwarder, with spec-default
// timing parameters.
func New(k *kernel.Kernel, thisNode *hnode.Node, nodes *hnode.Store, dataStore store.Store, forwarder Forwarder, sender Sender) *Manager {
	return &Manager{
		k:                     k,
		thisNode:              thisNode,
		nodes:                 nodes,
		dataStore:             dataStore,
		forwarder:             forwarder,
		sender:                sender,
		log:                   log.WithComponent("forwarding"),
		DelayedQueryWait:      DefaultDelayedQueryWait,
		PeriodicQueryInterval: DefaultPeriodicQueryInterval,
		NodeQueryMax:          DefaultNodeQueryMax,
		pendingQuery:          make(map[dataobject.ID]func()),
		lastQueried:           make(map[dataobject.ID]time.Time),
		forwardedObjects:      make(map[forwardKey]int),
	}
}

func (m *Manager) Name() string { return "forwarding" }

func (m *Manager) Start(ctx context.Context) error {
	entries, err := m.dataStore.RepositoryByAuthority(ctx, m.forwarder.Name())
	if err != nil {
		m.log.Error().Err(err).Msg("failed to restore forwarder state")
	} else if len(entries) > 0 {
		restored := make([]RepositoryEntry, 0, len(entries))
		for k, v := range entries {
			restored = append(restored, RepositoryEntry{Key: k, Value: v})
		}
		m.forwarder.LoadState(restored)
	}

	m.k.Subscribe(m, kernel.TypeNodeContactNew)
	m.k.Subscribe(m, kernel.TypeNodeUpdated)
	m.k.Subscribe(m, kernel.TypeNodeContactEnd)
	m.k.Subscribe(m, kernel.TypeDataObjectNew)
	m.k.Subscribe(m, kernel.TypeForwardingCandidate)

	// ScheduleAfter blocks until the kernel's dispatch loop is reading
	// scheduleCh, which only happens once every manager's Start has
	// returned; run it from a goroutine so it can't deadlock Start itself.
	go m.schedulePeriodicQuery(ctx)
	return nil
}

func (m *Manager) PrepareShutdown(ctx context.Context) error { return nil }

// Shutdown persists the forwarder's state as repository entries (spec
// §4.6 "Forwarder state is persisted as repository entries").
func (m *Manager) Shutdown(ctx context.Context) error {
	entries := m.forwarder.SaveState(time.Now())
	for _, e := range entries {
		if err := m.dataStore.PutRepository(ctx, m.forwarder.Name(), e.Key, e.Value); err != nil {
			m.log.Error().Err(err).Str("key", e.Key).Msg("failed to persist forwarder state")
		}
	}
	return nil
}

func (m *Manager) HandleEvent(ctx context.Context, ev *kernel.Event) {
	switch ev.Type {
	case kernel.TypeNodeContactNew:
		if n, ok := ev.Payload.(*hnode.Node); ok {
			m.onNodeContactNew(ctx, n)
		}
	case kernel.TypeNodeUpdated:
		if n, ok := ev.Payload.(*hnode.Node); ok {
			m.onNodeUpdated(ctx, n)
		}
	case kernel.TypeNodeContactEnd:
		if n, ok := ev.Payload.(*hnode.Node); ok {
			m.onNodeContactEnd(ctx, n)
		}
	case kernel.TypeDataObjectNew:
		if obj, ok := ev.Payload.(*dataobject.DataObject); ok {
			m.onDataObjectNew(ctx, obj)
		}
	case kernel.TypeForwardingCandidate:
		if obj, ok := ev.Payload.(*dataobject.DataObject); ok {
			m.onForwardingCandidate(ctx, obj)
		}
	}
}

// onNodeContactNew tells the forwarder about a new neighbour, sends it
// this node's current routing information, and arms a delayed
// object-interest query for it (spec §4.6).
func (m *Manager) onNodeContactNew(ctx context.Context, neighbour *hnode.Node) {
	now := time.Now()
	m.forwarder.NewNeighbour(neighbour.ID().String(), now)
	m.sendRoutingInformation(ctx, neighbour)
	m.scheduleDelayedQuery(ctx, neighbour)
}

// onNodeUpdated cancels any still-pending delayed query for the node
// (fresh info supersedes it), runs its object query immediately, and
// asks the forwarder which nodes this neighbour is now a good delegate
// for.
func (m *Manager) onNodeUpdated(ctx context.Context, neighbour *hnode.Node) {
	id := neighbour.ID()
	m.mu.Lock()
	cancel, ok := m.pendingQuery[id]
	if ok {
		delete(m.pendingQuery, id)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}

	go m.runNodeQuery(ctx, neighbour)
	m.offerDelegationTargets(ctx, neighbour)
}

// onNodeContactEnd cancels any pending query and tells the forwarder the
// neighbour left range.
func (m *Manager) onNodeContactEnd(ctx context.Context, neighbour *hnode.Node) {
	id := neighbour.ID()
	m.mu.Lock()
	cancel, ok := m.pendingQuery[id]
	if ok {
		delete(m.pendingQuery, id)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}

	m.forwarder.EndNeighbour(id.String(), time.Now())
}

// onDataObjectNew routes a freshly-stored object: a routing-information
// object (carrying the forwarder's own Forwarding=<name> attribute) is
// rebroadcast as TypeForwardingCandidate for the forwarder to absorb;
// anything else is offered to up to NodeQueryMax interested nodes, as
// long as at least one neighbour exists to carry it anywhere (spec §4.6
// "DATAOBJECT_NEW -> if at least one neighbour exists, do_node_query").
func (m *Manager) onDataObjectNew(ctx context.Context, obj *dataobject.DataObject) {
	if obj.Attrs.Has(attribute.New(ForwardingAttrName, m.forwarder.Name())) {
		m.k.Post(kernel.NewPublic(kernel.TypeForwardingCandidate, obj))
		return
	}

	if len(m.nodes.Neighbours()) == 0 {
		return
	}
	for _, node := range m.doNodeQuery(obj, m.NodeQueryMax) {
		m.considerDelivery(ctx, obj, node)
	}
}

// onForwardingCandidate hands a routing-information object's metadata to
// the forwarder, attributing it to whichever node sent it.
func (m *Manager) onForwardingCandidate(ctx context.Context, obj *dataobject.DataObject) {
	if obj.Metadata == nil {
		return
	}
	sender, ok := m.nodes.SenderFor(obj.RemoteInterfaceID)
	if !ok {
		return
	}
	if err := m.forwarder.ReceiveRoutingInformation(sender.ID().String(), obj.Metadata, time.Now()); err != nil {
		m.log.Debug().Err(err).Str("from", sender.Name).Msg("discarding malformed routing information")
	}
}

// sendRoutingInformation pushes this node's current routing-information
// object to target, off the kernel goroutine (Sender.Send talks to the
// network). A forwarder with nothing to advertise (e.g. NoopForwarder)
// builds a nil metadata tree, in which case nothing is sent.
func (m *Manager) sendRoutingInformation(ctx context.Context, target *hnode.Node) {
	root, createTime := m.forwarder.BuildRoutingInformation(m.thisNode.ID().String(), time.Now())
	if root == nil {
		return
	}

	obj := dataobject.New()
	obj.Persistent = false
	obj.AddAttribute(attribute.New(ForwardingAttrName, m.forwarder.Name()))
	obj.Metadata = root
	if !createTime.IsZero() {
		obj.CreateTime = createTime
	}

	go func() {
		if err := m.sender.Send(ctx, obj, target); err != nil {
			m.log.Debug().Err(err).Str("target", target.Name).Msg("failed to send routing information")
		}
	}()
}

// scheduleDelayedQuery arms (or rearms, cancelling any prior one) a
// DelayedQueryWait-delayed object query for target, coalescing repeated
// contact events the same way a redundant NODE_UPDATED would (spec §4.6).
func (m *Manager) scheduleDelayedQuery(ctx context.Context, target *hnode.Node) {
	id := target.ID()

	m.mu.Lock()
	prior, ok := m.pendingQuery[id]
	delete(m.pendingQuery, id)
	m.mu.Unlock()
	if ok {
		prior()
	}

	// ScheduleAfter blocks on an unbuffered channel until the kernel's
	// dispatch loop reads it; onNodeContactNew (our only caller) runs
	// synchronously on that same loop via HandleEvent, so the call — and
	// the Cancel the returned handle may later need — must happen from a
	// spawned goroutine, never inline.
	go func() {
		entry := m.k.ScheduleAfter(m.DelayedQueryWait, kernel.NewPrivate(nil, func(*kernel.Event) {
			go m.runNodeQuery(ctx, target)
		}))
		cancel := func() { go m.k.Cancel(entry) }

		m.mu.Lock()
		m.pendingQuery[id] = cancel
		m.mu.Unlock()
	}()
}

// runNodeQuery asks the data store for objects matching node's interests
// and offers each through the normal should_forward gate. Meant to run
// off the kernel goroutine (store access may block).
func (m *Manager) runNodeQuery(ctx context.Context, node *hnode.Node) {
	objs, err := m.dataStore.Query(ctx, node.Attrs)
	if err != nil {
		m.log.Error().Err(err).Str("node", node.Name).Msg("node object query failed")
		return
	}

	m.mu.Lock()
	m.lastQueried[node.ID()] = time.Now()
	m.mu.Unlock()

	for _, obj := range objs {
		if !shouldForward(obj, node) {
			continue
		}
		m.queueSend(ctx, obj, node)
	}
}

// offerDelegationTargets asks the forwarder which nodes neighbour is now
// a good delegate for, then offers each one's matching stored objects to
// neighbour to carry onward.
func (m *Manager) offerDelegationTargets(ctx context.Context, neighbour *hnode.Node) {
	targets := m.forwarder.TargetsFor(neighbour.ID().String(), time.Now())
	for _, t := range targets {
		targetID, err := dataobject.ParseID(t.NodeIDStr)
		if err != nil {
			continue
		}
		target, ok := m.nodes.Get(targetID)
		if !ok {
			continue
		}
		go m.deliverToDelegate(ctx, neighbour, target)
	}
}

func (m *Manager) deliverToDelegate(ctx context.Context, delegate, target *hnode.Node) {
	objs, err := m.dataStore.Query(ctx, target.Attrs)
	if err != nil {
		m.log.Error().Err(err).Str("target", target.Name).Msg("delegate object query failed")
		return
	}
	for _, obj := range objs {
		if !shouldForward(obj, delegate) {
			continue
		}
		m.queueSend(ctx, obj, delegate)
	}
}

// schedulePeriodicQuery re-arms the periodic sweep that re-runs
// per-neighbour object queries not re-run within PeriodicQueryInterval
// (spec §4.6).
func (m *Manager) schedulePeriodicQuery(ctx context.Context) {
	m.k.ScheduleAfter(m.PeriodicQueryInterval, kernel.NewPrivate(nil, func(*kernel.Event) {
		go m.runPeriodicQuery(ctx)
	}))
}

func (m *Manager) runPeriodicQuery(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var due []*hnode.Node
	for _, n := range m.nodes.Neighbours() {
		last, queried := m.lastQueried[n.ID()]
		if !queried || now.Sub(last) >= m.PeriodicQueryInterval {
			due = append(due, n)
		}
	}
	m.mu.Unlock()

	for _, n := range due {
		go m.runNodeQuery(ctx, n)
	}

	// Called only from a goroutine already spawned off the kernel loop
	// (the timer callback above, or directly by tests), so scheduling the
	// next round inline is safe here — unlike Start, nothing here runs on
	// the dispatch loop itself.
	m.schedulePeriodicQuery(ctx)
}

// doNodeQuery returns up to max nodes whose interests obj's attributes
// satisfy, ranked by descending match score (spec §4.2's match ordering,
// applied to node interest profiles rather than stored objects).
func (m *Manager) doNodeQuery(obj *dataobject.DataObject, max int) []*hnode.Node {
	type scored struct {
		node  *hnode.Node
		score uint64
	}
	var candidates []scored
	for _, n := range m.nodes.Snapshot() {
		score, matched := obj.Attrs.Matches(n.Attrs)
		if matched == 0 {
			continue
		}
		candidates = append(candidates, scored{node: n, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]*hnode.Node, len(candidates))
	for i, c := range candidates {
		out[i] = c.node
	}
	return out
}

// considerDelivery sends obj directly if node is already a neighbour;
// otherwise it asks the forwarder for a good delegate among the current
// neighbours and sends to each one that passes should_forward.
func (m *Manager) considerDelivery(ctx context.Context, obj *dataobject.DataObject, node *hnode.Node) {
	if !shouldForward(obj, node) {
		return
	}
	if node.IsNeighbour() {
		m.queueSend(ctx, obj, node)
		return
	}

	now := time.Now()
	for _, neighbour := range m.nodes.Neighbours() {
		if neighbour.ID() == node.ID() {
			continue
		}
		if !m.forwarder.IsGoodDelegate(neighbour.ID().String(), node.ID().String(), now) {
			continue
		}
		if !shouldForward(obj, neighbour) {
			continue
		}
		m.queueSend(ctx, obj, neighbour)
	}
}

// shouldForward implements spec §4.6's delivery gate: never forward a
// node description back to the node it describes, and never re-offer an
// object the node's Bloom filter already claims to hold.
func shouldForward(obj *dataobject.DataObject, node *hnode.Node) bool {
	if obj.IsNodeDescription {
		if describesNode(obj, node) {
			return false
		}
	}
	return !node.HasSeen(obj.ID())
}

// describesNode reports whether a node-description data object describes
// node itself, without importing internal/manager/node (which would
// create a dependency cycle were it ever to need forwarding): a
// description's target id is always id(Node.Name=<name>), and the name
// metadata lives directly on the object, so the comparison is inlined
// here at the attribute level instead of parsing the full description.
func describesNode(obj *dataobject.DataObject, node *hnode.Node) bool {
	if obj.Metadata == nil {
		return false
	}
	nameNode := obj.Metadata.GetMetadata("Name")
	if nameNode == nil {
		return false
	}
	return nameNode.Content == node.Name
}

// queueSend dedups and (re)starts an asynchronous send, per spec §4.6's
// forwardedObjects list.
func (m *Manager) queueSend(ctx context.Context, obj *dataobject.DataObject, node *hnode.Node) {
	key := forwardKey{object: obj.ID(), node: node.ID()}

	m.mu.Lock()
	if _, inFlight := m.forwardedObjects[key]; inFlight {
		m.mu.Unlock()
		return
	}
	m.forwardedObjects[key] = 0
	m.mu.Unlock()

	go m.attemptSend(ctx, obj, node, key)
}

func (m *Manager) attemptSend(ctx context.Context, obj *dataobject.DataObject, node *hnode.Node, key forwardKey) {
	err := m.sender.Send(ctx, obj, node)
	m.k.PostPrivate(sendOutcome{obj: obj, node: node, key: key, err: err}, func(ev *kernel.Event) {
		o := ev.Payload.(sendOutcome)
		m.onSent(ctx, o)
	})
}

type sendOutcome struct {
	obj  *dataobject.DataObject
	node *hnode.Node
	key  forwardKey
	err  error
}

// onSent purges a successful send, retries a failed one exactly once,
// and drops it on a second failure (spec §4.6 "on success purged; on
// transient failure retry once; on terminal failure drop").
func (m *Manager) onSent(ctx context.Context, o sendOutcome) {
	if o.err == nil {
		m.mu.Lock()
		delete(m.forwardedObjects, o.key)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	attempts := m.forwardedObjects[o.key]
	attempts++
	if attempts > 1 {
		delete(m.forwardedObjects, o.key)
		m.mu.Unlock()
		m.log.Warn().Err(o.err).Str("node", o.node.Name).Str("dataobject", o.obj.ID().String()).Msg("dropping data object after retry failed")
		return
	}
	m.forwardedObjects[o.key] = attempts
	m.mu.Unlock()

	go m.attemptSend(ctx, o.obj, o.node, o.key)
}
