package node

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	hnode "github.com/haggle-project/haggled/internal/node"
	"github.com/haggle-project/haggled/pkg/log"
)

// Sender pushes a data object toward a specific neighbour. The connectivity
// layer supplies the concrete implementation (an internal/protocol
// connection over whichever interface the neighbour was last seen on); the
// manager only depends on this narrow interface so it stays testable
// without real sockets.
type Sender interface {
	Send(ctx context.Context, obj *dataobject.DataObject, target *hnode.Node) error
}

// Default retry parameters for a node-description push (spec §4.4
// "defaults 3 retries, 10s wait").
const (
	DefaultPushRetries = 3
	DefaultPushWait    = 10 * time.Second
)

// pushKey dedups in-flight pushes by (neighbour, description owner): spec
// §4.4 forbids queuing a second push to the same neighbour for the same
// description while one is already outstanding.
type pushKey struct {
	neighbour dataobject.ID
	described dataobject.ID
}

// Manager implements Haggle's Node Manager (spec §4.4): it owns thisNode's
// identity, pushes node descriptions to neighbours, and merges descriptions
// received from peers into the shared node store.
type Manager struct {
	k        *kernel.Kernel
	thisNode *hnode.Node
	nodes    *hnode.Store
	sender   Sender
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[pushKey]int // attempts made so far, keyed by (neighbour, described)
}

// New creates a Node Manager. sender may be nil until the connectivity
// layer is wired up (Start still succeeds; pushes simply fail and retry).
func New(k *kernel.Kernel, thisNode *hnode.Node, nodes *hnode.Store, sender Sender) *Manager {
	return &Manager{
		k:        k,
		thisNode: thisNode,
		nodes:    nodes,
		sender:   sender,
		log:      log.WithComponent("node"),
		inflight: make(map[pushKey]int),
	}
}

// SetSender wires in the connectivity-backed Sender once it exists, for
// callers that construct the manager before the transport layer is ready.
func (m *Manager) SetSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = s
}

func (m *Manager) Name() string { return "node" }

func (m *Manager) Start(ctx context.Context) error {
	m.k.Subscribe(m, kernel.TypeNeighbourUp)
	m.k.Subscribe(m, kernel.TypeNodeDescriptionSend)
	m.k.Subscribe(m, kernel.TypeNodeDescriptionReceived)
	return nil
}

func (m *Manager) PrepareShutdown(ctx context.Context) error { return nil }

func (m *Manager) Shutdown(ctx context.Context) error { return nil }

func (m *Manager) HandleEvent(ctx context.Context, ev *kernel.Event) {
	switch ev.Type {
	case kernel.TypeNeighbourUp:
		if n, ok := ev.Payload.(*hnode.Node); ok {
			m.onNeighbourUp(ctx, n)
		}
	case kernel.TypeNodeDescriptionSend:
		m.pushToAllNeighbours(ctx)
	case kernel.TypeNodeDescriptionReceived:
		if obj, ok := ev.Payload.(*dataobject.DataObject); ok {
			m.onDescriptionReceived(ctx, obj)
		}
	}
}

// onNeighbourUp pushes thisNode's description to a freshly contacted
// neighbour, unless its Bloom filter already claims to hold it (spec §4.4
// "pushes the current node description to that neighbour unless the
// neighbour's Bloom filter already contains its id").
func (m *Manager) onNeighbourUp(ctx context.Context, neighbour *hnode.Node) {
	if neighbour.HasSeen(m.thisNode.ID()) {
		return
	}
	m.queuePush(ctx, neighbour)
}

func (m *Manager) pushToAllNeighbours(ctx context.Context) {
	for _, n := range m.nodes.Neighbours() {
		m.queuePush(ctx, n)
	}
}

// queuePush starts (or skips, if one is already outstanding) an
// asynchronous push of thisNode's description to target.
func (m *Manager) queuePush(ctx context.Context, target *hnode.Node) {
	key := pushKey{neighbour: target.ID(), described: m.thisNode.ID()}

	m.mu.Lock()
	if _, exists := m.inflight[key]; exists {
		m.mu.Unlock()
		return
	}
	m.inflight[key] = 0
	m.mu.Unlock()

	go m.attemptPush(ctx, target, key)
}

// attemptPush runs off the kernel goroutine: HandleEvent must never block,
// and Sender.Send talks to the network.
func (m *Manager) attemptPush(ctx context.Context, target *hnode.Node, key pushKey) {
	m.mu.Lock()
	sender := m.sender
	m.mu.Unlock()

	if sender == nil {
		m.failOrRetry(ctx, target, key, nil)
		return
	}

	includeFilter := !target.HasSeen(m.thisNode.ID())
	obj := BuildDescription(m.thisNode, includeFilter)

	err := sender.Send(ctx, obj, target)
	if err == nil {
		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
		return
	}
	m.failOrRetry(ctx, target, key, err)
}

func (m *Manager) failOrRetry(ctx context.Context, target *hnode.Node, key pushKey, cause error) {
	m.mu.Lock()
	m.inflight[key]++
	attempts := m.inflight[key]
	m.mu.Unlock()

	if attempts >= DefaultPushRetries {
		m.log.Warn().Str("neighbour", target.Name).Err(cause).Msg("node description push exhausted retries")
		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
		return
	}

	m.k.ScheduleAfter(DefaultPushWait, kernel.NewPrivate(nil, func(*kernel.Event) {
		go m.attemptPush(ctx, target, key)
	}))
}

// onDescriptionReceived implements spec §4.4's receipt path:
//  1. reject descriptions that describe thisNode itself;
//  2. a direct description (received over one of its own advertised
//     interfaces) always wins and refreshes the stored Bloom filter;
//  3. a third-party description loses to an already-neighbour or a local
//     copy whose create time is equal to or newer than its own, and
//     otherwise merges Bloom filters rather than overwriting;
//  4. either way, a winning description is stored with create time
//     max(existing, incoming) and TypeNodeUpdated is raised.
func (m *Manager) onDescriptionReceived(ctx context.Context, obj *dataobject.DataObject) {
	desc, err := ParseDescription(obj)
	if err != nil {
		m.log.Debug().Err(err).Msg("dropping malformed node description")
		return
	}

	describedID := desc.ID()
	if describedID == m.thisNode.ID() {
		return
	}

	existing, hadExisting := m.nodes.Get(describedID)
	direct := descriptionArrivedDirect(desc, obj.RemoteInterfaceID)

	if !direct && hadExisting {
		if existing.IsNeighbour() {
			return
		}
		// spec.md §9 Open Questions resolves the equal-create-time case
		// explicitly: "treat equal create times as 'no new information'
		// and drop without storing." !Before covers both After and
		// Equal, so only a strictly newer description passes through.
		if !existing.CreateTime.Before(obj.CreateTime) {
			return
		}
	}

	merged := buildNodeFromDescription(desc)
	merged.CreateTime = obj.CreateTime
	if hadExisting && merged.CreateTime.Before(existing.CreateTime) {
		merged.CreateTime = existing.CreateTime
	}
	if hadExisting && !direct && existing.Filter != nil {
		if err := merged.Filter.Merge(existing.Filter); err != nil {
			m.log.Debug().Err(err).Str("node", merged.Name).Msg("could not merge node description bloom filter")
		}
	}
	if hadExisting {
		merged.FilterEventID = existing.FilterEventID
	}

	m.nodes.Add(merged)
	m.k.Post(kernel.NewPublic(kernel.TypeNodeUpdated, merged))
}

// descriptionArrivedDirect reports whether the description was received
// over one of the interfaces it advertises for the described node — i.e.
// the peer told us about itself, rather than a third party relaying what
// it knows about someone else.
func descriptionArrivedDirect(desc *Description, remoteInterfaceID string) bool {
	if remoteInterfaceID == "" {
		return false
	}
	for _, iface := range desc.Interfaces {
		if iface.ID.String() == remoteInterfaceID {
			return true
		}
	}
	return false
}

// buildNodeFromDescription materialises a peer hnode.Node from a parsed
// Description. Its ID() always matches desc.ID(), since both are derived
// from desc.Name the same way.
func buildNodeFromDescription(desc *Description) *hnode.Node {
	n := hnode.New(hnode.TypePeer, desc.Name)
	n.Attrs = desc.Attrs
	if desc.Filter != nil {
		n.Filter = desc.Filter
	}
	for _, iface := range desc.Interfaces {
		ni := &hnode.Interface{Type: iface.Type, Identifier: iface.ID, Addresses: iface.Addresses}
		if iface.Up {
			ni.SetUp()
		} else {
			ni.SetDown()
		}
		n.AddInterface(ni)
	}
	return n
}
