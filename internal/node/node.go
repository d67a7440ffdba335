package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/bloom"
	"github.com/haggle-project/haggled/internal/dataobject"
)

// Type distinguishes the four roles a Node can play, per spec §3 "Node".
type Type int

const (
	TypeUndefined Type = iota
	TypeThisNode       // the local node
	TypeApplication
	TypePeer
	TypeGateway
)

func (t Type) String() string {
	switch t {
	case TypeThisNode:
		return "this"
	case TypeApplication:
		return "application"
	case TypePeer:
		return "peer"
	case TypeGateway:
		return "gateway"
	default:
		return "undefined"
	}
}

// DefaultMatchThreshold and DefaultMaxDataObjectsInMatch bound how eagerly
// the forwarding manager offers data objects to a node description match,
// per spec §4.6 "Matching" defaults.
const (
	DefaultMatchThreshold        = 1
	DefaultMaxDataObjectsInMatch = 10
)

// Node is a peer, application, gateway, or "this node" identity: a name,
// an attribute set describing its interests, the set of interfaces it has
// been seen on, and a Bloom filter summarising data object ids it is
// already known to hold.
//
// Node is not safe for concurrent use on its own; callers serialise
// mutation through the kernel thread and take a Clone for any use outside
// it, matching the rest of the module's actor-style ownership.
type Node struct {
	id   dataobject.ID
	Type Type
	Name string

	interfaces map[Key]*Interface
	Attrs      *attribute.Set
	Filter     *bloom.Filter

	MatchThreshold        int
	MaxDataObjectsInMatch int

	CreateTime time.Time
	Stored     bool // persisted as a node description data object

	// FilterEventID is the private event id a node registered interest
	// in receiving new-match notifications on, or "" if none.
	FilterEventID string
}

// New creates a node identified by name, with no interfaces or interests
// yet registered.
func New(typ Type, name string) *Node {
	f, err := bloom.New(bloom.Counting, 0.01, 1024)
	if err != nil {
		// 0.01/1024 are fixed, valid constants; New can only fail on
		// caller-supplied parameters.
		panic(fmt.Sprintf("node: default bloom filter parameters rejected: %v", err))
	}
	n := &Node{
		Type:                  typ,
		Name:                  name,
		interfaces:            make(map[Key]*Interface),
		Attrs:                 attribute.NewSet(),
		Filter:                f,
		MatchThreshold:        DefaultMatchThreshold,
		MaxDataObjectsInMatch: DefaultMaxDataObjectsInMatch,
		CreateTime:            time.Now(),
	}
	n.id = n.computeID()
	return n
}

// computeID derives a node's identity the same way a data object does:
// as a content hash over its (name) attribute, so that a node description
// data object and the node it describes share an id space.
func (n *Node) computeID() dataobject.ID {
	do := dataobject.New()
	do.AddAttribute(attribute.New("Node.Name", n.Name))
	return do.ID()
}

// ID returns the node's identity.
func (n *Node) ID() dataobject.ID { return n.id }

// AddInterface registers an interface the node has been observed on.
// Re-adding an already-present (type, identifier) interface updates its
// addresses and flags in place rather than duplicating it.
func (n *Node) AddInterface(iface *Interface) {
	n.interfaces[iface.Key()] = iface
}

// RemoveInterface deregisters an interface by its (type, identifier) key.
func (n *Node) RemoveInterface(key Key) {
	delete(n.interfaces, key)
}

// Interfaces returns every interface registered for this node. The
// returned slice is a snapshot; mutating it does not affect the node.
func (n *Node) Interfaces() []*Interface {
	out := make([]*Interface, 0, len(n.interfaces))
	for _, iface := range n.interfaces {
		out = append(out, iface)
	}
	return out
}

// HasInterface reports whether the node has the given interface registered.
func (n *Node) HasInterface(key Key) bool {
	_, ok := n.interfaces[key]
	return ok
}

// IsNeighbour reports whether the node currently has at least one
// interface marked up, the invariant spec §3 uses to define "neighbour".
func (n *Node) IsNeighbour() bool {
	for _, iface := range n.interfaces {
		if iface.IsUp() {
			return true
		}
	}
	return false
}

// HasSeen reports whether the node's Bloom filter claims to already hold
// the given data object id (used by the forwarding manager to skip
// re-offering objects a neighbour already has).
func (n *Node) HasSeen(id dataobject.ID) bool {
	return n.Filter.Has(id[:])
}

// MarkSeen records that the node is now known to hold id.
func (n *Node) MarkSeen(id dataobject.ID) {
	n.Filter.Add(id[:])
}

// Clone returns a deep-enough copy safe to hand to a goroutine outside the
// kernel thread (e.g. a protocol connection formatting a node description).
func (n *Node) Clone() *Node {
	cp := *n
	cp.interfaces = make(map[Key]*Interface, len(n.interfaces))
	for k, v := range n.interfaces {
		ifaceCopy := *v
		cp.interfaces[k] = &ifaceCopy
	}
	if n.Attrs != nil {
		cp.Attrs = attribute.NewSet(n.Attrs.All()...)
	}
	if n.Filter != nil {
		cp.Filter = n.Filter.Clone()
	}
	return &cp
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.Type)
}

// Store is a mutex-protected registry of nodes keyed by id. Per spec §5
// "Shared resources", iteration callbacks must not call back into the
// kernel while holding the store's lock, so Snapshot hands out a
// point-in-time copy of the slice rather than iterating under lock.
type Store struct {
	mu    sync.RWMutex
	nodes map[dataobject.ID]*Node
}

// NewStore creates an empty node store.
func NewStore() *Store {
	return &Store{nodes: make(map[dataobject.ID]*Node)}
}

// Add inserts or replaces a node.
func (s *Store) Add(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID()] = n
}

// Remove deletes a node by id.
func (s *Store) Remove(id dataobject.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// Get returns the node with the given id, if present.
func (s *Store) Get(id dataobject.ID) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// GetByInterface returns the node that owns the given interface key, if any.
func (s *Store) GetByInterface(key Key) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.HasInterface(key) {
			return n, true
		}
	}
	return nil, false
}

// GetByInterfaceIdentifier returns the node that owns an interface whose
// Identifier matches id, regardless of interface type. Used when only a
// received data object's remote-interface string is known, with no type
// alongside it (spec §3's "data object bookkeeping" records just the id).
func (s *Store) GetByInterfaceIdentifier(id Identifier) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		for k := range n.interfaces {
			if k.ID == id {
				return n, true
			}
		}
	}
	return nil, false
}

// SenderFor resolves the node that owns the interface a received data
// object arrived over, given its RemoteInterfaceID bookkeeping field. An
// empty or malformed id, or one matching no known node, reports (nil,
// false) — used identically by the data and forwarding managers to find
// who sent an incoming object.
func (s *Store) SenderFor(remoteInterfaceID string) (*Node, bool) {
	if remoteInterfaceID == "" {
		return nil, false
	}
	id, err := ParseIdentifier(remoteInterfaceID)
	if err != nil {
		return nil, false
	}
	return s.GetByInterfaceIdentifier(id)
}

// Snapshot returns a point-in-time slice of every node in the store. Safe
// to iterate without holding the store's lock.
func (s *Store) Snapshot() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// Neighbours returns a snapshot of nodes currently satisfying IsNeighbour.
func (s *Store) Neighbours() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0)
	for _, n := range s.nodes {
		if n.IsNeighbour() {
			out = append(out, n)
		}
	}
	return out
}

// Len reports the number of nodes in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
