// Package application implements Haggle's Application Manager (spec
// §4.3): the local-app contract (registration, interest management,
// event subscriptions), thisNode's interest-set maintenance as the union
// of every registered app's attributes, and filter-gated delivery of new
// data objects to interested apps.
package application

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	hnode "github.com/haggle-project/haggled/internal/node"
	"github.com/haggle-project/haggled/internal/store"
	"github.com/haggle-project/haggled/pkg/log"
)

// Sender delivers a data object to a local application. The IPC layer
// supplies the concrete implementation, the same pattern
// internal/manager/node and internal/manager/forwarding use for their own
// connectivity-backed Sender.
type Sender interface {
	Send(ctx context.Context, obj *dataobject.DataObject, target *hnode.Node) error
}

// ShutdownQuiescence bounds how long PrepareShutdown waits for
// outstanding app deliveries to drain before giving up (spec §4.3
// "Wait for their outstanding sends to drain (with a bounded quiescence
// window) before signalling ready").
const ShutdownQuiescence = 3 * time.Second

// Reply mirrors the IPC registration_reply(ok, storage_path, session_id)
// contract (spec §4.3).
type Reply struct {
	OK          bool
	Message     string
	StoragePath string
	SessionID   string
}

// session is the manager's bookkeeping for one registered application.
type session struct {
	clientID string
	node     *hnode.Node
	events   map[kernel.Type]bool
}

// Manager implements Haggle's Application Manager.
type Manager struct {
	k         *kernel.Kernel
	thisNode  *hnode.Node
	nodes     *hnode.Store
	dataStore store.Store
	sender    Sender
	log       zerolog.Logger

	// StorageDir is the base directory handed back as each app's
	// storage_path; the IPC layer is responsible for actually creating it.
	StorageDir string

	mu             sync.Mutex
	sessions       map[string]*session // session id -> session
	byClientID     map[string]string   // client-supplied id -> session id
	eventRefcounts map[kernel.Type]int // how many sessions want this kernel event type
	nextSlot       uint32              // synthetic application-port identifier source
	pending        sync.WaitGroup      // outstanding deliverToApp calls, drained at shutdown
}

// New creates an Application Manager. sender may be nil until the IPC
// layer is wired up; registration and interest bookkeeping work
// regardless, delivery simply fails silently until it is set.
func New(k *kernel.Kernel, thisNode *hnode.Node, nodes *hnode.Store, dataStore store.Store, sender Sender) *Manager {
	return &Manager{
		k:              k,
		thisNode:       thisNode,
		nodes:          nodes,
		dataStore:      dataStore,
		sender:         sender,
		log:            log.WithComponent("application"),
		StorageDir:     "app-storage",
		sessions:       make(map[string]*session),
		byClientID:     make(map[string]string),
		eventRefcounts: make(map[kernel.Type]int),
	}
}

// SetSender wires in the IPC-backed Sender once it exists.
func (m *Manager) SetSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = s
}

func (m *Manager) Name() string { return "application" }

// Start subscribes to new data objects for delivery-to-apps, and rebuilds
// thisNode's attribute set from whatever application nodes the data
// store replayed before this manager started (spec §4.3 "Startup").
func (m *Manager) Start(ctx context.Context) error {
	m.k.Subscribe(m, kernel.TypeDataObjectNew)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildHostAttributesLocked()
	return nil
}

// PrepareShutdown broadcasts a shutdown control object to every
// registered app, then waits (bounded) for outstanding deliveries to
// drain (spec §4.3 "Shutdown").
func (m *Manager) PrepareShutdown(ctx context.Context) error {
	m.mu.Lock()
	apps := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		apps = append(apps, s)
	}
	m.mu.Unlock()

	for _, s := range apps {
		m.deliver(ctx, s, buildShutdownEvent())
	}

	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownQuiescence):
		m.log.Warn().Msg("quiescence window expired with application sends still outstanding")
	}
	return nil
}

func (m *Manager) Shutdown(ctx context.Context) error { return nil }

func (m *Manager) HandleEvent(ctx context.Context, ev *kernel.Event) {
	if ev.Type == kernel.TypeDataObjectNew {
		if obj, ok := ev.Payload.(*dataobject.DataObject); ok {
			m.onDataObjectNew(ctx, obj)
		}
		return
	}
	m.relayKernelEvent(ctx, ev)
}

// onDataObjectNew implements spec §4.3's delivery-to-apps: every
// registered app whose interests match the object (per its
// MatchThreshold) gets a copy, unless its Bloom filter already claims
// the object.
func (m *Manager) onDataObjectNew(ctx context.Context, obj *dataobject.DataObject) {
	m.mu.Lock()
	apps := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		apps = append(apps, s)
	}
	m.mu.Unlock()

	for _, s := range apps {
		_, matched := obj.Attrs.Matches(s.node.Attrs)
		if matched < s.node.MatchThreshold {
			continue
		}
		if s.node.HasSeen(obj.ID()) {
			continue
		}
		s.node.MarkSeen(obj.ID())
		m.deliver(ctx, s, annotateForApp(obj))
	}
}

// relayKernelEvent forwards a subscribed public event to every session
// that asked for it (spec §4.3 "register_event_interest").
func (m *Manager) relayKernelEvent(ctx context.Context, ev *kernel.Event) {
	m.mu.Lock()
	apps := make([]*session, 0)
	for _, s := range m.sessions {
		if s.events[ev.Type] {
			apps = append(apps, s)
		}
	}
	m.mu.Unlock()

	if len(apps) == 0 {
		return
	}
	obj := buildKernelEvent(ev.Type)
	for _, s := range apps {
		m.deliver(ctx, s, obj)
	}
}

// deliver runs the send off the kernel goroutine, tracked by m.pending so
// PrepareShutdown can wait for it to settle.
func (m *Manager) deliver(ctx context.Context, s *session, obj *dataobject.DataObject) {
	m.mu.Lock()
	sender := m.sender
	m.mu.Unlock()
	if sender == nil {
		return
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if err := sender.Send(ctx, obj, s.node); err != nil {
			m.log.Debug().Err(err).Str("application", s.node.Name).Msg("failed to deliver data object to application")
		}
	}()
}

// Register implements spec §4.3's registration_request contract.
// clientID is the app-supplied id used to detect re-registration;
// sessionID is freshly assigned here.
func (m *Manager) Register(ctx context.Context, name, clientID string) (*Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byClientID[clientID]; exists {
		return &Reply{OK: false, Message: "Already registered"}, nil
	}

	appNode := hnode.New(hnode.TypeApplication, name)
	appNode.AddInterface(m.newApplicationInterfaceLocked())
	m.nodes.Add(appNode)

	sessionID := uuid.NewString()
	m.sessions[sessionID] = &session{
		clientID: clientID,
		node:     appNode,
		events:   make(map[kernel.Type]bool),
	}
	m.byClientID[clientID] = sessionID

	return &Reply{
		OK:          true,
		StoragePath: filepath.Join(m.StorageDir, sessionID),
		SessionID:   sessionID,
	}, nil
}

// newApplicationInterfaceLocked mints a synthetic up interface identifying
// an app node for SenderFor lookups, the same way a real network
// interface identifies a peer. Must be called with m.mu held.
func (m *Manager) newApplicationInterfaceLocked() *hnode.Interface {
	m.nextSlot++
	var id hnode.Identifier
	binary.BigEndian.PutUint32(id[2:], m.nextSlot)
	iface := &hnode.Interface{Type: hnode.InterfaceApplicationPort, Identifier: id}
	iface.SetUp()
	return iface
}

// Deregister implements spec §4.3's deregistration: removes the app node
// and its filter; any delivery already in flight for it simply completes
// (or fails) without being retried, since the session no longer exists to
// retry against.
func (m *Manager) Deregister(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("application: unknown session %q", sessionID)
	}
	m.nodes.Remove(s.node.ID())
	delete(m.sessions, sessionID)
	delete(m.byClientID, s.clientID)
	for t, wanted := range s.events {
		if wanted {
			m.releaseEventLocked(t)
		}
	}
	m.rebuildHostAttributesLocked()
	return nil
}

// RegisterInterest mutates the app node's attribute set and, if thisNode's
// union changed as a result, schedules a node-description broadcast
// (spec §4.3 "register_interest").
func (m *Manager) RegisterInterest(ctx context.Context, sessionID string, attrs []attribute.Attribute) error {
	return m.mutateInterest(sessionID, func(s *session) {
		for _, a := range attrs {
			s.node.Attrs.Add(a)
		}
	})
}

// RemoveInterest is RegisterInterest's inverse (spec §4.3
// "remove_interest").
func (m *Manager) RemoveInterest(ctx context.Context, sessionID string, attrs []attribute.Attribute) error {
	return m.mutateInterest(sessionID, func(s *session) {
		for _, a := range attrs {
			s.node.Attrs.Remove(a)
		}
	})
}

func (m *Manager) mutateInterest(sessionID string, mutate func(*session)) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("application: unknown session %q", sessionID)
	}

	before := m.thisNode.Attrs
	mutate(s)
	m.rebuildHostAttributesLocked()
	changed := !before.Equal(m.thisNode.Attrs)
	m.mu.Unlock()

	if changed {
		m.k.Post(kernel.NewPublic(kernel.TypeNodeDescriptionSend, nil))
	}
	return nil
}

// rebuildHostAttributesLocked recomputes thisNode's attributes as the
// union of every registered app's interests (spec §4.3 "Startup": "the
// host node's attribute set is rebuilt by union of their attributes").
// Must be called with m.mu held.
func (m *Manager) rebuildHostAttributesLocked() {
	sets := make([]*attribute.Set, 0, len(m.sessions))
	for _, s := range m.sessions {
		sets = append(sets, s.node.Attrs)
	}
	m.thisNode.Attrs = attribute.Union(sets...)
}

// RegisterEventInterest subscribes an app session to a public kernel
// event type (spec §4.3 "register_event_interest"). The manager itself
// only asks the kernel to deliver the type once per distinct type in
// use, refcounted across sessions.
func (m *Manager) RegisterEventInterest(ctx context.Context, sessionID string, t kernel.Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("application: unknown session %q", sessionID)
	}
	if s.events[t] {
		return nil
	}
	s.events[t] = true
	if m.eventRefcounts[t] == 0 {
		m.k.Subscribe(m, t)
	}
	m.eventRefcounts[t]++
	return nil
}

func (m *Manager) releaseEventLocked(t kernel.Type) {
	m.eventRefcounts[t]--
	if m.eventRefcounts[t] <= 0 {
		delete(m.eventRefcounts, t)
		m.k.Unsubscribe(m, t)
	}
}

// GetInterests returns the app's current attributes as a control event
// data object (spec §4.3 "get_interests").
func (m *Manager) GetInterests(ctx context.Context, sessionID string) (*dataobject.DataObject, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("application: unknown session %q", sessionID)
	}
	return buildInterestsEvent(s.node.Attrs), nil
}

// GetDataObjects clears the app's Bloom filter and re-runs the match
// filter against the data store, resending every currently matching
// object (spec §4.3 "get_dataobjects").
func (m *Manager) GetDataObjects(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("application: unknown session %q", sessionID)
	}

	s.node.Filter.Reset()
	objs, err := m.dataStore.Query(ctx, s.node.Attrs)
	if err != nil {
		return fmt.Errorf("application: querying data store for %q: %w", sessionID, err)
	}
	for _, obj := range objs {
		s.node.MarkSeen(obj.ID())
		m.deliver(ctx, s, annotateForApp(obj))
	}
	return nil
}

// DeleteDataObject forwards a delete request to the data store (spec
// §4.3 "delete_dataobject").
func (m *Manager) DeleteDataObject(ctx context.Context, id dataobject.ID) error {
	return m.dataStore.Delete(ctx, id)
}

// RequestShutdown implements spec §4.3's "shutdown" IPC op: an app can
// ask the whole daemon to shut down.
func (m *Manager) RequestShutdown() {
	m.k.Shutdown()
}

// annotateForApp returns a shallow copy of obj marked as destined for a
// local application (spec §3 "ForLocalApplication: carries FilePath on
// wire so app can mmap it"), leaving the original untouched since it may
// still be offered to other apps or peers.
func annotateForApp(obj *dataobject.DataObject) *dataobject.DataObject {
	cp := *obj
	cp.ForLocalApplication = true
	return &cp
}
