package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	hnode "github.com/haggle-project/haggled/internal/node"
	"github.com/haggle-project/haggled/internal/store"
)

func runKernel(t *testing.T, k *kernel.Kernel) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()
	return func() {
		cancel()
		<-done
	}
}

type callbackHandler struct {
	name string
	fn   func(*kernel.Event)
}

func (h *callbackHandler) Name() string { return h.name }
func (h *callbackHandler) HandleEvent(_ context.Context, ev *kernel.Event) {
	h.fn(ev)
}
func (h *callbackHandler) Start(context.Context) error          { return nil }
func (h *callbackHandler) PrepareShutdown(context.Context) error { return nil }
func (h *callbackHandler) Shutdown(context.Context) error        { return nil }

func sampleObject(topic string) *dataobject.DataObject {
	obj := dataobject.New()
	obj.AddAttribute(attribute.New("Topic", topic))
	obj.DataState = dataobject.DataVerifiedOK
	return obj
}

func newTestManager(t *testing.T, s store.Store) (*kernel.Kernel, *Manager, *hnode.Node, *hnode.Store) {
	t.Helper()
	k := kernel.New()
	thisNode := hnode.New(hnode.TypeThisNode, "local")
	nodes := hnode.NewStore()
	mgr := New(k, thisNode, nodes, s)
	// Keep the aging sweep from firing mid-test unless a test wants it.
	mgr.AgingPeriod = time.Hour
	k.Register(mgr)
	return k, mgr, thisNode, nodes
}

func TestVerifiedObjectInsertedAndAnnounced(t *testing.T) {
	s := store.NewMemStore()
	k, _, _, _ := newTestManager(t, s)

	news := make(chan *dataobject.DataObject, 1)
	watcher := &callbackHandler{name: "watcher", fn: func(ev *kernel.Event) {
		if obj, ok := ev.Payload.(*dataobject.DataObject); ok {
			news <- obj
		}
	}}
	k.Register(watcher)
	k.Subscribe(watcher, kernel.TypeDataObjectNew)

	stop := runKernel(t, k)
	defer stop()

	obj := sampleObject("weather")
	k.Post(kernel.NewPublic(kernel.TypeDataObjectVerified, obj))

	select {
	case got := <-news:
		require.Equal(t, obj.ID(), got.ID())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dataobject_new")
	}

	stored, err := s.Retrieve(context.Background(), obj.ID())
	require.NoError(t, err)
	require.Equal(t, obj.ID(), stored.ID())
}

func TestDuplicateInsertDoesNotAnnounce(t *testing.T) {
	s := store.NewMemStore()
	k, _, _, _ := newTestManager(t, s)

	var newsCount int
	done := make(chan struct{}, 2)
	watcher := &callbackHandler{name: "watcher", fn: func(ev *kernel.Event) {
		if _, ok := ev.Payload.(*dataobject.DataObject); ok {
			newsCount++
			done <- struct{}{}
		}
	}}
	k.Register(watcher)
	k.Subscribe(watcher, kernel.TypeDataObjectNew)

	stop := runKernel(t, k)
	defer stop()

	obj := sampleObject("weather")
	dup := sampleObject("weather")

	k.Post(kernel.NewPublic(kernel.TypeDataObjectVerified, obj))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first dataobject_new")
	}

	k.Post(kernel.NewPublic(kernel.TypeDataObjectVerified, dup))
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 1, newsCount)
}

func TestBadPayloadIsDroppedWithoutInsert(t *testing.T) {
	s := store.NewMemStore()
	k, _, _, _ := newTestManager(t, s)

	stop := runKernel(t, k)
	defer stop()

	obj := sampleObject("weather")
	obj.DataState = dataobject.DataVerifiedBad

	k.Post(kernel.NewPublic(kernel.TypeDataObjectVerified, obj))
	time.Sleep(50 * time.Millisecond)

	_, err := s.Retrieve(context.Background(), obj.ID())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUnverifiedPayloadIsCheckedThenInserted(t *testing.T) {
	s := store.NewMemStore()
	k, _, _, _ := newTestManager(t, s)

	news := make(chan *dataobject.DataObject, 1)
	watcher := &callbackHandler{name: "watcher", fn: func(ev *kernel.Event) {
		if obj, ok := ev.Payload.(*dataobject.DataObject); ok {
			news <- obj
		}
	}}
	k.Register(watcher)
	k.Subscribe(watcher, kernel.TypeDataObjectNew)

	stop := runKernel(t, k)
	defer stop()

	obj := sampleObject("weather")
	obj.DataState = dataobject.DataNotVerified
	// No payload at all: VerifyPayload reports DataNoData, which is not
	// DataVerifiedBad, so the pipeline still proceeds to insert.

	k.Post(kernel.NewPublic(kernel.TypeDataObjectVerified, obj))

	select {
	case got := <-news:
		require.Equal(t, obj.ID(), got.ID())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dataobject_new")
	}
}

func TestMarkSenderHasObjectSkipsApplications(t *testing.T) {
	s := store.NewMemStore()
	k, _, _, nodes := newTestManager(t, s)

	app := hnode.New(hnode.TypeApplication, "app-a")
	iface := &hnode.Interface{Type: hnode.InterfaceApplicationPort, Identifier: hnode.Identifier{7}}
	iface.SetUp()
	app.AddInterface(iface)
	nodes.Add(app)

	stop := runKernel(t, k)
	defer stop()

	obj := sampleObject("weather")
	obj.RemoteInterfaceID = iface.Identifier.String()
	k.Post(kernel.NewPublic(kernel.TypeDataObjectVerified, obj))

	require.Eventually(t, func() bool {
		_, err := s.Retrieve(context.Background(), obj.ID())
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.False(t, app.HasSeen(obj.ID()))
}

func TestMarkSenderHasObjectMarksPeer(t *testing.T) {
	s := store.NewMemStore()
	k, _, _, nodes := newTestManager(t, s)

	peer := hnode.New(hnode.TypePeer, "peer-a")
	iface := &hnode.Interface{Type: hnode.InterfaceWiFi, Identifier: hnode.Identifier{3}}
	iface.SetUp()
	peer.AddInterface(iface)
	nodes.Add(peer)

	stop := runKernel(t, k)
	defer stop()

	obj := sampleObject("weather")
	obj.RemoteInterfaceID = iface.Identifier.String()
	k.Post(kernel.NewPublic(kernel.TypeDataObjectVerified, obj))

	require.Eventually(t, func() bool {
		return peer.HasSeen(obj.ID())
	}, time.Second, 5*time.Millisecond)
}

func TestAgingDeletesStaleObjectsAndResendsDescription(t *testing.T) {
	s := store.NewMemStore()
	k, mgr, thisNode, _ := newTestManager(t, s)
	mgr.AgingMaxAge = time.Millisecond
	mgr.AgingPeriod = 5 * time.Millisecond

	resent := make(chan struct{}, 1)
	watcher := &callbackHandler{name: "watcher", fn: func(ev *kernel.Event) {
		if ev.Type == kernel.TypeNodeDescriptionSend {
			select {
			case resent <- struct{}{}:
			default:
			}
		}
	}}
	k.Register(watcher)
	k.Subscribe(watcher, kernel.TypeNodeDescriptionSend)

	ctx := context.Background()
	old := sampleObject("rumor")
	old.CreateTime = time.Now().Add(-time.Hour)
	require.NoError(t, s.Insert(ctx, old))
	thisNode.MarkSeen(old.ID())

	stop := runKernel(t, k)
	defer stop()

	require.Eventually(t, func() bool {
		_, err := s.Retrieve(ctx, old.ID())
		return err == store.ErrNotFound
	}, time.Second, 5*time.Millisecond)

	select {
	case <-resent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for node_description_send after aging")
	}

	require.False(t, thisNode.HasSeen(old.ID()))
}
