package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	hnode "github.com/haggle-project/haggled/internal/node"
)

var errSendFailed = errors.New("send failed")

type recordedSend struct {
	obj    *dataobject.DataObject
	target *hnode.Node
}

type fakeSender struct {
	mu   sync.Mutex
	sent []recordedSend
	fail int // number of leading Send calls to fail, then succeed
}

func (f *fakeSender) Send(_ context.Context, obj *dataobject.DataObject, target *hnode.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errSendFailed
	}
	f.sent = append(f.sent, recordedSend{obj: obj, target: target})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

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

func TestNeighbourUpPushesDescriptionUnlessAlreadySeen(t *testing.T) {
	k := kernel.New()
	thisNode := hnode.New(hnode.TypeThisNode, "local")
	nodes := hnode.NewStore()
	sender := &fakeSender{}
	mgr := New(k, thisNode, nodes, sender)
	k.Register(mgr)

	stop := runKernel(t, k)
	defer stop()

	neighbour := hnode.New(hnode.TypePeer, "peer-a")
	iface := &hnode.Interface{Type: hnode.InterfaceWiFi, Identifier: hnode.Identifier{1}}
	iface.SetUp()
	neighbour.AddInterface(iface)
	nodes.Add(neighbour)

	k.Post(kernel.NewPublic(kernel.TypeNeighbourUp, neighbour))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	// Already-seen neighbours must not get a redundant push.
	neighbour.MarkSeen(thisNode.ID())
	k.Post(kernel.NewPublic(kernel.TypeNeighbourUp, neighbour))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, sender.count())
}

func TestNodeDescriptionSendPushesToEveryNeighbour(t *testing.T) {
	k := kernel.New()
	thisNode := hnode.New(hnode.TypeThisNode, "local")
	nodes := hnode.NewStore()
	sender := &fakeSender{}
	mgr := New(k, thisNode, nodes, sender)
	k.Register(mgr)

	stop := runKernel(t, k)
	defer stop()

	for _, name := range []string{"peer-a", "peer-b"} {
		n := hnode.New(hnode.TypePeer, name)
		iface := &hnode.Interface{Type: hnode.InterfaceWiFi, Identifier: hnode.Identifier{byte(len(name))}}
		iface.SetUp()
		n.AddInterface(iface)
		nodes.Add(n)
	}

	k.Post(kernel.NewPublic(kernel.TypeNodeDescriptionSend, nil))
	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDescriptionReceivedIgnoresSelf(t *testing.T) {
	k := kernel.New()
	thisNode := hnode.New(hnode.TypeThisNode, "local")
	nodes := hnode.NewStore()
	mgr := New(k, thisNode, nodes, &fakeSender{})
	k.Register(mgr)

	stop := runKernel(t, k)
	defer stop()

	self := BuildDescription(thisNode, false)
	k.Post(kernel.NewPublic(kernel.TypeNodeDescriptionReceived, self))
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 0, nodes.Len())
}

func TestDirectDescriptionIsStoredAndRaisesNodeUpdated(t *testing.T) {
	k := kernel.New()
	thisNode := hnode.New(hnode.TypeThisNode, "local")
	nodes := hnode.NewStore()
	mgr := New(k, thisNode, nodes, &fakeSender{})
	k.Register(mgr)

	updates := make(chan *hnode.Node, 1)
	watcher := &callbackHandler{name: "watcher", fn: func(ev *kernel.Event) {
		if n, ok := ev.Payload.(*hnode.Node); ok {
			updates <- n
		}
	}}
	k.Register(watcher)
	k.Subscribe(watcher, kernel.TypeNodeUpdated)

	stop := runKernel(t, k)
	defer stop()

	peer := hnode.New(hnode.TypePeer, "peer-a")
	peer.Attrs.Add(attribute.New("Topic", "weather"))
	iface := &hnode.Interface{Type: hnode.InterfaceWiFi, Identifier: hnode.Identifier{9}}
	iface.SetUp()
	peer.AddInterface(iface)

	obj := BuildDescription(peer, true)
	obj.RemoteInterfaceID = iface.Identifier.String()

	k.Post(kernel.NewPublic(kernel.TypeNodeDescriptionReceived, obj))

	select {
	case got := <-updates:
		require.Equal(t, peer.ID(), got.ID())
		require.True(t, got.Attrs.Has(attribute.New("Topic", "weather")))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for node_updated")
	}
}

func TestThirdPartyDescriptionWithEqualCreateTimeIsDropped(t *testing.T) {
	k := kernel.New()
	thisNode := hnode.New(hnode.TypeThisNode, "local")
	nodes := hnode.NewStore()
	mgr := New(k, thisNode, nodes, &fakeSender{})
	k.Register(mgr)

	stop := runKernel(t, k)
	defer stop()

	peer := hnode.New(hnode.TypePeer, "peer-a")
	createTime := time.Now().Add(-time.Hour)
	peer.CreateTime = createTime
	nodes.Add(peer)

	obj := BuildDescription(peer, false)
	obj.CreateTime = createTime // equal to the stored copy, not strictly newer
	obj.RemoteInterfaceID = ""  // arrives indirectly (third-party relay)

	k.Post(kernel.NewPublic(kernel.TypeNodeDescriptionReceived, obj))
	time.Sleep(20 * time.Millisecond)

	got, ok := nodes.Get(peer.ID())
	require.True(t, ok)
	require.True(t, got.CreateTime.Equal(createTime), "equal create time must be dropped, not restamped")
}

func TestThirdPartyDescriptionWithNewerCreateTimeReplacesAndTakesMax(t *testing.T) {
	k := kernel.New()
	thisNode := hnode.New(hnode.TypeThisNode, "local")
	nodes := hnode.NewStore()
	mgr := New(k, thisNode, nodes, &fakeSender{})
	k.Register(mgr)

	updates := make(chan *hnode.Node, 1)
	watcher := &callbackHandler{name: "watcher", fn: func(ev *kernel.Event) {
		if n, ok := ev.Payload.(*hnode.Node); ok {
			updates <- n
		}
	}}
	k.Register(watcher)
	k.Subscribe(watcher, kernel.TypeNodeUpdated)

	stop := runKernel(t, k)
	defer stop()

	oldTime := time.Now().Add(-time.Hour)
	peer := hnode.New(hnode.TypePeer, "peer-a")
	peer.CreateTime = oldTime
	nodes.Add(peer)

	newTime := time.Now()
	obj := BuildDescription(peer, false)
	obj.CreateTime = newTime
	obj.RemoteInterfaceID = ""

	k.Post(kernel.NewPublic(kernel.TypeNodeDescriptionReceived, obj))

	select {
	case got := <-updates:
		require.True(t, got.CreateTime.Equal(newTime), "merge result's create time must be max(old, new)")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for node_updated")
	}
}

// callbackHandler is a minimal EventHandler for tests that only need to
// observe a public event, without the bookkeeping recordingHandler-style
// tests elsewhere in the module use.
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
