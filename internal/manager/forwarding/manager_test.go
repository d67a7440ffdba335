package forwarding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	"github.com/haggle-project/haggled/internal/metadata"
	hnode "github.com/haggle-project/haggled/internal/node"
	"github.com/haggle-project/haggled/internal/prophet"
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

// fakeSender records every send it is asked to make and optionally fails
// the first N attempts for a given object id, to exercise the
// retry-once-then-drop path.
type fakeSender struct {
	mu    sync.Mutex
	sent  []sentRecord
	failN map[dataobject.ID]int
}

type sentRecord struct {
	obj  dataobject.ID
	node dataobject.ID
}

func newFakeSender() *fakeSender {
	return &fakeSender{failN: make(map[dataobject.ID]int)}
}

func (f *fakeSender) Send(_ context.Context, obj *dataobject.DataObject, target *hnode.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failN[obj.ID()]; n > 0 {
		f.failN[obj.ID()] = n - 1
		return errSendFailed
	}
	f.sent = append(f.sent, sentRecord{obj: obj.ID(), node: target.ID()})
	return nil
}

func (f *fakeSender) count(objID dataobject.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.sent {
		if r.obj == objID {
			n++
		}
	}
	return n
}

type sendFailedErr struct{}

func (sendFailedErr) Error() string { return "send failed" }

var errSendFailed = sendFailedErr{}

func sampleObject(topic string) *dataobject.DataObject {
	obj := dataobject.New()
	obj.AddAttribute(attribute.New("Topic", topic))
	obj.DataState = dataobject.DataVerifiedOK
	return obj
}

func newHarness(t *testing.T, fwd Forwarder) (*kernel.Kernel, *Manager, *hnode.Node, *hnode.Store, *fakeSender) {
	t.Helper()
	k := kernel.New()
	thisNode := hnode.New(hnode.TypeThisNode, "local")
	nodes := hnode.NewStore()
	s := store.NewMemStore()
	sender := newFakeSender()
	mgr := New(k, thisNode, nodes, s, fwd, sender)
	mgr.DelayedQueryWait = 20 * time.Millisecond
	mgr.PeriodicQueryInterval = time.Hour
	k.Register(mgr)
	return k, mgr, thisNode, nodes, sender
}

func neighbour(name string) *hnode.Node {
	n := hnode.New(hnode.TypePeer, name)
	iface := &hnode.Interface{Type: hnode.InterfaceWiFi, Identifier: hnode.Identifier{byte(len(name))}}
	iface.SetUp()
	n.AddInterface(iface)
	return n
}

func TestDataObjectNewOffersToInterestedNeighbour(t *testing.T) {
	k, _, _, nodes, sender := newHarness(t, NoopForwarder{})
	peer := neighbour("peer-a")
	peer.Attrs.Add(attribute.New("Topic", "weather"))
	nodes.Add(peer)

	stop := runKernel(t, k)
	defer stop()

	obj := sampleObject("weather")
	k.Post(kernel.NewPublic(kernel.TypeDataObjectNew, obj))

	require.Eventually(t, func() bool {
		return sender.count(obj.ID()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDataObjectNewSkipsObjectsAlreadySeenByTarget(t *testing.T) {
	k, _, _, nodes, sender := newHarness(t, NoopForwarder{})
	peer := neighbour("peer-a")
	peer.Attrs.Add(attribute.New("Topic", "weather"))
	nodes.Add(peer)

	obj := sampleObject("weather")
	peer.MarkSeen(obj.ID())

	stop := runKernel(t, k)
	defer stop()

	k.Post(kernel.NewPublic(kernel.TypeDataObjectNew, obj))
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, sender.count(obj.ID()))
}

func TestDataObjectNewSkipsWhenNoNeighbours(t *testing.T) {
	k, _, _, _, sender := newHarness(t, NoopForwarder{})

	stop := runKernel(t, k)
	defer stop()

	obj := sampleObject("weather")
	k.Post(kernel.NewPublic(kernel.TypeDataObjectNew, obj))
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, sender.count(obj.ID()))
}

func TestRoutingInformationObjectIsNotTreatedAsContent(t *testing.T) {
	k, _, _, nodes, sender := newHarness(t, NewProphetForwarder(prophet.GRTR{}))
	peer := neighbour("peer-a")
	nodes.Add(peer)

	stop := runKernel(t, k)
	defer stop()

	obj := dataobject.New()
	obj.AddAttribute(attribute.New(ForwardingAttrName, prophet.MetadataName))
	obj.Metadata = metadata.New(prophet.MetadataName, "")
	obj.DataState = dataobject.DataVerifiedOK

	k.Post(kernel.NewPublic(kernel.TypeDataObjectNew, obj))
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, sender.count(obj.ID()))
}

func TestForwardingCandidateFeedsForwarderWithoutPanicking(t *testing.T) {
	fwd := NewProphetForwarder(prophet.GRTR{})
	k, _, _, nodes, _ := newHarness(t, fwd)
	peer := neighbour("peer-a")
	iface := peer.Interfaces()[0]
	nodes.Add(peer)

	stop := runKernel(t, k)
	defer stop()

	obj := dataobject.New()
	obj.Metadata = metadata.New(prophet.MetadataName, "")
	obj.RemoteInterfaceID = iface.Identifier.String()

	k.Post(kernel.NewPublic(kernel.TypeForwardingCandidate, obj))
	time.Sleep(50 * time.Millisecond)
}

func TestNodeUpdatedCancelsPendingDelayedQuery(t *testing.T) {
	k, mgr, _, nodes, _ := newHarness(t, NoopForwarder{})
	mgr.DelayedQueryWait = time.Hour // would never fire within the test

	peer := neighbour("peer-a")
	peer.Attrs.Add(attribute.New("Topic", "weather"))
	nodes.Add(peer)

	stop := runKernel(t, k)
	defer stop()

	k.Post(kernel.NewPublic(kernel.TypeNodeContactNew, peer))
	time.Sleep(20 * time.Millisecond)

	k.Post(kernel.NewPublic(kernel.TypeNodeUpdated, peer))
	time.Sleep(20 * time.Millisecond)

	mgr.mu.Lock()
	_, stillPending := mgr.pendingQuery[peer.ID()]
	mgr.mu.Unlock()
	require.False(t, stillPending)
}

func TestNodeContactEndCancelsPendingQuery(t *testing.T) {
	k, mgr, _, nodes, _ := newHarness(t, NoopForwarder{})
	mgr.DelayedQueryWait = time.Hour

	peer := neighbour("peer-a")
	nodes.Add(peer)

	stop := runKernel(t, k)
	defer stop()

	k.Post(kernel.NewPublic(kernel.TypeNodeContactNew, peer))
	time.Sleep(20 * time.Millisecond)

	k.Post(kernel.NewPublic(kernel.TypeNodeContactEnd, peer))
	time.Sleep(20 * time.Millisecond)

	mgr.mu.Lock()
	_, stillPending := mgr.pendingQuery[peer.ID()]
	mgr.mu.Unlock()
	require.False(t, stillPending)
}

func TestSendRetriesOnceThenSucceeds(t *testing.T) {
	k, _, _, nodes, sender := newHarness(t, NoopForwarder{})
	peer := neighbour("peer-a")
	peer.Attrs.Add(attribute.New("Topic", "weather"))
	nodes.Add(peer)

	obj := sampleObject("weather")
	sender.mu.Lock()
	sender.failN[obj.ID()] = 1
	sender.mu.Unlock()

	stop := runKernel(t, k)
	defer stop()

	k.Post(kernel.NewPublic(kernel.TypeDataObjectNew, obj))

	require.Eventually(t, func() bool {
		return sender.count(obj.ID()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSendDropsAfterTwoFailures(t *testing.T) {
	k, _, _, nodes, sender := newHarness(t, NoopForwarder{})
	peer := neighbour("peer-a")
	peer.Attrs.Add(attribute.New("Topic", "weather"))
	nodes.Add(peer)

	obj := sampleObject("weather")
	sender.mu.Lock()
	sender.failN[obj.ID()] = 2
	sender.mu.Unlock()

	stop := runKernel(t, k)
	defer stop()

	k.Post(kernel.NewPublic(kernel.TypeDataObjectNew, obj))
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, 0, sender.count(obj.ID()))
}

func TestShouldForwardSkipsNodeDescriptionBackToDescribedNode(t *testing.T) {
	peer := neighbour("peer-a")

	obj := dataobject.New()
	obj.IsNodeDescription = true
	obj.Metadata = metadata.New("Node", "")
	obj.Metadata.AddMetadata("Name", peer.Name)

	require.False(t, shouldForward(obj, peer))
}

func TestShouldForwardAllowsNodeDescriptionToOtherNodes(t *testing.T) {
	peer := neighbour("peer-a")

	obj := dataobject.New()
	obj.IsNodeDescription = true
	obj.Metadata = metadata.New("Node", "")
	obj.Metadata.AddMetadata("Name", "someone-else")

	require.True(t, shouldForward(obj, peer))
}

func TestShouldForwardSkipsAlreadySeenObject(t *testing.T) {
	peer := neighbour("peer-a")
	obj := sampleObject("weather")
	peer.MarkSeen(obj.ID())

	require.False(t, shouldForward(obj, peer))
}
