package application

import (
	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/kernel"
	"github.com/haggle-project/haggled/internal/metadata"
)

// ControlEventAttrName is the attribute every "Application.Control.Event"
// data object carries, so a local app's IPC layer can distinguish control
// notifications from ordinary content (spec §4.3 "the app receives those
// events as specially-crafted data objects of type
// Application.Control.Event").
const ControlEventAttrName = "Application.Control.Event"

const (
	metaControlEvent = "ControlEvent"
	metaAttr         = "Attr"
	paramName        = "name"
	paramKind        = "kind"
	paramKernelEvent = "event"

	kindInterests = "interests"
	kindKernel    = "kernel-event"
	kindShutdown  = "shutdown"
)

// newControlEvent builds the common envelope every control event shares:
// non-persistent, tagged with ControlEventAttrName, with a ControlEvent
// metadata root carrying the given kind.
func newControlEvent(kind string) (*dataobject.DataObject, *metadata.Metadata) {
	obj := dataobject.New()
	obj.Persistent = false
	obj.AddAttribute(attribute.New(ControlEventAttrName, attribute.Wildcard))

	root := metadata.New(metaControlEvent, "")
	root.SetParameter(paramKind, kind)
	obj.Metadata = root
	return obj, root
}

// buildInterestsEvent answers spec §4.3's get_interests op: the app's
// current attribute set, rendered the same way a node description
// renders its own (spec §4.4's Attr metadata convention).
func buildInterestsEvent(attrs *attribute.Set) *dataobject.DataObject {
	obj, root := newControlEvent(kindInterests)
	for _, a := range attrs.All() {
		attrNode := root.AddMetadata(metaAttr, a.Value)
		attrNode.SetParameter(paramName, a.Name)
	}
	return obj
}

// buildKernelEvent wraps a subscribed public kernel event for relay to an
// app that asked for it via register_event_interest.
func buildKernelEvent(t kernel.Type) *dataobject.DataObject {
	obj, root := newControlEvent(kindKernel)
	root.SetParameter(paramKernelEvent, t.String())
	return obj
}

// buildShutdownEvent is broadcast to every registered app during
// PrepareShutdown (spec §4.3 "Shutdown").
func buildShutdownEvent() *dataobject.DataObject {
	obj, _ := newControlEvent(kindShutdown)
	return obj
}
