// Package kernel implements Haggle's single-threaded event dispatcher: a
// priority timer queue combined with a channel-fed readiness loop that
// serialises all manager work onto one control goroutine, while worker
// goroutines (protocol connections, store queries) run in parallel and
// report back as events (spec §4.1 "Kernel & Event Loop").
package kernel

import "time"

// Type identifies an event. The low values are reserved for kernel- and
// manager-defined public events; application-registered event ids (spec
// §4.3 `register_event_interest`) are allocated above Custom.
type Type int

const (
	// TypeUndefined is the zero value; never a valid event to post.
	TypeUndefined Type = iota

	// Lifecycle (broadcast).
	TypeShutdown // kernel shutdown has begun; all managers must quiesce

	// Connectivity (broadcast).
	TypeNeighbourUp
	TypeNeighbourDown
	TypeInterfaceUp
	TypeInterfaceDown
	TypeNodeContactNew // spec §4.6: a node store entry just became a neighbour
	TypeNodeContactEnd

	// Node model (broadcast).
	TypeNodeUpdated
	TypeNodeDescriptionReceived
	TypeNodeDescriptionSend // spec §4.4: interests changed enough to re-push

	// Data object lifecycle (broadcast).
	TypeDataObjectNew
	TypeDataObjectIncoming // spec §4.7: metadata parsed, accept/reject pending
	TypeDataObjectReceived // spec §4.7: payload fully received
	TypeDataObjectVerified
	TypeDataObjectSend // spec §4.9: about to be pushed to the wire
	TypeDataObjectSent
	TypeDataObjectSendFailed
	TypeDataObjectDeleted

	// Forwarding (broadcast, spec §4.6's "Filter Forwarding=*").
	TypeForwardingCandidate

	// Custom is the first id available for application-registered public
	// events (spec §4.3).
	Custom Type = 1000
)

func (t Type) String() string {
	switch t {
	case TypeShutdown:
		return "shutdown"
	case TypeNeighbourUp:
		return "neighbour_up"
	case TypeNeighbourDown:
		return "neighbour_down"
	case TypeInterfaceUp:
		return "interface_up"
	case TypeInterfaceDown:
		return "interface_down"
	case TypeNodeContactNew:
		return "node_contact_new"
	case TypeNodeContactEnd:
		return "node_contact_end"
	case TypeNodeUpdated:
		return "node_updated"
	case TypeNodeDescriptionReceived:
		return "node_description_received"
	case TypeNodeDescriptionSend:
		return "node_description_send"
	case TypeDataObjectNew:
		return "dataobject_new"
	case TypeDataObjectIncoming:
		return "dataobject_incoming"
	case TypeDataObjectReceived:
		return "dataobject_received"
	case TypeDataObjectVerified:
		return "dataobject_verified"
	case TypeDataObjectSend:
		return "dataobject_send"
	case TypeDataObjectSent:
		return "dataobject_sent"
	case TypeDataObjectSendFailed:
		return "dataobject_send_failed"
	case TypeDataObjectDeleted:
		return "dataobject_deleted"
	case TypeForwardingCandidate:
		return "forwarding_candidate"
	default:
		if t >= Custom {
			return "custom"
		}
		return "undefined"
	}
}

// Event is a unit of dispatch. Public events carry Type and fan out to
// every handler currently registered interest in it; private events carry
// a bound Reply closure instead and are delivered to exactly one
// recipient — the asynchronous store-query reply mechanism spec §4.4
// describes.
type Event struct {
	Type Type

	// Reply is set only for private events: the closure bound by the
	// caller that issued the asynchronous request (e.g. a data store
	// query), invoked directly instead of going through Subscribe.
	Reply func(*Event)

	// Payload carries the event data; its concrete type depends on Type
	// (e.g. *dataobject.DataObject for TypeDataObjectNew, a QueryResult
	// for a store-reply private event).
	Payload any

	firedAt time.Time
}

// IsPrivate reports whether this is a private (bound-callback) event.
func (e *Event) IsPrivate() bool { return e.Reply != nil }

// NewPrivate creates a private event addressed to reply's caller.
func NewPrivate(payload any, reply func(*Event)) *Event {
	return &Event{Payload: payload, Reply: reply}
}

// NewPublic creates a public (broadcast) event of the given type.
func NewPublic(t Type, payload any) *Event {
	return &Event{Type: t, Payload: payload}
}
