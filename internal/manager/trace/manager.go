// Package trace implements Haggle's debug/trace manager (spec §1 notes
// the original's DebugManager.cpp; supplemented per SPEC_FULL.md §4):
// a manager that subscribes to every public kernel event and writes a
// structured trace line per event, enabled by the daemon's -f flag.
package trace

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/haggle-project/haggled/internal/kernel"
)

// tracedTypes lists every public event type worth a trace line. Excludes
// TypeUndefined (never posted) and the Custom range (application-defined
// events already visible to the app that registered them).
var tracedTypes = []kernel.Type{
	kernel.TypeShutdown,
	kernel.TypeNeighbourUp,
	kernel.TypeNeighbourDown,
	kernel.TypeInterfaceUp,
	kernel.TypeInterfaceDown,
	kernel.TypeNodeContactNew,
	kernel.TypeNodeContactEnd,
	kernel.TypeNodeUpdated,
	kernel.TypeNodeDescriptionReceived,
	kernel.TypeNodeDescriptionSend,
	kernel.TypeDataObjectNew,
	kernel.TypeDataObjectIncoming,
	kernel.TypeDataObjectReceived,
	kernel.TypeDataObjectVerified,
	kernel.TypeDataObjectSend,
	kernel.TypeDataObjectSent,
	kernel.TypeDataObjectSendFailed,
	kernel.TypeDataObjectDeleted,
	kernel.TypeForwardingCandidate,
}

// Manager writes one log line per traced kernel event to w. It never
// mutates daemon state; it exists purely for observability.
type Manager struct {
	k   *kernel.Kernel
	log zerolog.Logger
}

// New creates a trace manager writing through w (the -f file, or any
// io.Writer a caller supplies in tests).
func New(k *kernel.Kernel, w io.Writer) *Manager {
	return &Manager{
		k:   k,
		log: zerolog.New(w).With().Timestamp().Logger(),
	}
}

func (m *Manager) Name() string { return "trace" }

func (m *Manager) Start(ctx context.Context) error {
	for _, t := range tracedTypes {
		m.k.Subscribe(m, t)
	}
	return nil
}

func (m *Manager) PrepareShutdown(ctx context.Context) error { return nil }

func (m *Manager) Shutdown(ctx context.Context) error { return nil }

func (m *Manager) HandleEvent(ctx context.Context, ev *kernel.Event) {
	m.log.Info().
		Str("event", ev.Type.String()).
		Interface("payload", payloadSummary(ev.Payload)).
		Msg("event")
}

// payloadSummary avoids dumping an entire data object or node graph into
// every trace line; a %T-ish summary is enough to follow the sequence of
// events without the log exploding in size.
func payloadSummary(payload any) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload.(interface{ String() string }); ok {
		return s.String()
	}
	return "<unprintable>"
}
