// Package observe defines the observability hook the agent reports
// structured turn events through. The default sink discards everything;
// SlogHook forwards events to a slog.Logger.
package observe

import "log/slog"

// Kind identifies the event type.
type Kind string

const (
	TurnStarted        Kind = "turn_started"
	RetrievalCompleted Kind = "retrieval_completed"
	ToolInvoked        Kind = "tool_invoked"
	ToolFailed         Kind = "tool_failed"
	LLMCompleted       Kind = "llm_completed"
	LLMRetried         Kind = "llm_retried"
	TurnPersisted      Kind = "turn_persisted"
	TurnFailed         Kind = "turn_failed"
)

// Event is a single structured observation. Only the fields relevant to
// the Kind are populated.
type Event struct {
	Kind          Kind
	SessionID     string
	CorrelationID string

	// retrieval_completed
	Count     int
	LatencyMS int64

	// tool_invoked / tool_failed
	Tool string

	// llm_completed
	TokensIn  int
	TokensOut int

	// turn_failed
	Stage  string
	Reason string
}

// Hook receives agent events. Implementations must be safe for
// concurrent use; Emit must never block the turn for long.
type Hook interface {
	Emit(e Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(Event) {}

// SlogHook writes events as structured log records.
type SlogHook struct {
	Logger *slog.Logger
}

// NewSlogHook creates a hook backed by the given logger, or the default
// logger when nil.
func NewSlogHook(l *slog.Logger) *SlogHook {
	if l == nil {
		l = slog.Default()
	}
	return &SlogHook{Logger: l}
}

func (h *SlogHook) Emit(e Event) {
	attrs := []any{
		"session_id", e.SessionID,
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", e.CorrelationID)
	}
	switch e.Kind {
	case RetrievalCompleted:
		attrs = append(attrs, "count", e.Count, "latency_ms", e.LatencyMS)
	case ToolInvoked, ToolFailed:
		attrs = append(attrs, "tool", e.Tool)
		if e.Reason != "" {
			attrs = append(attrs, "reason", e.Reason)
		}
	case LLMCompleted:
		attrs = append(attrs, "tokens_in", e.TokensIn, "tokens_out", e.TokensOut, "latency_ms", e.LatencyMS)
	case LLMRetried:
		attrs = append(attrs, "reason", e.Reason)
	case TurnFailed:
		attrs = append(attrs, "stage", e.Stage, "reason", e.Reason)
		h.Logger.Warn(string(e.Kind), attrs...)
		return
	}
	h.Logger.Info(string(e.Kind), attrs...)
}
