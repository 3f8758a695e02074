// Package audit records security events for later review.
//
// Events reference actors only by pseudonymous user token; raw identity
// and network addresses never enter the audit trail.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/xusdt/escrow-core/internal/idgen"
	"github.com/xusdt/escrow-core/internal/metrics"
)

// Event kinds.
const (
	KindInvalidSignature  = "invalid_signature"
	KindUnauthorizedCall  = "unauthorized_call"
	KindResolutionReplay  = "resolution_replay"
	KindMalformedEvidence = "malformed_evidence"
)

// Event is a recorded security event.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	ActorToken string    `json:"actorToken,omitempty"` // Pseudonymous, never raw identity
	EscrowID   string    `json:"escrowId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists security events.
type Store interface {
	Create(ctx context.Context, event *Event) error
	List(ctx context.Context, kind string, limit int) ([]*Event, error)
}

// Recorder writes events to a store and keeps the metrics current.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a new event recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record stores a security event. Failures are logged, not propagated:
// audit must never block the operation that triggered it.
func (r *Recorder) Record(ctx context.Context, kind, actorToken, escrowID, detail string) {
	event := &Event{
		ID:         idgen.WithPrefix("evt_"),
		Kind:       kind,
		ActorToken: actorToken,
		EscrowID:   escrowID,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}

	if err := r.store.Create(ctx, event); err != nil {
		r.logger.Error("failed to record security event",
			"kind", kind, "escrow", escrowID, "error", err)
		return
	}

	metrics.SecurityEventsTotal.WithLabelValues(kind).Inc()
	r.logger.Warn("security event",
		"kind", kind, "escrow", escrowID, "detail", detail)
}
