package audit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_Record(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, testLogger())

	rec.Record(context.Background(), KindInvalidSignature, "token-a", "esc_1", "bad sig")

	events, err := store.List(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	e := events[0]
	if e.Kind != KindInvalidSignature {
		t.Errorf("Kind = %s, want %s", e.Kind, KindInvalidSignature)
	}
	if e.ActorToken != "token-a" {
		t.Errorf("ActorToken = %s, want token-a", e.ActorToken)
	}
	if !strings.HasPrefix(e.ID, "evt_") {
		t.Errorf("ID = %s, want evt_ prefix", e.ID)
	}
}

func TestMemoryStore_ListFiltersByKind(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, testLogger())
	ctx := context.Background()

	rec.Record(ctx, KindInvalidSignature, "a", "esc_1", "")
	rec.Record(ctx, KindUnauthorizedCall, "b", "esc_2", "")
	rec.Record(ctx, KindInvalidSignature, "c", "esc_3", "")

	events, err := store.List(ctx, KindInvalidSignature, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, e := range events {
		if e.Kind != KindInvalidSignature {
			t.Errorf("unexpected kind %s in filtered list", e.Kind)
		}
	}
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, testLogger())
	ctx := context.Background()

	rec.Record(ctx, KindUnauthorizedCall, "a", "esc_first", "")
	rec.Record(ctx, KindUnauthorizedCall, "b", "esc_second", "")

	events, _ := store.List(ctx, "", 10)
	if events[0].EscrowID != "esc_second" {
		t.Errorf("expected newest event first, got %s", events[0].EscrowID)
	}
}

func TestHandler_ListEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	rec := NewRecorder(store, testLogger())
	rec.Record(context.Background(), KindInvalidSignature, "token-a", "esc_1", "bad sig")

	r := gin.New()
	NewHandler(store).RegisterAdminRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/audit/events?kind=invalid_signature", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid_signature") {
		t.Errorf("expected event in response, got %s", w.Body.String())
	}
}
