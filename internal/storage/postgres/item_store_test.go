package postgres

// These tests require a live PostgreSQL instance and are skipped unless
// RECALL_TEST_POSTGRES_DSN is set, e.g.:
//
//	RECALL_TEST_POSTGRES_DSN="postgres://localhost/recall_test?sslmode=disable" go test ./internal/storage/postgres/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

func newTestStore(t *testing.T) *ItemStore {
	t.Helper()

	dsn := os.Getenv("RECALL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RECALL_TEST_POSTGRES_DSN not set; skipping postgres tests")
	}

	s, err := NewItemStore(dsn)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.Exec("DELETE FROM memory_items WHERE user_id LIKE 'pgtest-%'")
		_ = s.Close()
	})
	return s
}

var testSeq int

func testItem(userID string, tier types.Tier) *types.MemoryItem {
	testSeq++
	return &types.MemoryItem{
		ID:             fmt.Sprintf("pgtest-%d-%04d", time.Now().UnixNano(), testSeq),
		UserID:         userID,
		Tier:           tier,
		Text:           "test memory content",
		Embedding:      []float32{0.1, 0.2, 0.3},
		ConfidenceBase: 0.8,
		Importance:     0.5,
		Source:         types.SourceExtracted,
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := testItem("pgtest-user", types.TierProfile)
	item.Subject, item.Predicate, item.Value = "user", "home_city", "Atlanta"
	item.Tags = []string{"location"}
	if err := s.Insert(ctx, item); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}

	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.Value != "Atlanta" || len(got.Embedding) != 3 || len(got.Tags) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	dupe := testItem("pgtest-user", types.TierProfile)
	dupe.Subject, dupe.Predicate, dupe.Value = "user", "home_city", "Seattle"
	if err := s.Insert(ctx, dupe); !errors.Is(err, storage.ErrDuplicateActive) {
		t.Errorf("expected ErrDuplicateActive, got %v", err)
	}

	if err := s.CloseItem(ctx, item.ID, time.Now(), "", 99); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
	if err := s.CloseItem(ctx, item.ID, time.Now(), "", 1); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	if _, err := s.GetActive(ctx, item.Key()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("closed item still active: %v", err)
	}
}

func TestPostgresCorroborate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := testItem("pgtest-user-c", types.TierProfile)
	item.ConfidenceBase = 0.8
	if err := s.Insert(ctx, item); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}

	if err := s.Corroborate(ctx, item.ID, time.Now().Add(time.Hour), 0.6); err != nil {
		t.Fatalf("failed to corroborate: %v", err)
	}

	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SeenCount != 2 {
		t.Errorf("expected seen_count 2, got %d", got.SeenCount)
	}
	if got.ConfidenceBase < 0.699 || got.ConfidenceBase > 0.701 {
		t.Errorf("expected blended confidence 0.7, got %.3f", got.ConfidenceBase)
	}
}
