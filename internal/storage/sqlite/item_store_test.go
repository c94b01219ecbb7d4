package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

func newTestStore(t *testing.T) *ItemStore {
	t.Helper()
	s, err := NewItemStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var testSeq int

func testItem(userID string, tier types.Tier) *types.MemoryItem {
	testSeq++
	return &types.MemoryItem{
		ID:             fmt.Sprintf("item-%04d", testSeq),
		UserID:         userID,
		Tier:           tier,
		Text:           "test memory content",
		Embedding:      []float32{0.1, 0.2, 0.3},
		ConfidenceBase: 0.8,
		Importance:     0.5,
		Source:         types.SourceExtracted,
	}
}

func mustInsert(t *testing.T, s *ItemStore, item *types.MemoryItem) {
	t.Helper()
	if err := s.Insert(context.Background(), item); err != nil {
		t.Fatalf("failed to insert item %s: %v", item.ID, err)
	}
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := testItem("user-1", types.TierProfile)
	item.Subject = "user"
	item.Predicate = "home_city"
	item.Value = "Atlanta"
	item.Tags = []string{"location"}
	mustInsert(t, s, item)

	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to get item: %v", err)
	}

	if got.UserID != "user-1" || got.Tier != types.TierProfile {
		t.Errorf("identity fields not round-tripped: %+v", got)
	}
	if got.Value != "Atlanta" {
		t.Errorf("expected value Atlanta, got %q", got.Value)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != 0.2 {
		t.Errorf("embedding not round-tripped: %v", got.Embedding)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "location" {
		t.Errorf("tags not round-tripped: %v", got.Tags)
	}
	if got.ValidTo != nil {
		t.Error("new item should have open validity")
	}
	if got.SeenCount != 1 || got.Version != 1 {
		t.Errorf("expected seen_count=1 version=1, got %d/%d", got.SeenCount, got.Version)
	}
	if !got.IsActive() {
		t.Error("new item should be active")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateActiveKeyRejected(t *testing.T) {
	s := newTestStore(t)

	first := testItem("user-1", types.TierProfile)
	first.Subject, first.Predicate, first.Value = "user", "home_city", "Atlanta"
	mustInsert(t, s, first)

	second := testItem("user-1", types.TierProfile)
	second.Subject, second.Predicate, second.Value = "user", "home_city", "Seattle"
	err := s.Insert(context.Background(), second)
	if !errors.Is(err, storage.ErrDuplicateActive) {
		t.Fatalf("expected ErrDuplicateActive, got %v", err)
	}

	// Same key for a different user is fine.
	other := testItem("user-2", types.TierProfile)
	other.Subject, other.Predicate, other.Value = "user", "home_city", "Seattle"
	mustInsert(t, s, other)

	// Unkeyed items are exempt from the constraint.
	mustInsert(t, s, testItem("user-1", types.TierEpisodic))
	mustInsert(t, s, testItem("user-1", types.TierEpisodic))
}

func TestGetActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := testItem("user-1", types.TierProfile)
	item.Subject, item.Predicate, item.Value = "user", "favorite_color", "green"
	mustInsert(t, s, item)

	got, err := s.GetActive(ctx, types.ItemKey{UserID: "user-1", Subject: "user", Predicate: "favorite_color"})
	if err != nil {
		t.Fatalf("failed to get active item: %v", err)
	}
	if got.ID != item.ID {
		t.Errorf("expected item %s, got %s", item.ID, got.ID)
	}

	_, err = s.GetActive(ctx, types.ItemKey{UserID: "user-1", Subject: "user", Predicate: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for absent key, got %v", err)
	}
}

func TestCloseItemVersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := testItem("user-1", types.TierProfile)
	item.Subject, item.Predicate, item.Value = "user", "home_city", "Atlanta"
	mustInsert(t, s, item)

	// Wrong expected version must not close the item.
	err := s.CloseItem(ctx, item.ID, time.Now(), "successor-1", 99)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	if err := s.CloseItem(ctx, item.ID, time.Now(), "successor-1", 1); err != nil {
		t.Fatalf("failed to close item: %v", err)
	}

	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to re-read item: %v", err)
	}
	if got.ValidTo == nil || got.SupersededByID != "successor-1" {
		t.Errorf("close not applied: %+v", got)
	}
	if got.IsActive() {
		t.Error("closed item must not be active")
	}

	// Closing an already-closed item is a conflict, never a double close.
	err = s.CloseItem(ctx, item.ID, time.Now(), "successor-2", got.Version)
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on second close, got %v", err)
	}

	if err := s.CloseItem(ctx, "missing", time.Now(), "", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing item, got %v", err)
	}
}

func TestCloseReleasesKeyForSuccessor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testItem("user-1", types.TierProfile)
	old.Subject, old.Predicate, old.Value = "user", "home_city", "Atlanta"
	mustInsert(t, s, old)

	if err := s.CloseItem(ctx, old.ID, time.Now(), "", 1); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	successor := testItem("user-1", types.TierProfile)
	successor.Subject, successor.Predicate, successor.Value = "user", "home_city", "Seattle"
	successor.SupersedesID = old.ID
	mustInsert(t, s, successor)

	got, err := s.GetActive(ctx, old.Key())
	if err != nil {
		t.Fatalf("failed to get active: %v", err)
	}
	if got.Value != "Seattle" {
		t.Errorf("expected successor to be active, got value %q", got.Value)
	}
}

func TestCorroborate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := testItem("user-1", types.TierProfile)
	item.ConfidenceBase = 0.8
	mustInsert(t, s, item)

	seenAt := time.Now().Add(time.Hour)
	if err := s.Corroborate(ctx, item.ID, seenAt, 0.6); err != nil {
		t.Fatalf("failed to corroborate: %v", err)
	}

	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to re-read: %v", err)
	}
	if got.SeenCount != 2 {
		t.Errorf("expected seen_count 2, got %d", got.SeenCount)
	}
	// Count-weighted average: (0.8*1 + 0.6) / 2 = 0.7
	if got.ConfidenceBase < 0.699 || got.ConfidenceBase > 0.701 {
		t.Errorf("expected blended confidence 0.7, got %.3f", got.ConfidenceBase)
	}
	if got.LastSeen.Before(got.FirstSeen) {
		t.Error("last_seen must not precede first_seen")
	}

	// A corroboration with an older timestamp must not move last_seen back.
	before := got.LastSeen
	if err := s.Corroborate(ctx, item.ID, seenAt.Add(-48*time.Hour), 0.9); err != nil {
		t.Fatalf("failed to corroborate with stale time: %v", err)
	}
	got, _ = s.Get(ctx, item.ID)
	if got.LastSeen.Before(before) {
		t.Error("last_seen regressed on stale corroboration")
	}

	if err := s.Corroborate(ctx, "missing", time.Now(), 0.5); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := testItem("user-1", types.TierEpisodic)
	old.FirstSeen = now.Add(-30 * 24 * time.Hour)
	old.LastSeen = old.FirstSeen
	mustInsert(t, s, old)

	fresh := testItem("user-1", types.TierEpisodic)
	mustInsert(t, s, fresh)

	archived := testItem("user-1", types.TierEpisodic)
	mustInsert(t, s, archived)
	if err := s.Archive(ctx, archived.ID); err != nil {
		t.Fatalf("failed to archive: %v", err)
	}

	otherTier := testItem("user-1", types.TierProfile)
	otherTier.Subject, otherTier.Predicate, otherTier.Value = "user", "pet", "cat"
	mustInsert(t, s, otherTier)

	res, err := s.ListActive(ctx, "user-1", types.TierEpisodic, storage.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("expected 2 active episodic items, got %d", res.Total)
	}

	res, err = s.ListActive(ctx, "user-1", types.TierEpisodic, storage.ListOptions{IncludeArchived: true})
	if err != nil {
		t.Fatalf("failed to list with archived: %v", err)
	}
	if res.Total != 3 {
		t.Errorf("expected 3 items including archived, got %d", res.Total)
	}

	res, err = s.ListActive(ctx, "user-1", types.TierEpisodic, storage.ListOptions{
		LastSeenBefore: now.Add(-14 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to list cold items: %v", err)
	}
	if res.Total != 1 || res.Items[0].ID != old.ID {
		t.Errorf("expected only the cold item, got %d items", res.Total)
	}

	res, err = s.ListActive(ctx, "user-1", types.TierProfile, storage.ListOptions{KeyedOnly: true})
	if err != nil {
		t.Fatalf("failed to list keyed: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("expected 1 keyed profile item, got %d", res.Total)
	}
}

func TestCountActiveExcludesArchivedAndClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testItem("user-1", types.TierEpisodic)
	mustInsert(t, s, a)
	b := testItem("user-1", types.TierEpisodic)
	mustInsert(t, s, b)
	c := testItem("user-1", types.TierEpisodic)
	mustInsert(t, s, c)

	if err := s.Archive(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseItem(ctx, c.ID, time.Now(), "", 1); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountActive(ctx, "user-1", types.TierEpisodic)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 active item, got %d", n)
	}
}

func TestListChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := testItem("user-1", types.TierProfile)
	v1.Subject, v1.Predicate, v1.Value = "user", "home_city", "Atlanta"
	mustInsert(t, s, v1)

	v2 := testItem("user-1", types.TierProfile)
	v2.Subject, v2.Predicate, v2.Value = "user", "home_city", "Portland"
	v2.SupersedesID = v1.ID
	if err := s.CloseItem(ctx, v1.ID, time.Now(), v2.ID, 1); err != nil {
		t.Fatal(err)
	}
	mustInsert(t, s, v2)

	v3 := testItem("user-1", types.TierProfile)
	v3.Subject, v3.Predicate, v3.Value = "user", "home_city", "Seattle"
	v3.SupersedesID = v2.ID
	if err := s.CloseItem(ctx, v2.ID, time.Now(), v3.ID, 1); err != nil {
		t.Fatal(err)
	}
	mustInsert(t, s, v3)

	// A walk from the middle version spans the whole history.
	chain, err := s.ListChain(ctx, v2.ID)
	if err != nil {
		t.Fatalf("failed to walk chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(chain))
	}
	if chain[0].ID != v1.ID || chain[1].ID != v2.ID || chain[2].ID != v3.ID {
		t.Errorf("chain out of order: %s, %s, %s", chain[0].ID, chain[1].ID, chain[2].ID)
	}
}

func TestTombstoneExcludedFromReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := testItem("user-1", types.TierProfile)
	item.Subject, item.Predicate, item.Value = "user", "nickname", "Sam"
	mustInsert(t, s, item)

	if err := s.Tombstone(ctx, item.ID); err != nil {
		t.Fatalf("failed to tombstone: %v", err)
	}

	if _, err := s.GetActive(ctx, item.Key()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("tombstoned item visible via GetActive: %v", err)
	}

	res, err := s.ListActive(ctx, "user-1", types.TierProfile, storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 {
		t.Errorf("tombstoned item visible in ListActive")
	}

	// The row itself survives for chain integrity.
	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("tombstoned row should still exist: %v", err)
	}
	if !got.Tombstoned {
		t.Error("tombstoned flag not set")
	}
}

func TestRepairActiveDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := testItem("user-1", types.TierProfile)
	item.Subject, item.Predicate, item.Value = "user", "home_city", "Atlanta"
	mustInsert(t, s, item)

	// Healthy store: nothing to repair.
	n, err := s.RepairActiveDuplicates(ctx, "user-1")
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 repairs on healthy store, got %d", n)
	}

	// Simulate external interference by forging a second active row
	// beneath the unique index (drop and recreate it around the insert).
	if _, err := s.db.Exec("DROP INDEX idx_items_active_key"); err != nil {
		t.Fatalf("failed to drop index: %v", err)
	}
	dupe := testItem("user-1", types.TierProfile)
	dupe.Subject, dupe.Predicate, dupe.Value = "user", "home_city", "Seattle"
	mustInsert(t, s, dupe)

	n, err = s.RepairActiveDuplicates(ctx, "user-1")
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 repair, got %d", n)
	}

	// Exactly one active version remains, and it is the newest row.
	got, err := s.GetActive(ctx, types.ItemKey{UserID: "user-1", Subject: "user", Predicate: "home_city"})
	if err != nil {
		t.Fatalf("no active version after repair: %v", err)
	}
	if got.ID != dupe.ID {
		t.Errorf("expected the most recently updated version to survive, got %s", got.ID)
	}
}

func TestGetActiveDetectsBrokenChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := testItem("user-1", types.TierProfile)
	item.Subject, item.Predicate, item.Value = "user", "home_city", "Atlanta"
	mustInsert(t, s, item)

	// Forge a second active row beneath the unique index.
	if _, err := s.db.Exec("DROP INDEX idx_items_active_key"); err != nil {
		t.Fatalf("failed to drop index: %v", err)
	}
	dupe := testItem("user-1", types.TierProfile)
	dupe.Subject, dupe.Predicate, dupe.Value = "user", "home_city", "Seattle"
	mustInsert(t, s, dupe)

	key := types.ItemKey{UserID: "user-1", Subject: "user", Predicate: "home_city"}
	_, err := s.GetActive(ctx, key)
	if !errors.Is(err, storage.ErrBrokenChain) {
		t.Fatalf("expected ErrBrokenChain for two active versions, got %v", err)
	}

	// Repair makes the key readable again.
	if _, err := s.RepairActiveDuplicates(ctx, "user-1"); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	got, err := s.GetActive(ctx, key)
	if err != nil {
		t.Fatalf("expected a single active version after repair: %v", err)
	}
	if got.ID != dupe.ID {
		t.Errorf("expected the most recently updated version to survive, got %s", got.ID)
	}
}

func TestListUsersAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, testItem("user-a", types.TierEpisodic))
	mustInsert(t, s, testItem("user-b", types.TierEpisodic))
	closed := testItem("user-a", types.TierEpisodic)
	mustInsert(t, s, closed)
	if err := s.CloseItem(ctx, closed.ID, time.Now(), "", 1); err != nil {
		t.Fatal(err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("failed to list users: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %v", users)
	}

	stats, err := s.Stats(ctx, "user-a")
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	ep := stats.Tiers[types.TierEpisodic]
	if ep.Active != 1 || ep.Closed != 1 {
		t.Errorf("expected 1 active / 1 closed, got %+v", ep)
	}
	if stats.Total() != 2 {
		t.Errorf("expected total 2, got %d", stats.Total())
	}
}
