// Package sqlite implements the item store on SQLite via modernc.org/sqlite.
// It is the default backend: zero external services, WAL mode for read
// concurrency, and a single writer connection to avoid SQLITE_BUSY under
// concurrent load.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// chainCap bounds version-chain walks to guard against corrupted links.
const chainCap = 50

// ItemStore implements storage.ItemStore using SQLite.
type ItemStore struct {
	db *sql.DB
}

// NewItemStore creates a new SQLite item store with WAL self-healing.
// If the initial open fails due to stale WAL files (left behind by a
// crashed process), it verifies no other process holds them and retries
// once after removing the stale -shm/-wal files.
func NewItemStore(dsn string) (*ItemStore, error) {
	store, err := openItemStore(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || dbPath == ":memory:" {
		return nil, err
	}

	if !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := openItemStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return store, nil
}

// openItemStore opens a SQLite database, configures WAL mode, and creates
// the schema.
func openItemStore(dsn string) (*ItemStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes; WAL mode lets readers proceed
	// without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &ItemStore{db: db}, nil
}

const itemColumns = `id, user_id, tier, subject, predicate, value, text, embedding, tags,
	confidence_base, importance, source, seen_count, first_seen, last_seen,
	valid_from, valid_to, supersedes_id, superseded_by_id, archived, tombstoned,
	version, created_at, updated_at`

// Insert stores a new item version.
func (s *ItemStore) Insert(ctx context.Context, item *types.MemoryItem) error {
	if item == nil {
		return storage.ErrInvalidInput
	}

	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.FirstSeen.IsZero() {
		item.FirstSeen = now
	}
	if item.LastSeen.IsZero() {
		item.LastSeen = item.FirstSeen
	}
	if item.ValidFrom.IsZero() {
		item.ValidFrom = now
	}
	if item.SeenCount < 1 {
		item.SeenCount = 1
	}
	if item.Version < 1 {
		item.Version = 1
	}

	if err := item.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `INSERT INTO memory_items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		item.ID, item.UserID, string(item.Tier),
		item.Subject, item.Predicate, item.Value,
		item.Text, serializeEmbedding(item.Embedding), string(tags),
		item.ConfidenceBase, item.Importance, item.Source, item.SeenCount,
		item.FirstSeen, item.LastSeen,
		item.ValidFrom, nullableTime(item.ValidTo),
		item.SupersedesID, item.SupersededByID,
		item.Archived, item.Tombstoned,
		item.Version, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: (%s, %s, %s)", storage.ErrDuplicateActive,
				item.UserID, item.Subject, item.Predicate)
		}
		return fmt.Errorf("failed to insert item: %w", err)
	}

	return nil
}

// Get retrieves an item by ID.
func (s *ItemStore) Get(ctx context.Context, id string) (*types.MemoryItem, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM memory_items WHERE id = ?`, id)
	return scanItem(row)
}

// GetActive returns the active version under a structured key. Finding
// more than one active version means the unique index was bypassed by
// external interference; that surfaces as ErrBrokenChain rather than
// silently picking a winner.
func (s *ItemStore) GetActive(ctx context.Context, key types.ItemKey) (*types.MemoryItem, error) {
	if key.UserID == "" || key.Subject == "" || key.Predicate == "" {
		return nil, fmt.Errorf("%w: user, subject and predicate are required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM memory_items
		 WHERE user_id = ? AND subject = ? AND predicate = ?
		   AND valid_to IS NULL AND tombstoned = 0
		 LIMIT 2`,
		key.UserID, key.Subject, key.Predicate)
	if err != nil {
		return nil, fmt.Errorf("failed to query active version: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read active version: %w", err)
		}
		return nil, storage.ErrNotFound
	}
	item, err := scanItem(rows)
	if err != nil {
		return nil, err
	}
	if rows.Next() {
		return nil, fmt.Errorf("key %s/%s: %w", key.Subject, key.Predicate, storage.ErrBrokenChain)
	}
	return item, rows.Err()
}

// CloseItem closes an active version under an optimistic version check.
func (s *ItemStore) CloseItem(ctx context.Context, id string, validTo time.Time, supersededByID string, expectedVersion int64) error {
	if id == "" {
		return fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE memory_items
		 SET valid_to = ?, superseded_by_id = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND valid_to IS NULL`,
		validTo.UTC(), supersededByID, time.Now().UTC(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to close item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check close result: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from a concurrent change.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM memory_items WHERE id = ?", id).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to check item existence: %w", err)
		}
		return storage.ErrVersionConflict
	}

	return nil
}

// Corroborate records a repeat observation of an active item. The incoming
// confidence blends into the stored base as a count-weighted average, so a
// fact stated many times converges slowly rather than jumping on one noisy
// extraction.
func (s *ItemStore) Corroborate(ctx context.Context, id string, seenAt time.Time, confidence float64) error {
	if id == "" {
		return fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range", storage.ErrInvalidInput, confidence)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin corroborate tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seenCount int
	var base float64
	var lastSeen time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT seen_count, confidence_base, last_seen FROM memory_items
		 WHERE id = ? AND valid_to IS NULL AND tombstoned = 0`, id).
		Scan(&seenCount, &base, &lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to read item for corroboration: %w", err)
	}

	blended := (base*float64(seenCount) + confidence) / float64(seenCount+1)
	seenAt = seenAt.UTC()
	if seenAt.Before(lastSeen) {
		seenAt = lastSeen
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE memory_items
		 SET seen_count = seen_count + 1, confidence_base = ?, last_seen = ?,
		     version = version + 1, updated_at = ?
		 WHERE id = ?`,
		blended, seenAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to corroborate item: %w", err)
	}

	return tx.Commit()
}

// ListActive lists a user's active items in one tier.
func (s *ItemStore) ListActive(ctx context.Context, userID string, tier types.Tier, opts storage.ListOptions) (*storage.PaginatedResult[types.MemoryItem], error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	where := "user_id = ? AND tier = ? AND valid_to IS NULL AND tombstoned = 0"
	args := []interface{}{userID, string(tier)}

	if !opts.IncludeArchived {
		where += " AND archived = 0"
	}
	if !opts.LastSeenBefore.IsZero() {
		where += " AND last_seen < ?"
		args = append(args, opts.LastSeenBefore.UTC())
	}
	if opts.MinSeenCount > 0 {
		where += " AND seen_count >= ?"
		args = append(args, opts.MinSeenCount)
	}
	if opts.KeyedOnly {
		where += " AND subject != '' AND predicate != ''"
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memory_items WHERE "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	// SortBy/SortOrder are whitelist-validated in Normalize.
	query := fmt.Sprintf(
		"SELECT "+itemColumns+" FROM memory_items WHERE %s ORDER BY %s %s LIMIT ? OFFSET ?",
		where, opts.SortBy, strings.ToUpper(opts.SortOrder))
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.MemoryItem]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// CountActive counts a user's active, non-archived items in one tier.
func (s *ItemStore) CountActive(ctx context.Context, userID string, tier types.Tier) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_items
		 WHERE user_id = ? AND tier = ? AND valid_to IS NULL
		   AND tombstoned = 0 AND archived = 0`,
		userID, string(tier)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active items: %w", err)
	}
	return count, nil
}

// ListChain returns the full version history containing the given item,
// ordered oldest to newest.
func (s *ItemStore) ListChain(ctx context.Context, id string) ([]*types.MemoryItem, error) {
	start, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Walk backward to the chain root.
	root := start
	for i := 0; i < chainCap && root.SupersedesID != ""; i++ {
		prev, err := s.Get(ctx, root.SupersedesID)
		if err != nil {
			if err == storage.ErrNotFound {
				break // dangling link; start from what we have
			}
			return nil, err
		}
		root = prev
	}

	// Walk forward collecting versions.
	chain := []*types.MemoryItem{root}
	cur := root
	for i := 0; i < chainCap && cur.SupersededByID != ""; i++ {
		next, err := s.Get(ctx, cur.SupersededByID)
		if err != nil {
			if err == storage.ErrNotFound {
				break
			}
			return nil, err
		}
		chain = append(chain, next)
		cur = next
	}

	return chain, nil
}

// Tombstone marks an item erased at the user's request.
func (s *ItemStore) Tombstone(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "tombstoned")
}

// Archive moves an item out of hot capacity.
func (s *ItemStore) Archive(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "archived")
}

func (s *ItemStore) setFlag(ctx context.Context, id, column string) error {
	if id == "" {
		return fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}

	// column is a compile-time constant at both call sites.
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE memory_items SET %s = 1, version = version + 1, updated_at = ? WHERE id = ?", column),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check %s result: %w", column, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RepairActiveDuplicates restores the single-active-version invariant for
// one user. For every key holding more than one active version, all but
// the most recently updated are closed.
func (s *ItemStore) RepairActiveDuplicates(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT subject, predicate FROM memory_items
		 WHERE user_id = ? AND valid_to IS NULL AND tombstoned = 0
		   AND subject != '' AND predicate != ''
		 GROUP BY subject, predicate HAVING COUNT(*) > 1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to find duplicate keys: %w", err)
	}

	type key struct{ subject, predicate string }
	var dupes []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.subject, &k.predicate); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan duplicate key: %w", err)
		}
		dupes = append(dupes, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate duplicate keys: %w", err)
	}

	closed := 0
	now := time.Now().UTC()
	for _, k := range dupes {
		result, err := s.db.ExecContext(ctx,
			`UPDATE memory_items
			 SET valid_to = ?, version = version + 1, updated_at = ?
			 WHERE user_id = ? AND subject = ? AND predicate = ?
			   AND valid_to IS NULL AND tombstoned = 0
			   AND id != (
				SELECT id FROM memory_items
				WHERE user_id = ? AND subject = ? AND predicate = ?
				  AND valid_to IS NULL AND tombstoned = 0
				ORDER BY updated_at DESC, id DESC LIMIT 1
			   )`,
			now, now, userID, k.subject, k.predicate, userID, k.subject, k.predicate)
		if err != nil {
			return closed, fmt.Errorf("failed to repair key (%s, %s): %w", k.subject, k.predicate, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return closed, fmt.Errorf("failed to check repair result: %w", err)
		}
		closed += int(n)
	}

	if closed > 0 {
		log.Printf("sqlite: repaired %d duplicate active versions for user %s", closed, userID)
	}
	return closed, nil
}

// ListUsers returns the distinct user IDs present in the store.
func (s *ItemStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT user_id FROM memory_items ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Stats summarizes one user's items per tier. Tombstoned rows count as
// closed.
func (s *ItemStore) Stats(ctx context.Context, userID string) (*storage.UserStats, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tier,
			SUM(CASE WHEN valid_to IS NULL AND tombstoned = 0 AND archived = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN valid_to IS NOT NULL OR tombstoned = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN valid_to IS NULL AND tombstoned = 0 AND archived = 1 THEN 1 ELSE 0 END)
		 FROM memory_items WHERE user_id = ? GROUP BY tier`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &storage.UserStats{
		UserID: userID,
		Tiers:  make(map[types.Tier]storage.TierStats),
	}
	for rows.Next() {
		var tier string
		var ts storage.TierStats
		if err := rows.Scan(&tier, &ts.Active, &ts.Closed, &ts.Archived); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.Tiers[types.Tier(tier)] = ts
	}
	return stats, rows.Err()
}

// Close releases the underlying database handle.
func (s *ItemStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for scanItem.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*types.MemoryItem, error) {
	var item types.MemoryItem
	var tier, tags string
	var embedding []byte
	var validTo sql.NullTime

	err := row.Scan(
		&item.ID, &item.UserID, &tier,
		&item.Subject, &item.Predicate, &item.Value,
		&item.Text, &embedding, &tags,
		&item.ConfidenceBase, &item.Importance, &item.Source, &item.SeenCount,
		&item.FirstSeen, &item.LastSeen,
		&item.ValidFrom, &validTo,
		&item.SupersedesID, &item.SupersededByID,
		&item.Archived, &item.Tombstoned,
		&item.Version, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}

	item.Tier = types.Tier(tier)
	if validTo.Valid {
		t := validTo.Time
		item.ValidTo = &t
	}
	if item.Embedding, err = deserializeEmbedding(embedding); err != nil {
		return nil, fmt.Errorf("item %s: %w", item.ID, err)
	}
	if tags != "" && tags != "null" {
		if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
			return nil, fmt.Errorf("item %s: failed to unmarshal tags: %w", item.ID, err)
		}
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]types.MemoryItem, error) {
	var items []types.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused
// by stale WAL files left behind after a crash (SIGKILL, OOM, etc.).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database
// path AND no other process currently holds them open (via lsof).
// Returns false if lsof is unavailable (conservative: no deletion).
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		// lsof returns exit code 1 when no files are open, which means stale.
		return true
	}

	return strings.TrimSpace(string(output)) == ""
}

// removeStaleWAL removes -shm and -wal files for the given database path.
func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", path, err)
		}
	}
}

// fileExists returns true if the path exists on disk.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
