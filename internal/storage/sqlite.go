package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"rentwatch/internal/post"
	logx "rentwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const itemColumns = `fingerprint, source_id, content, author, link, source_ts, first_seen, last_seen,
	state, outcome, verdict, matched_criteria, classified_at, notified, notified_at, completed_at`

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	now    func() time.Time
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which makes every transaction
	// below atomic with respect to the others.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, now: cfg.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// mapErr reports ErrClosed for calls made on (or racing with) Close.
func (s *sqliteStore) mapErr(err error) error {
	if err != nil && s.closed.Load() {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func (s *sqliteStore) RegisterIfNew(ctx context.Context, raw post.RawItem, sourceID string) (bool, post.Item, error) {
	if s.closed.Load() {
		return false, post.Item{}, ErrClosed
	}
	now := s.now()
	fresh := post.NewItem(raw, sourceID, now)

	var (
		inserted bool
		out      post.Item
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO items(`+itemColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(fingerprint) DO NOTHING`,
			itemArgs(fresh)...,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			inserted, out = true, fresh
			return nil
		}

		it, err := getItem(ctx, tx, fresh.Fingerprint)
		if err != nil {
			return err
		}
		it.Refresh(raw, now)
		if _, err := tx.ExecContext(ctx,
			`UPDATE items SET content = ?, author = ?, link = ?, last_seen = ? WHERE fingerprint = ?`,
			it.Content, it.Author, it.Link, toMillis(it.LastSeen), it.Fingerprint,
		); err != nil {
			return err
		}
		out = it
		return nil
	})
	if err != nil {
		return false, post.Item{}, s.mapErr(err)
	}
	return inserted, out, nil
}

func (s *sqliteStore) RecordClassification(ctx context.Context, fp string, v post.Verdict, matched []string) error {
	now := s.now()
	return s.transition(ctx, fp, func(it *post.Item) (bool, error) {
		return it.Classify(v, matched, now)
	})
}

func (s *sqliteStore) MarkNotified(ctx context.Context, fp string) error {
	now := s.now()
	return s.transition(ctx, fp, func(it *post.Item) (bool, error) {
		return true, it.MarkNotified(now)
	})
}

func (s *sqliteStore) MarkSuppressed(ctx context.Context, fp string) error {
	now := s.now()
	return s.transition(ctx, fp, func(it *post.Item) (bool, error) {
		return true, it.MarkSuppressed(now)
	})
}

// transition loads the item, applies fn and writes the lifecycle columns
// back in one transaction.
func (s *sqliteStore) transition(ctx context.Context, fp string, fn func(it *post.Item) (bool, error)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		it, err := getItem(ctx, tx, fp)
		if err != nil {
			return err
		}
		changed, err := fn(&it)
		if err != nil || !changed {
			return err
		}
		verdict, matched, err := encodeVerdict(it)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE items SET state = ?, outcome = ?, verdict = ?, matched_criteria = ?,
			 classified_at = ?, notified = ?, notified_at = ?, completed_at = ?
			 WHERE fingerprint = ?`,
			it.State.String(), stateText(it.Outcome), verdict, matched,
			toMillis(it.ClassifiedAt), boolInt(it.Notified), toMillis(it.NotifiedAt), toMillis(it.CompletedAt),
			it.Fingerprint,
		)
		return err
	})
	return s.mapErr(err)
}

func (s *sqliteStore) Exists(ctx context.Context, fp string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM items WHERE fingerprint = ?`, fp).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.mapErr(err)
	}
	return true, nil
}

func (s *sqliteStore) Get(ctx context.Context, fp string) (post.Item, error) {
	if s.closed.Load() {
		return post.Item{}, ErrClosed
	}
	it, err := getItem(ctx, s.db, fp)
	return it, s.mapErr(err)
}

func (s *sqliteStore) Pending(ctx context.Context, limit int) ([]post.Item, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE state IN ('new', 'analyzed')
		 ORDER BY first_seen, fingerprint LIMIT ?`, limit)
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer rows.Close()
	out := make([]post.Item, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	if s.closed.Load() {
		return Stats{}, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, outcome, COUNT(*) FROM items GROUP BY state, outcome`)
	if err != nil {
		return Stats{}, s.mapErr(err)
	}
	defer rows.Close()
	var st Stats
	for rows.Next() {
		var state, outcome string
		var n int
		if err := rows.Scan(&state, &outcome, &n); err != nil {
			return Stats{}, err
		}
		st.Total += n
		switch {
		case state == post.StateNew.String():
			st.New += n
		case state == post.StateAnalyzed.String():
			st.Analyzed += n
		case outcome == post.StateNotified.String():
			st.Notified += n
		default:
			st.Suppressed += n
		}
	}
	return st, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE state = 'completed' AND completed_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, s.mapErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getItem(ctx context.Context, q queryRower, fp string) (post.Item, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE fingerprint = ?`, fp)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Item{}, post.ErrNotFound
	}
	return it, err
}

func scanItem(r rowScanner) (post.Item, error) {
	var (
		it                                                post.Item
		sourceTS, firstSeen, lastSeen                     int64
		classifiedAt, notifiedAt, completedAt, notified   int64
		state, outcome, matched                           string
		verdict                                           sql.NullString
	)
	if err := r.Scan(&it.Fingerprint, &it.SourceID, &it.Content, &it.Author, &it.Link,
		&sourceTS, &firstSeen, &lastSeen, &state, &outcome, &verdict, &matched,
		&classifiedAt, &notified, &notifiedAt, &completedAt); err != nil {
		return post.Item{}, err
	}
	var err error
	if it.State, err = post.ParseState(state); err != nil {
		return post.Item{}, err
	}
	if it.Outcome, err = post.ParseState(outcome); err != nil {
		return post.Item{}, err
	}
	if verdict.Valid && verdict.String != "" {
		var v post.Verdict
		if err := json.Unmarshal([]byte(verdict.String), &v); err != nil {
			return post.Item{}, fmt.Errorf("item %s: decode verdict: %w", it.Fingerprint, err)
		}
		it.Verdict = &v
	}
	if matched != "" {
		if err := json.Unmarshal([]byte(matched), &it.MatchedCriteria); err != nil {
			return post.Item{}, fmt.Errorf("item %s: decode matched criteria: %w", it.Fingerprint, err)
		}
	}
	it.SourceTimestamp = fromMillis(sourceTS)
	it.FirstSeen = fromMillis(firstSeen)
	it.LastSeen = fromMillis(lastSeen)
	it.ClassifiedAt = fromMillis(classifiedAt)
	it.NotifiedAt = fromMillis(notifiedAt)
	it.CompletedAt = fromMillis(completedAt)
	it.Notified = notified != 0
	return it, nil
}

func itemArgs(it post.Item) []any {
	verdict, matched, _ := encodeVerdict(it)
	return []any{
		it.Fingerprint, it.SourceID, it.Content, it.Author, it.Link,
		toMillis(it.SourceTimestamp), toMillis(it.FirstSeen), toMillis(it.LastSeen),
		it.State.String(), stateText(it.Outcome), verdict, matched,
		toMillis(it.ClassifiedAt), boolInt(it.Notified), toMillis(it.NotifiedAt), toMillis(it.CompletedAt),
	}
}

func encodeVerdict(it post.Item) (any, string, error) {
	matched := "[]"
	if len(it.MatchedCriteria) > 0 {
		b, err := json.Marshal(it.MatchedCriteria)
		if err != nil {
			return nil, "", err
		}
		matched = string(b)
	}
	if it.Verdict == nil {
		return nil, matched, nil
	}
	b, err := json.Marshal(it.Verdict)
	if err != nil {
		return nil, "", err
	}
	return string(b), matched, nil
}

func stateText(s post.State) string {
	if s == 0 {
		return ""
	}
	return s.String()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
