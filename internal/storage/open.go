// Package storage is the durable item store: the single source of truth for
// which posts were seen, classified and delivered.
//
// Backends:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "file":   JSON Lines journal + periodic snapshot
//   - "memory": process-local map, for tests and dry runs
//
// Every backend implements the same contract; see contract_test.go.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"rentwatch/internal/post"
	logx "rentwatch/pkg/logx"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Now overrides the clock used for first/last seen and transition times.
	Now func() time.Time
}

// Stats counts items per lifecycle position. Completed items are split by
// the path they took.
type Stats struct {
	Total      int
	New        int
	Analyzed   int
	Notified   int
	Suppressed int
}

// Store persists items and owns every lifecycle transition.
//
// Mutations are atomic per fingerprint. Transition methods return
// post.ErrNotFound for unknown fingerprints and an error matching
// post.ErrStateConflict when the lifecycle forbids the move.
type Store interface {
	// RegisterIfNew inserts the item unless its fingerprint is already
	// known. For known items it refreshes content and last-seen time and
	// returns inserted=false with the stored record.
	RegisterIfNew(ctx context.Context, raw post.RawItem, sourceID string) (inserted bool, item post.Item, err error)
	RecordClassification(ctx context.Context, fingerprint string, v post.Verdict, matchedCriteria []string) error
	MarkNotified(ctx context.Context, fingerprint string) error
	MarkSuppressed(ctx context.Context, fingerprint string) error

	Exists(ctx context.Context, fingerprint string) (bool, error)
	Get(ctx context.Context, fingerprint string) (post.Item, error)
	// Pending lists items in New or Analyzed, oldest first. limit <= 0
	// means no limit.
	Pending(ctx context.Context, limit int) ([]post.Item, error)
	Stats(ctx context.Context) (Stats, error)
	// Prune deletes Completed items that completed before cutoff.
	// Pending items are never pruned.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory", "mem":
		return NewMemory(cfg.Now), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func (s *Stats) add(it post.Item) {
	s.Total++
	switch it.State {
	case post.StateNew:
		s.New++
	case post.StateAnalyzed:
		s.Analyzed++
	case post.StateCompleted:
		if it.Outcome == post.StateNotified {
			s.Notified++
		} else {
			s.Suppressed++
		}
	}
}
