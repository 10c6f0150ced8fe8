package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"rentwatch/internal/post"
	logx "rentwatch/pkg/logx"
)

// fileStore persists items without a database.
//
// Files:
//   - <prefix>.items.snapshot.json (periodic snapshot)
//   - <prefix>.items.journal.jsonl (append-only journal of full records)
//
// Each mutation appends the whole item (or a tombstone) to the journal
// before the in-memory index changes. The journal is compacted into the
// snapshot every compactEvery writes and on Close.
type fileStore struct {
	*memoryStore

	log          logx.Logger
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Item    *post.Item `json:"item,omitempty"`
	Deleted string     `json:"deleted,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".items.snapshot.json"
	journalPath := prefix + ".items.journal.jsonl"

	mem := newMemoryStore(cfg.Now)
	if err := loadSnapshot(snapPath, mem.items); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, mem.items)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal lines", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{
		memoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 500,
	}
	mem.onChange = s.appendLocked
	return s, nil
}

// appendLocked runs under memoryStore.mu.
func (s *fileStore) appendLocked(it post.Item, deleted bool) error {
	if s.journal == nil {
		return ErrClosed
	}
	rec := journalRecord{Item: &it}
	if deleted {
		rec = journalRecord{Deleted: it.Fingerprint}
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// The record above is durable in the journal; the index update that
		// follows is replayed from it if compaction fails.
		pending := it
		defer func() {
			if err := s.compactWith(pending, deleted); err != nil {
				s.log.Debug("journal compact failed", logx.Err(err))
			}
		}()
	}
	return nil
}

// compactWith writes a snapshot that includes the change being committed
// and truncates the journal.
func (s *fileStore) compactWith(pending post.Item, deleted bool) error {
	items := make(map[string]post.Item, len(s.items)+1)
	for k, v := range s.items {
		items[k] = v
	}
	if deleted {
		delete(items, pending.Fingerprint)
	} else {
		items[pending.Fingerprint] = pending
	}
	return s.writeSnapshot(items)
}

func (s *fileStore) writeSnapshot(items map[string]post.Item) error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(items); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	s.closed = true
	err := s.writeSnapshot(s.items)
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func loadSnapshot(path string, out map[string]post.Item) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]post.Item
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal records in order and returns the number of
// lines it could not decode (a torn final write, typically).
func replayJournal(path string, out map[string]post.Item) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch {
		case r.Deleted != "":
			delete(out, r.Deleted)
		case r.Item != nil && r.Item.Fingerprint != "":
			out[r.Item.Fingerprint] = *r.Item
		}
	}
	return skipped, sc.Err()
}
