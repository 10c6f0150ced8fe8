package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"rentwatch/internal/post"
)

// memoryStore keeps items in a map. It is also the in-memory index behind
// the file backend.
type memoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	items  map[string]post.Item
	closed bool

	// onChange, if set, is called under mu after each mutation.
	// Deleted items are reported with deleted=true.
	onChange func(it post.Item, deleted bool) error
}

// NewMemory returns a process-local Store.
func NewMemory(now func() time.Time) Store {
	return newMemoryStore(now)
}

func newMemoryStore(now func() time.Time) *memoryStore {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{now: now, items: map[string]post.Item{}}
}

func (s *memoryStore) RegisterIfNew(_ context.Context, raw post.RawItem, sourceID string) (bool, post.Item, error) {
	now := s.now()
	fp := post.Fingerprint(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, post.Item{}, ErrClosed
	}
	if it, ok := s.items[fp]; ok {
		it.Refresh(raw, now)
		if err := s.commitLocked(it); err != nil {
			return false, post.Item{}, err
		}
		return false, it, nil
	}
	it := post.NewItem(raw, sourceID, now)
	if err := s.commitLocked(it); err != nil {
		return false, post.Item{}, err
	}
	return true, it, nil
}

func (s *memoryStore) RecordClassification(_ context.Context, fp string, v post.Verdict, matched []string) error {
	now := s.now()
	return s.update(fp, func(it *post.Item) (bool, error) {
		return it.Classify(v, matched, now)
	})
}

func (s *memoryStore) MarkNotified(_ context.Context, fp string) error {
	now := s.now()
	return s.update(fp, func(it *post.Item) (bool, error) {
		return true, it.MarkNotified(now)
	})
}

func (s *memoryStore) MarkSuppressed(_ context.Context, fp string) error {
	now := s.now()
	return s.update(fp, func(it *post.Item) (bool, error) {
		return true, it.MarkSuppressed(now)
	})
}

func (s *memoryStore) update(fp string, fn func(it *post.Item) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	it, ok := s.items[fp]
	if !ok {
		return post.ErrNotFound
	}
	changed, err := fn(&it)
	if err != nil || !changed {
		return err
	}
	return s.commitLocked(it)
}

func (s *memoryStore) commitLocked(it post.Item) error {
	if s.onChange != nil {
		if err := s.onChange(it, false); err != nil {
			return err
		}
	}
	s.items[it.Fingerprint] = it
	return nil
}

func (s *memoryStore) Exists(_ context.Context, fp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.items[fp]
	return ok, nil
}

func (s *memoryStore) Get(_ context.Context, fp string) (post.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return post.Item{}, ErrClosed
	}
	it, ok := s.items[fp]
	if !ok {
		return post.Item{}, post.ErrNotFound
	}
	return it, nil
}

func (s *memoryStore) Pending(_ context.Context, limit int) ([]post.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]post.Item, 0)
	for _, it := range s.items {
		if it.Pending() {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, ErrClosed
	}
	var st Stats
	for _, it := range s.items {
		st.add(it)
	}
	return st, nil
}

func (s *memoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for fp, it := range s.items {
		if it.State != post.StateCompleted || !it.CompletedAt.Before(cutoff) {
			continue
		}
		if s.onChange != nil {
			if err := s.onChange(it, true); err != nil {
				return n, err
			}
		}
		delete(s.items, fp)
		n++
	}
	return n, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
