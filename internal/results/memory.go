package results

import (
	"context"
	"sort"
	"sync"

	"github.com/park285/cheese-othello/internal/game"
)

// memrepo keeps results in process memory. Used when no database is configured.
type memrepo struct {
	mu        sync.RWMutex
	bySession map[string]Record
}

func NewMemoryRepository() Repository {
	return &memrepo{bySession: make(map[string]Record)}
}

func (m *memrepo) SaveResult(_ context.Context, snap game.Snapshot) error {
	if !snap.Status.Terminal() {
		return nil
	}
	rec := FromSnapshot(snap)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySession[rec.SessionID] = rec
	return nil
}

func (m *memrepo) Recent(_ context.Context, playerID string, limit int) ([]Record, error) {
	m.mu.RLock()
	items := make([]Record, 0)
	for _, rec := range m.bySession {
		if rec.HostID == playerID || (rec.GuestID != "" && rec.GuestID == playerID) {
			items = append(items, rec)
		}
	}
	m.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if !items[i].EndedAt.Equal(items[j].EndedAt) {
			return items[i].EndedAt.After(items[j].EndedAt)
		}
		return items[i].SessionID > items[j].SessionID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memrepo) Close() error { return nil }
