// Package daily fetches date-keyed puzzle positions. The engine only reads them:
// a challenge's board becomes the initial position of a new session.
package daily

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-othello/internal/othello"
)

var (
	ErrNotFound    = errors.New("daily challenge not found")
	ErrInvalidDate = errors.New("invalid challenge date")
)

const dateLayout = "2006-01-02"

// Challenge is one day's puzzle.
type Challenge struct {
	ID         string `json:"id"`
	Date       string `json:"date"`
	Title      string `json:"title"`
	Difficulty string `json:"difficulty"`
	BoardState string `json:"boardState"`
}

// Board parses BoardState.
func (c *Challenge) Board() (othello.Board, error) {
	b, err := othello.Parse(c.BoardState)
	if err != nil {
		return othello.Board{}, fmt.Errorf("challenge %s: %w", c.ID, err)
	}
	return b, nil
}

// Source looks up the challenge for a calendar date (YYYY-MM-DD).
type Source interface {
	GetChallenge(ctx context.Context, date string) (*Challenge, error)
}

// DateKey formats t as the UTC calendar date used for lookups.
func DateKey(t time.Time) string { return t.UTC().Format(dateLayout) }

// NormalizeDate validates a YYYY-MM-DD string. "today" and "" resolve against now.
func NormalizeDate(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "today") {
		return DateKey(now), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t.Format(dateLayout), nil
}

// MemorySource serves challenges from a map. Used in tests and as the fallback
// when no backend is configured.
type MemorySource struct {
	mu     sync.RWMutex
	byDate map[string]Challenge
}

func NewMemorySource(challenges ...Challenge) *MemorySource {
	m := &MemorySource{byDate: make(map[string]Challenge)}
	for _, c := range challenges {
		m.Put(c)
	}
	return m
}

func (m *MemorySource) Put(c Challenge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byDate[c.Date] = c
}

func (m *MemorySource) GetChallenge(_ context.Context, date string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byDate[date]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}
