// Package archive mirrors session state into Redis so that sessions can be
// listed and inspected without touching the in-process registry.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-othello/internal/game"
	"github.com/park285/cheese-othello/internal/othello"
)

const (
	ttlSession = 24 * time.Hour
	maxRetries = 3
)

var (
	ErrNotFound = errors.New("archived session not found")
	// ErrStale is returned when a newer record is already stored.
	ErrStale = errors.New("archived session is newer")
)

// Record is the stored form of a session.
type Record struct {
	ID          string         `json:"id"`
	HostID      string         `json:"host_id"`
	GuestID     string         `json:"guest_id,omitempty"`
	ChallengeID string         `json:"challenge_id,omitempty"`
	Status      game.Status    `json:"status"`
	Board       string         `json:"board"`
	Turn        othello.Color  `json:"turn"`
	Initial     string         `json:"initial"`
	InitialTurn othello.Color  `json:"initial_turn"`
	History     []game.Move    `json:"history"`
	Seq         int            `json:"seq"`
	Score       othello.Score  `json:"score"`
	Result      game.Result    `json:"result,omitempty"`
	Reason      game.EndReason `json:"reason,omitempty"`
	Winner      string         `json:"winner,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	EndedAt     time.Time      `json:"ended_at,omitempty"`
}

// FromSnapshot converts a session snapshot.
func FromSnapshot(s game.Snapshot) Record {
	return Record{
		ID:          s.ID,
		HostID:      s.HostID,
		GuestID:     s.GuestID,
		ChallengeID: s.ChallengeID,
		Status:      s.Status,
		Board:       s.Board.Encode(),
		Turn:        s.Board.Turn(),
		Initial:     s.Initial.Encode(),
		InitialTurn: s.Initial.Turn(),
		History:     s.History,
		Seq:         s.Seq(),
		Score:       s.Board.Score(),
		Result:      s.Result,
		Reason:      s.Reason,
		Winner:      s.Winner,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		EndedAt:     s.EndedAt,
	}
}

// Snapshot rebuilds a session snapshot and checks that the history replays onto the stored board.
func (r Record) Snapshot() (game.Snapshot, error) {
	board, err := othello.Parse(r.Board)
	if err != nil {
		return game.Snapshot{}, err
	}
	initial, err := othello.Parse(r.Initial)
	if err != nil {
		return game.Snapshot{}, err
	}
	board = board.WithTurn(r.Turn)
	initial = initial.WithTurn(r.InitialTurn)
	if _, err := game.Replay(initial, r.History, board); err != nil {
		return game.Snapshot{}, fmt.Errorf("session %s: %w", r.ID, err)
	}
	return game.Snapshot{
		ID:          r.ID,
		HostID:      r.HostID,
		GuestID:     r.GuestID,
		ChallengeID: r.ChallengeID,
		Board:       board,
		Initial:     initial,
		Status:      r.Status,
		History:     r.History,
		Result:      r.Result,
		Reason:      r.Reason,
		Winner:      r.Winner,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		EndedAt:     r.EndedAt,
	}, nil
}

// newerThan orders records by move count, then by update time.
func (r Record) newerThan(o Record) bool {
	if r.Seq != o.Seq {
		return r.Seq > o.Seq
	}
	return r.UpdatedAt.After(o.UpdatedAt)
}

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb, ttl: ttlSession} }

func (s *Store) keySession(id string) string   { return "othello:session:" + strings.TrimSpace(id) }
func (s *Store) keyPlayerIdx(id string) string { return "othello:index:player:" + strings.TrimSpace(id) }
func (s *Store) keyLobby() string              { return "othello:lobby" }

// Save writes the snapshot unless a newer record is already stored, in which case
// it returns ErrStale. The lobby and player indexes are updated in the same transaction.
func (s *Store) Save(ctx context.Context, snap game.Snapshot) error {
	rec := FromSnapshot(snap)
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := s.keySession(rec.ID)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev Record
			if jerr := json.Unmarshal(cur, &prev); jerr == nil && prev.newerThan(rec) {
				return ErrStale
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			if rec.Status == game.StatusWaiting {
				pipe.SAdd(ctx, s.keyLobby(), rec.ID)
			} else {
				pipe.SRem(ctx, s.keyLobby(), rec.ID)
			}
			pipe.Expire(ctx, s.keyLobby(), s.ttl)
			for _, p := range []string{rec.HostID, rec.GuestID} {
				if p == "" {
					continue
				}
				pipe.SAdd(ctx, s.keyPlayerIdx(p), rec.ID)
				pipe.Expire(ctx, s.keyPlayerIdx(p), s.ttl)
			}
			return nil
		})
		return err
	}
	for i := 0; i < maxRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// Load returns the stored record for id.
func (s *Store) Load(ctx context.Context, id string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.keySession(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListOpen returns sessions still waiting for a guest, oldest first.
// Index members whose record expired are pruned.
func (s *Store) ListOpen(ctx context.Context) ([]Record, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyLobby()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = s.rdb.SRem(ctx, s.keyLobby(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status != game.StatusWaiting {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ByPlayer returns the sessions a player took part in, most recently updated first.
func (s *Store) ByPlayer(ctx context.Context, playerID string) ([]Record, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyPlayerIdx(playerID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
