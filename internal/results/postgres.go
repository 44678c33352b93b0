package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/cheese-othello/internal/game"
)

// PostgresRepository stores results in the othello_games table.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(databaseURL string) (*PostgresRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &PostgresRepository{db: db}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS othello_games (
			session_id   TEXT PRIMARY KEY,
			host_id      TEXT NOT NULL,
			guest_id     TEXT NOT NULL DEFAULT '',
			challenge_id TEXT NOT NULL DEFAULT '',
			result       TEXT NOT NULL DEFAULT '',
			reason       TEXT NOT NULL DEFAULT '',
			winner_id    TEXT NOT NULL DEFAULT '',
			score_black  INTEGER NOT NULL DEFAULT 0,
			score_white  INTEGER NOT NULL DEFAULT 0,
			moves        JSONB NOT NULL DEFAULT '[]',
			transcript   TEXT NOT NULL DEFAULT '',
			started_at   TIMESTAMPTZ NOT NULL,
			ended_at     TIMESTAMPTZ NOT NULL,
			duration_ms  BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_othello_games_host ON othello_games(host_id, ended_at DESC);
		CREATE INDEX IF NOT EXISTS idx_othello_games_guest ON othello_games(guest_id, ended_at DESC);
	`)
	return err
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a finished session. Non-terminal snapshots are ignored.
func (r *PostgresRepository) SaveResult(ctx context.Context, snap game.Snapshot) error {
	if r == nil || r.db == nil || !snap.Status.Terminal() {
		return nil
	}
	rec := FromSnapshot(snap)
	movesRaw, err := json.Marshal(rec.Moves)
	if err != nil {
		return err
	}
	q := `INSERT INTO othello_games (
		session_id, host_id, guest_id, challenge_id,
		result, reason, winner_id, score_black, score_white,
		moves, transcript, started_at, ended_at, duration_ms
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	) ON CONFLICT (session_id) DO UPDATE SET
		host_id=EXCLUDED.host_id,
		guest_id=EXCLUDED.guest_id,
		challenge_id=EXCLUDED.challenge_id,
		result=EXCLUDED.result,
		reason=EXCLUDED.reason,
		winner_id=EXCLUDED.winner_id,
		score_black=EXCLUDED.score_black,
		score_white=EXCLUDED.score_white,
		moves=EXCLUDED.moves,
		transcript=EXCLUDED.transcript,
		started_at=EXCLUDED.started_at,
		ended_at=EXCLUDED.ended_at,
		duration_ms=EXCLUDED.duration_ms`
	_, err = r.db.ExecContext(ctx, q,
		rec.SessionID, rec.HostID, rec.GuestID, rec.ChallengeID,
		rec.Result, rec.Reason, rec.Winner, rec.ScoreBlack, rec.ScoreWhite,
		string(movesRaw), rec.Transcript, rec.StartedAt, rec.EndedAt, rec.Duration.Milliseconds(),
	)
	return err
}

// Recent returns the player's latest finished games, newest first.
func (r *PostgresRepository) Recent(ctx context.Context, playerID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, host_id, guest_id, challenge_id, result, reason, winner_id,
			score_black, score_white, moves, transcript, started_at, ended_at, duration_ms
		FROM othello_games
		WHERE host_id = $1 OR guest_id = $1
		ORDER BY ended_at DESC
		LIMIT $2`, playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			movesRaw []byte
			durMS    int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.HostID, &rec.GuestID, &rec.ChallengeID,
			&rec.Result, &rec.Reason, &rec.Winner, &rec.ScoreBlack, &rec.ScoreWhite,
			&movesRaw, &rec.Transcript, &rec.StartedAt, &rec.EndedAt, &durMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(movesRaw, &rec.Moves); err != nil {
			return nil, fmt.Errorf("decode moves of %s: %w", rec.SessionID, err)
		}
		rec.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
