package daily

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSource keeps challenges in a local SQLite file.
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path, creating parent directories.
func OpenSQLite(path string) (*SQLiteSource, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("daily: create directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("daily: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("daily: ping sqlite: %w", err)
	}
	s := &SQLiteSource{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("daily: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteSource) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_challenges (
			date TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			difficulty TEXT NOT NULL DEFAULT '',
			board_state TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func (s *SQLiteSource) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteSource) GetChallenge(ctx context.Context, date string) (*Challenge, error) {
	var c Challenge
	err := s.db.QueryRowContext(ctx,
		`SELECT id, date, title, difficulty, board_state FROM daily_challenges WHERE date = ?`, date,
	).Scan(&c.ID, &c.Date, &c.Title, &c.Difficulty, &c.BoardState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("daily: query %s: %w", date, err)
	}
	return &c, nil
}

// Put inserts or replaces the challenge for c.Date.
func (s *SQLiteSource) Put(ctx context.Context, c Challenge) error {
	if c.Date == "" || c.ID == "" {
		return fmt.Errorf("daily: challenge needs id and date")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_challenges (date, id, title, difficulty, board_state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			id = excluded.id,
			title = excluded.title,
			difficulty = excluded.difficulty,
			board_state = excluded.board_state`,
		c.Date, c.ID, c.Title, c.Difficulty, c.BoardState,
	)
	if err != nil {
		return fmt.Errorf("daily: save %s: %w", c.Date, err)
	}
	return nil
}
