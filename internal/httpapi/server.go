// Package httpapi serves the HTTP side of the Othello server: health, the
// WebSocket upgrade, daily challenges and read-only session lookups.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/park285/cheese-othello/internal/archive"
	"github.com/park285/cheese-othello/internal/daily"
	"github.com/park285/cheese-othello/internal/dispatch"
	"github.com/park285/cheese-othello/internal/game"
	"github.com/park285/cheese-othello/internal/obslog"
	"github.com/park285/cheese-othello/internal/results"
	"github.com/park285/cheese-othello/internal/sessions"
)

// SessionArchive is the read side of the Redis session mirror.
type SessionArchive interface {
	Load(ctx context.Context, id string) (*archive.Record, error)
	ListOpen(ctx context.Context) ([]archive.Record, error)
	ByPlayer(ctx context.Context, playerID string) ([]archive.Record, error)
}

// ResultReader lists finished games.
type ResultReader interface {
	Recent(ctx context.Context, playerID string, limit int) ([]results.Record, error)
}

type Options struct {
	Sessions *sessions.Registry
	Daily    daily.Source
	Archive  SessionArchive
	Results  ResultReader

	// WS handles GET /ws.
	WS             http.Handler
	RequestTimeout time.Duration
}

type Server struct {
	r    *chi.Mux
	opts Options
}

func New(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	s := &Server{r: chi.NewRouter(), opts: opts}

	s.r.Use(chimw.RequestID)
	s.r.Use(chimw.RealIP)
	s.r.Use(chimw.Recoverer)

	s.r.Get("/health", s.handleHealth)
	if opts.WS != nil {
		s.r.Handle("/ws", opts.WS)
	}

	// everything below is plain JSON with a bounded handler time
	s.r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(opts.RequestTimeout))
		r.Use(jsonContentType)
		r.Get("/daily/{date}", s.handleDaily)
		r.Get("/sessions/open", s.handleOpenSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Get("/players/{id}/sessions", s.handlePlayerSessions)
		r.Get("/players/{id}/results", s.handleResults)
	})

	s.r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.r.ServeHTTP(w, r) }

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.opts.Sessions.Len()})
}

type challengeRes struct {
	ID         string `json:"id"`
	Date       string `json:"date"`
	Title      string `json:"title,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Board      string `json:"board"`
	Turn       string `json:"turn"`
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	date, err := daily.NormalizeDate(chi.URLParam(r, "date"), s.opts.Sessions.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_date")
		return
	}
	if s.opts.Daily == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	ch, err := s.opts.Daily.GetChallenge(r.Context(), date)
	if errors.Is(err, daily.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		obslog.L().Error("daily_fetch_failed", zap.String("date", date), zap.Error(err))
		writeError(w, http.StatusBadGateway, "daily_unavailable")
		return
	}
	b, err := ch.Board()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "daily_invalid")
		return
	}
	// same starting side rule as a session created from this board
	g, err := game.New(date, "preview", &b, ch.ID, time.Time{})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "daily_invalid")
		return
	}
	writeJSON(w, http.StatusOK, challengeRes{
		ID:         ch.ID,
		Date:       date,
		Title:      ch.Title,
		Difficulty: ch.Difficulty,
		Board:      b.Encode(),
		Turn:       string(g.Board().Turn()),
	})
}

type sessionSummary struct {
	SessionID   string    `json:"session_id"`
	HostID      string    `json:"host_id"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleOpenSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive != nil {
		recs, err := s.opts.Archive.ListOpen(r.Context())
		if err == nil {
			out := make([]sessionSummary, 0, len(recs))
			for _, rec := range recs {
				out = append(out, summaryOf(rec))
			}
			writeJSON(w, http.StatusOK, out)
			return
		}
		obslog.L().Warn("lobby_list_failed", zap.Error(err))
	}
	out := []sessionSummary{}
	for _, snap := range s.opts.Sessions.Snapshots() {
		if snap.Status != game.StatusWaiting {
			continue
		}
		out = append(out, sessionSummary{
			SessionID:   snap.ID,
			HostID:      snap.HostID,
			ChallengeID: snap.ChallengeID,
			Status:      string(snap.Status),
			CreatedAt:   snap.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePlayerSessions lists archived sessions the player took part in, newest first.
func (s *Server) handlePlayerSessions(w http.ResponseWriter, r *http.Request) {
	out := []sessionSummary{}
	if s.opts.Archive == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	recs, err := s.opts.Archive.ByPlayer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		obslog.L().Error("player_sessions_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	for _, rec := range recs {
		out = append(out, summaryOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func summaryOf(rec archive.Record) sessionSummary {
	return sessionSummary{
		SessionID:   rec.ID,
		HostID:      rec.HostID,
		ChallengeID: rec.ChallengeID,
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt,
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if e, err := s.opts.Sessions.Get(id); err == nil {
		writeJSON(w, http.StatusOK, dispatch.StateOf(e.Snapshot(), ""))
		return
	}
	if s.opts.Archive != nil {
		rec, err := s.opts.Archive.Load(r.Context(), id)
		switch {
		case err == nil:
			snap, err := rec.Snapshot()
			if err != nil {
				obslog.L().Warn("archive_record_invalid", zap.String("session_id", id), zap.Error(err))
				writeError(w, http.StatusUnprocessableEntity, "archive_invalid")
				return
			}
			writeJSON(w, http.StatusOK, dispatch.StateOf(snap, ""))
			return
		case !errors.Is(err, archive.ErrNotFound):
			obslog.L().Warn("archive_load_failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	writeError(w, http.StatusNotFound, "not_found")
}

type resultRes struct {
	SessionID   string    `json:"session_id"`
	HostID      string    `json:"host_id"`
	GuestID     string    `json:"guest_id"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	Result      string    `json:"result"`
	Reason      string    `json:"reason"`
	Winner      string    `json:"winner,omitempty"`
	Black       int       `json:"black"`
	White       int       `json:"white"`
	Transcript  string    `json:"transcript"`
	EndedAt     time.Time `json:"ended_at"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if s.opts.Results == nil {
		writeJSON(w, http.StatusOK, []resultRes{})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "bad_limit")
			return
		}
		limit = n
	}
	recs, err := s.opts.Results.Recent(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		obslog.L().Error("result_list_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	out := make([]resultRes, 0, len(recs))
	for _, rec := range recs {
		out = append(out, resultRes{
			SessionID:   rec.SessionID,
			HostID:      rec.HostID,
			GuestID:     rec.GuestID,
			ChallengeID: rec.ChallengeID,
			Result:      rec.Result,
			Reason:      rec.Reason,
			Winner:      rec.Winner,
			Black:       rec.ScoreBlack,
			White:       rec.ScoreWhite,
			Transcript:  rec.Transcript,
			EndedAt:     rec.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
