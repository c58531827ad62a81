// Package localapi serves the typed read/write surface over loopback HTTP for
// the local UI. It is not a presentation layer: it only exposes the facade,
// transfer, backup, and runner operations as JSON endpoints.
package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/floegence/promptvault/internal/backup"
	"github.com/floegence/promptvault/internal/legacy"
	"github.com/floegence/promptvault/internal/llm"
	"github.com/floegence/promptvault/internal/prompt"
	"github.com/floegence/promptvault/internal/store"
	"github.com/floegence/promptvault/internal/transfer"
)

type Options struct {
	Logger *slog.Logger
	Port   int

	Store     *store.Store
	Transfer  *transfer.Manager
	Reminder  *backup.Reminder
	Migration *legacy.Manager

	// Runner is optional; run endpoints return 503 without it.
	Runner *llm.Runner
}

type Server struct {
	log  *slog.Logger
	port int

	store     *store.Store
	transfer  *transfer.Manager
	reminder  *backup.Reminder
	migration *legacy.Manager
	runner    *llm.Runner

	srv *http.Server
	ln  net.Listener
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Transfer == nil || opts.Reminder == nil || opts.Migration == nil {
		return nil, errors.New("missing dependencies")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	port := opts.Port
	if port <= 0 {
		return nil, errors.New("missing port")
	}
	return &Server{
		log:       logger,
		port:      port,
		store:     opts.Store,
		transfer:  opts.Transfer,
		reminder:  opts.Reminder,
		migration: opts.Migration,
		runner:    opts.Runner,
	}, nil
}

// routes builds the request mux. Split from Start so tests can drive the
// handlers without binding a port.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/prompts", s.handleList)
	mux.HandleFunc("POST /api/v1/prompts", s.handleInsert)
	mux.HandleFunc("GET /api/v1/prompts/{id}", s.handleGet)
	mux.HandleFunc("PUT /api/v1/prompts/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/v1/prompts/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/v1/prompts/{id}/run", s.handleRun)
	mux.HandleFunc("POST /api/v1/prompts/{id}/runs/{runID}/save", s.handleSaveRun)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	mux.HandleFunc("POST /api/v1/export", s.handleExport)
	mux.HandleFunc("POST /api/v1/import", s.handleImport)

	mux.HandleFunc("GET /api/v1/backup/reminder", s.handleReminderState)
	mux.HandleFunc("POST /api/v1/backup/dismiss", s.handleReminderDismiss)
	mux.HandleFunc("POST /api/v1/backup/run", s.handleBackupRun)

	mux.HandleFunc("POST /api/v1/sql", s.handleSQL)
	mux.HandleFunc("GET /api/v1/sql/history", s.handleSQLHistory)
	mux.HandleFunc("GET /api/v1/sql/favorites", s.handleSQLFavoritesList)
	mux.HandleFunc("POST /api/v1/sql/favorites", s.handleSQLFavoritesSave)
	mux.HandleFunc("DELETE /api/v1/sql/favorites/{id}", s.handleSQLFavoritesDelete)

	mux.HandleFunc("GET /api/v1/analysis/sessions", s.handleAnalysisList)
	mux.HandleFunc("POST /api/v1/analysis/sessions", s.handleAnalysisSave)
	mux.HandleFunc("DELETE /api/v1/analysis/sessions/{id}", s.handleAnalysisDelete)

	mux.HandleFunc("GET /api/v1/migration/status", s.handleMigrationStatus)
	mux.HandleFunc("POST /api/v1/migration/run", s.handleMigrationRun)
	return mux
}

// Start listens on loopback only and serves until Shutdown.
func (s *Server) Start() error {
	if s == nil {
		return errors.New("nil server")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("local api listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("local api serve failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.store.ListAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if p == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "prompt not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var p prompt.Prompt
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = prompt.NewID()
	}
	if err := s.store.Insert(r.Context(), &p); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p prompt.Prompt
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	p.ID = r.PathValue("id")
	if err := s.store.Update(r.Context(), &p); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SoftDelete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "prompt runner not configured (set provider api key)"})
		return
	}
	var body struct {
		Variables map[string]string `json:"variables"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	run, err := s.runner.Run(r.Context(), r.PathValue("id"), body.Variables)
	if err != nil && run == nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSaveRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "prompt runner not configured"})
		return
	}
	var body struct {
		Name  string `json:"name"`
		Notes string `json:"notes"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := s.runner.SaveRun(r.Context(), r.PathValue("id"), r.PathValue("runID"), body.Name, body.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"saved": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Format string `json:"format"`
		Path   string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	format, err := transfer.ParseFormat(body.Format)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	res, err := s.transfer.Export(r.Context(), format, body.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	res, err := s.transfer.ImportFromFile(r.Context(), body.Path)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReminderState(w http.ResponseWriter, r *http.Request) {
	st, err := s.reminder.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReminderDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.reminder.Dismiss(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dismissed": true})
}

func (s *Server) handleBackupRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.reminder.TriggerBackup(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query  string `json:"query"`
		Params []any  `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	res, err := s.store.ExecuteRaw(r.Context(), body.Query, body.Params...)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSQLHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.store.ListSQLHistory(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleSQLFavoritesList(w http.ResponseWriter, r *http.Request) {
	favs, err := s.store.ListSQLFavorites(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"favorites": favs})
}

func (s *Server) handleSQLFavoritesSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	id, err := s.store.SaveSQLFavorite(r.Context(), body.Name, body.Query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleSQLFavoritesDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
		return
	}
	if err := s.store.DeleteSQLFavorite(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleAnalysisList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListAnalysisSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleAnalysisSave(w http.ResponseWriter, r *http.Request) {
	var sess store.AnalysisSession
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if strings.TrimSpace(sess.ID) == "" {
		sess.ID = prompt.NewID()
	}
	if err := s.store.SaveAnalysisSession(r.Context(), &sess); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAnalysisDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAnalysisSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.migration.CheckStatus(r.Context(), s.store)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMigrationRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.migration.MigrateAll(r.Context(), s.store)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		s.log.Warn("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateID):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}
