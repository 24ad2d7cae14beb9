package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"bookforge/internal/ratelimit"
	"bookforge/internal/servicetoken"
	"bookforge/internal/util"
	"bookforge/pkg/book"
	"bookforge/pkg/domain"
	"bookforge/services/bookgen/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App              *app.App
	InternalVerifier *servicetoken.Verifier
	Limiter          *ratelimit.FixedWindowLimiter // optional; nil disables rate limiting
	TrustedProxies   *util.TrustedProxies
}

// Server exposes HTTP endpoints for the book generation service.
type Server struct {
	app            *app.App
	internalVerify *servicetoken.Verifier
	limiter        *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:            cfg.App,
		internalVerify: cfg.InternalVerifier,
		limiter:        cfg.Limiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bookgen", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/internal/responses/", s.withInternal(s.handleInternalResponse))

	s.mux.Handle("/books", s.withUser(s.handleListBooks))
	s.mux.Handle("/books/", s.withUser(s.handleBookByID))
	s.mux.Handle("/jobs/", s.withUser(s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

// withUser resolves the caller identity from the X-User-Id header. Upstream
// authentication is expected to have populated it.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalVerify == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.internalVerify.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) allowGeneration(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.limiter == nil {
		return true
	}
	key := userID
	if key == "" {
		key = util.ClientIP(r, s.trustedProxies)
	}
	if !s.limiter.Allow(key) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summaries, err := s.app.Summaries(userID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": summaries,
		"count": len(summaries),
	})
}

// /books/{id}[/generate|/finalize|/export|/chapters/...]
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	bookID := parts[0]
	if bookID == "" {
		notFound(w, "not found")
		return
	}

	switch {
	case len(parts) == 1:
		s.handleGetBook(w, r, userID, bookID)
	case len(parts) == 2 && parts[1] == "generate":
		s.handleGenerateBook(w, r, userID, bookID)
	case len(parts) == 2 && parts[1] == "finalize":
		s.handleFinalize(w, r, userID, bookID)
	case len(parts) == 2 && parts[1] == "export":
		s.handleExport(w, r, userID, bookID)
	case len(parts) >= 2 && parts[1] == "chapters":
		s.handleChapters(w, r, userID, bookID, parts[2:])
	default:
		notFound(w, "not found")
	}
}

// /books/{id}/chapters/{n}[/generate|/edit], where {n} may be "next" on
// generate to mean the chapter after the last materialized one.
func (s *Server) handleChapters(w http.ResponseWriter, r *http.Request, userID, bookID string, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		notFound(w, "not found")
		return
	}
	chapter, err := parseChapterSegment(rest[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chapter number")
		return
	}

	switch {
	case len(rest) == 1:
		s.handleGetChapter(w, r, userID, bookID, chapter)
	case len(rest) == 2 && rest[1] == "generate":
		s.handleGenerateChapter(w, r, userID, bookID, chapter)
	case len(rest) == 2 && rest[1] == "edit":
		s.handleEditChapter(w, r, userID, bookID, chapter)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request, userID, bookID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	view, defects, err := s.app.BookView(userID, bookID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	resp := map[string]any{"book": view}
	if len(defects) > 0 {
		resp["parseDefects"] = defects
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetChapter(w http.ResponseWriter, r *http.Request, userID, bookID string, chapter int) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ch, err := s.app.ChapterView(userID, bookID, chapter)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	Async  bool   `json:"async"`
}

func (s *Server) handleGenerateBook(w http.ResponseWriter, r *http.Request, userID, bookID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowGeneration(w, r, userID) {
		return
	}
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Async {
		job, err := s.app.EnqueueGeneration(r.Context(), userID, bookID, 0, req.Prompt)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	view, err := s.app.GenerateBook(r.Context(), userID, bookID, req.Prompt)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGenerateChapter(w http.ResponseWriter, r *http.Request, userID, bookID string, chapter int) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowGeneration(w, r, userID) {
		return
	}
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Async {
		job, err := s.app.EnqueueGeneration(r.Context(), userID, bookID, chapter, req.Prompt)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	ch, err := s.app.GenerateChapter(r.Context(), userID, bookID, chapter, req.Prompt)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

type editRequest struct {
	Instructions string `json:"instructions"`
}

func (s *Server) handleEditChapter(w http.ResponseWriter, r *http.Request, userID, bookID string, chapter int) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowGeneration(w, r, userID) {
		return
	}
	if chapter <= 0 {
		writeError(w, http.StatusBadRequest, "invalid chapter number")
		return
	}
	var req editRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	edit := domain.EditRequest{UserID: userID, BookID: bookID, Chapter: chapter}
	ch, err := s.app.SubmitEdit(r.Context(), edit, req.Instructions)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

type finalizeRequest struct {
	Chapter int `json:"chapter"` // 0 => whole book
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request, userID, bookID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	// An empty body finalizes the whole book.
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var chapter *int
	if req.Chapter != 0 {
		chapter = &req.Chapter
	}
	created, err := s.app.Finalize(userID, bookID, chapter)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	status := "already finalized"
	if created {
		status = "finalized"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"created": created,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, userID, bookID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.ExportBook(r.Context(), userID, bookID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// /jobs/{id}
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		notFound(w, "not found")
		return
	}
	job, ok, err := s.app.JobStatus(r.Context(), jobID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if !ok || job.UserID != userID {
		notFound(w, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// /internal/responses/{id}
func (s *Server) handleInternalResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/internal/responses/"), "/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid response id")
		return
	}
	rec, err := s.app.RawResponse(id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrBookNotFound),
		errors.Is(err, app.ErrChapterNotFound),
		errors.Is(err, app.ErrResponseNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrBookFinalized),
		errors.Is(err, app.ErrChapterFinalized):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrPromptRequired),
		errors.Is(err, book.ErrInvalidChapter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrGenerationFailed):
		writeError(w, http.StatusBadGateway, "generation failed")
	case errors.Is(err, app.ErrQueueDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseChapterSegment(raw string) (int, error) {
	if raw == "next" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid chapter segment")
	}
	return n, nil
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForBookgen(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForBookgen(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "internal auth not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "chapter not found":
		return "CHAPTER_NOT_FOUND"
	case message == "response not found":
		return "RESPONSE_NOT_FOUND"
	case message == "job not found":
		return "JOB_NOT_FOUND"
	case message == "book finalized":
		return "BOOK_FINALIZED"
	case message == "chapter finalized":
		return "CHAPTER_FINALIZED"
	case message == "generation failed":
		return "GENERATION_FAILED"
	case message == "prompt required":
		return "PROMPT_REQUIRED"
	case strings.Contains(message, "invalid chapter"):
		return "CHAPTER_INVALID_NUMBER"
	case message == "invalid json body":
		return "BOOK_INVALID_REQUEST"
	case message == "invalid response id":
		return "RESPONSE_INVALID_ID"
	case message == "rate limit exceeded":
		return "RATE_LIMIT_EXCEEDED"
	case message == "job queue not configured":
		return "QUEUE_UNAVAILABLE"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "BOOK_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "BOOK_NOT_FOUND"
	case http.StatusConflict:
		return "BOOK_CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMIT_EXCEEDED"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
