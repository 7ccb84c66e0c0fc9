package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"threatdeck/api/internal/auth"
	"threatdeck/api/internal/export"
	"threatdeck/api/internal/history"
	"threatdeck/api/internal/images"
	"threatdeck/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 2 && parts[0] == "api" && parts[1] == "matches" && r.Method == http.MethodPost {
		s.handleRegisterMatch(w, r)
		return
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "matches" {
		matchID := parts[2]
		rest := parts[3:]

		switch {
		case len(rest) == 1 && rest[0] == "threats" && r.Method == http.MethodGet:
			s.handleThreats(w, r, matchID)
			return
		case len(rest) == 2 && rest[0] == "threats" && rest[1] == "search" && r.Method == http.MethodGet:
			s.handleThreatSearch(w, r, matchID)
			return
		case len(rest) == 2 && rest[0] == "export" && rest[1] == "model" && r.Method == http.MethodGet:
			s.handleExportModel(w, r, matchID)
			return
		case len(rest) == 2 && rest[0] == "export" && rest[1] == "report" && r.Method == http.MethodGet:
			s.handleExportReport(w, r, matchID)
			return
		case len(rest) == 3 && rest[0] == "diagrams" && rest[2] == "graph" && r.Method == http.MethodGet:
			s.handleGraph(w, r, matchID, rest[1])
			return
		case len(rest) == 1 && rest[0] == "model" && r.Method == http.MethodPut:
			s.handlePutModel(w, r, matchID)
			return
		case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
			s.handleHistory(w, r, matchID)
			return
		case len(rest) == 4 && rest[0] == "history" && rest[2] == "export" && rest[3] == "model" && r.Method == http.MethodGet:
			s.handleExportModelAt(w, r, matchID, rest[1])
			return
		case len(rest) == 1 && rest[0] == "image" && r.Method == http.MethodGet:
			s.handleImage(w, r, matchID)
			return
		case len(rest) == 1 && rest[0] == "image" && r.Method == http.MethodPut:
			s.handlePutImage(w, r, matchID)
			return
		case len(rest) == 1 && rest[0] == "token" && r.Method == http.MethodPost:
			s.handleIssueToken(w, r, matchID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := s.service.Ready(ctx)
	checks := map[string]any{}
	for name, err := range failures {
		checks[name] = map[string]any{"status": "error", "error": err.Error()}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "status": "not_ready", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
}

func (s *HTTPServer) handleThreats(w http.ResponseWriter, r *http.Request, matchID string) {
	threats, err := s.service.Threats(r.Context(), matchID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threats": threats})
}

func (s *HTTPServer) handleThreatSearch(w http.ResponseWriter, r *http.Request, matchID string) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	response, err := s.service.SearchThreats(r.Context(), matchID, query.Get("q"), limit, offset)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleExportModel(w http.ResponseWriter, r *http.Request, matchID string) {
	result, err := s.service.ExportModel(r.Context(), matchID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeAttachment(w, result)
}

func (s *HTTPServer) handleExportModelAt(w http.ResponseWriter, r *http.Request, matchID, hash string) {
	result, err := s.service.ExportModelAt(r.Context(), matchID, hash)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeAttachment(w, result)
}

func (s *HTTPServer) handleExportReport(w http.ResponseWriter, r *http.Request, matchID string) {
	format := export.FormatMarkdown
	if requested := r.URL.Query().Get("format"); requested != "" {
		format = export.Format(requested)
		if format != export.FormatMarkdown && format != export.FormatPDF && format != export.FormatDOCX {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'markdown', 'pdf' or 'docx'", nil)
			return
		}
	}

	result, err := s.service.ExportReport(r.Context(), matchID, format)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeAttachment(w, result)
}

func (s *HTTPServer) handleGraph(w http.ResponseWriter, r *http.Request, matchID, indexRaw string) {
	index, err := strconv.Atoi(indexRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INDEX", "Diagram index must be an integer", nil)
		return
	}
	graph, err := s.service.RenderGraph(r.Context(), matchID, index)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *HTTPServer) handlePutModel(w http.ResponseWriter, r *http.Request, matchID string) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read request body", nil)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Body must be valid JSON", nil)
		return
	}

	rev, err := s.service.PutModel(r.Context(), matchID, token, json.RawMessage(body))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": rev})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, matchID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	revisions, err := s.service.History(r.Context(), matchID, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

func (s *HTTPServer) handleImage(w http.ResponseWriter, r *http.Request, matchID string) {
	reader, contentType, size, err := s.service.Image(r.Context(), matchID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, reader)
}

func (s *HTTPServer) handlePutImage(w http.ResponseWriter, r *http.Request, matchID string) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
		return
	}

	filename := r.URL.Query().Get("filename")
	body := io.LimitReader(r.Body, 16<<20)
	if err := s.service.PutImage(r.Context(), matchID, token, filename, body, r.ContentLength); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRegisterMatch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var reg MatchRegistration
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Body must be valid JSON", nil)
		return
	}
	if err := s.service.RegisterMatch(r.Context(), reg); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": reg.ID})
}

func (s *HTTPServer) handleIssueToken(w http.ResponseWriter, r *http.Request, matchID string) {
	defer r.Body.Close()

	var credentials struct {
		Position int    `json:"position"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&credentials); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Body must be valid JSON", nil)
		return
	}
	token, err := s.service.IssuePlayerToken(r.Context(), matchID, credentials.Position, credentials.Secret)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// writeAttachment sends a finished export artifact as a file download. The
// Content-Disposition header must be exposed for browser clients to read
// the filename.
func writeAttachment(w http.ResponseWriter, result *export.Result) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
	w.Header().Set("Content-Type", result.MimeType)
	_, _ = w.Write(result.Data)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export renderer unavailable", nil
	}
	if errors.Is(err, history.ErrBadMatchID) {
		return http.StatusBadRequest, "INVALID_MATCH_ID", "Match id is not valid", nil
	}
	if errors.Is(err, images.ErrImageNotFound) {
		return http.StatusNotFound, "IMAGE_NOT_FOUND", "Image not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
