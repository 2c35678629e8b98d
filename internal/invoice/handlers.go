package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/invoice-ledger/internal/scanning"
)

// maxBatchSize bounds a whole multipart batch upload
var maxBatchSize = int64(200 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeJSONError writes a JSON error body; code names the error kind for the UI
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	setCORSHeaders(w)
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// writeServiceError maps service errors onto HTTP responses
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scanning.ErrAuthenticationMissing):
		writeJSONError(w, http.StatusUnauthorized, "authentication_missing",
			"No API key is configured. Enter an API key for this session to continue.")
	case errors.Is(err, ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, "session_not_found", "Session not found")
	case errors.Is(err, ErrRowNotFound):
		writeJSONError(w, http.StatusNotFound, "row_not_found", "Row not found")
	case errors.Is(err, ErrLedgerFormat):
		writeJSONError(w, http.StatusInternalServerError, "ledger_unreadable",
			"The ledger file has a layout this version cannot read. Nothing was saved.")
	case errors.Is(err, ErrLedgerWrite):
		writeJSONError(w, http.StatusInternalServerError, "ledger_write_failed",
			"Saving to the ledger failed. Nothing was saved, please try again.")
	case errors.Is(err, ErrUnsupportedFormat):
		writeJSONError(w, http.StatusBadRequest, "unsupported_format", err.Error())
	default:
		slog.Error("Request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

// sessionView is the API shape of a session; the key itself never leaves the server
type sessionView struct {
	ID            string   `json:"id"`
	Rows          []Record `json:"rows"`
	HasCredential bool     `json:"has_credential"`
}

func (s *Server) viewSession(session *Session) sessionView {
	return sessionView{
		ID:            session.ID,
		Rows:          session.Rows,
		HasCredential: s.service.HasCredential(session),
	}
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleCreateSession starts a new review session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.NewSession()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewSession(session))
}

// handleGetSession returns a session with its review rows
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.GetSession(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewSession(session))
}

// handleSetCredential stores an API key entered for the session
func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_credential", "API key must not be empty")
		return
	}

	if err := s.service.SetAPIKey(r.PathValue("id"), req.APIKey); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// contentTypeFor determines the media type of an uploaded part
func contentTypeFor(filename, declared string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return contentType
}

// batchEvent is one line of the NDJSON batch stream
type batchEvent struct {
	Type     string       `json:"type"`
	Progress *Progress    `json:"progress,omitempty"`
	Result   *BatchResult `json:"result,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// handleRunBatch extracts every uploaded file and streams progress as NDJSON.
// Errors that stop the batch before the first item are returned as plain JSON errors.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBatchSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_upload", "Upload is too large. Maximum batch size is 200MB.")
			return
		}
		slog.Error("Error parsing multipart form", "error", err)
		writeJSONError(w, http.StatusBadRequest, "invalid_upload", "Error parsing form")
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_upload", "No files were selected. Please choose at least one file to upload.")
		return
	}

	var total int64
	artifacts := make([]Artifact, 0, len(headers))
	for _, header := range headers {
		total += header.Size
		if total > maxBatchSize {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_upload", "Upload is too large. Maximum batch size is 200MB.")
			return
		}

		data, err := readPart(header)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			writeJSONError(w, http.StatusInternalServerError, "invalid_upload", "Error reading file. Please try again.")
			return
		}
		artifacts = append(artifacts, Artifact{
			Filename:    header.Filename,
			ContentType: contentTypeFor(header.Filename, header.Header.Get("Content-Type")),
			Data:        data,
		})
	}

	started := false
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	emit := func(ev batchEvent) {
		if !started {
			setCORSHeaders(w)
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(ev); err != nil {
			slog.Error("Error encoding batch event", "error", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	result, err := s.service.RunBatch(r.PathValue("id"), artifacts, func(p Progress) {
		emit(batchEvent{Type: "progress", Progress: &p})
	})
	if err != nil {
		if !started {
			writeServiceError(w, err)
			return
		}
		emit(batchEvent{Type: "error", Error: err.Error()})
		return
	}
	emit(batchEvent{Type: "result", Result: result})
}

// readPart reads one uploaded file into memory
func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("opening part: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleReplaceRows replaces the review buffer with the edited table
func (s *Server) handleReplaceRows(w http.ResponseWriter, r *http.Request) {
	var rows []Record
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := s.service.ReplaceRows(r.PathValue("id"), rows)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleInsertRow appends a row; an empty body inserts a blank row
func (s *Server) handleInsertRow(w http.ResponseWriter, r *http.Request) {
	var row Record
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil && !errors.Is(err, io.EOF) {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := s.service.InsertRow(r.PathValue("id"), row)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateRow applies cell edits to one row
func (s *Server) handleUpdateRow(w http.ResponseWriter, r *http.Request) {
	var row Record
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := s.service.UpdateRow(r.PathValue("id"), r.PathValue("row"), row)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteRow removes one row
func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRow(r.PathValue("id"), r.PathValue("row")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetRowFile returns the uploaded original of a row
func (s *Server) handleGetRowFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetRowFile(r.PathValue("id"), r.PathValue("row"))
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleCommit appends the review buffer to the ledger
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.Commit(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"committed": n})
}

// handleListLedger returns the ledger, newest first
func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListLedger()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleExportLedger returns the ledger as a csv or xlsx attachment
func (s *Server) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	export, err := s.service.ExportLedger(r.URL.Query().Get("format"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	w.Write(export.Data)
}

// handleListModels lists the models available to the configured scanner
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.service.ListModels(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, models)
}
