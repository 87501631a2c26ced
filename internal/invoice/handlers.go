package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/invoice-bridge/internal/accounting"
	"github.com/zombor/invoice-bridge/internal/upstream"
)

const (
	maxUploadSize   = int64(50 << 20) // 50MB, enough for high-resolution phone photos
	multipartSlack  = int64(1 << 20)  // room for the multipart framing around the file
	maxPushBodySize = int64(1 << 20)
)

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes the error envelope with a status reflecting the failure class
func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{
		"ok":    false,
		"error": err.Error(),
	}

	var uerr *upstream.Error
	var exchangeErr *accounting.TokenExchangeError
	switch {
	case errors.As(err, &uerr) && uerr.Kind == upstream.ErrRejected:
		body["status"] = uerr.Status
		body["body"] = uerr.Body
	case errors.As(err, &exchangeErr):
		body["status"] = exchangeErr.Status
		body["body"] = exchangeErr.Body
	}

	writeJSON(w, statusFor(err), body)
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	var validationErr *accounting.ValidationError
	switch {
	case errors.As(err, &validationErr),
		errors.Is(err, ErrEmptyDocument),
		errors.Is(err, ErrUnreadableDocument):
		return http.StatusBadRequest
	case errors.Is(err, accounting.ErrNotConnected):
		return http.StatusUnauthorized
	case errors.Is(err, ErrOverloaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, upstream.ErrUnavailable),
		errors.Is(err, upstream.ErrRejected),
		errors.Is(err, accounting.ErrTokenExchangeFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		// The run outlived its deadline without a remote call failing
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// detectContentType falls back to the file extension when the part has no type
func detectContentType(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return ""
	}
}

// handleParseInvoice runs the document pipeline over an uploaded file
func (s *Server) handleParseInvoice(w http.ResponseWriter, r *http.Request) {
	tooLarge := fmt.Sprintf("File is too large. Maximum size is %dMB.", s.maxUploadSize>>20)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartSlack)
	if err := r.ParseMultipartForm(s.maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			errorMsg = tooLarge
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": errorMsg})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "No file uploaded. Use form field 'file'.",
		})
		return
	}
	defer f.Close()

	// The body limit includes the multipart framing, so check the file itself
	if header.Size > s.maxUploadSize {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": tooLarge})
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":    false,
			"error": "Error reading file. Please try again.",
		})
		return
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename)

	result, err := s.service.ParseInvoice(r.Context(), header.Filename, data, contentType)
	if err != nil {
		loggerFrom(r.Context()).Error("Error processing invoice", "filename", header.Filename, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

// handleAuthorize redirects the browser to the provider's consent page
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.service.AuthorizationURL()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleAuthCallback completes the OAuth flow and renders a confirmation page
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		http.Error(w, fmt.Sprintf("Authorization denied: %s %s", providerErr, query.Get("error_description")), http.StatusBadRequest)
		return
	}
	code := query.Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	division, err := s.service.Connect(r.Context(), code)
	if err != nil {
		loggerFrom(r.Context()).Error("OAuth callback failed", "error", err)
		if errors.Is(err, accounting.ErrTokenExchangeFailed) {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		http.Error(w, "OAuth error: "+err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := connectedPage.Execute(w, map[string]any{"Division": division}); err != nil {
		slog.Error("Error rendering page", "error", err)
	}
}

// handleStatus reports the accounting connection
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.AccountingStatus())
}

// handlePushInvoice books an extracted invoice in the accounting system
func (s *Server) handlePushInvoice(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBodySize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "Invalid request body"})
		return
	}

	result, err := s.service.PushInvoice(r.Context(), req)
	if err != nil {
		loggerFrom(r.Context()).Error("Error pushing invoice", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

// handleListPushes returns the push journal, newest first
func (s *Server) handleListPushes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := s.service.ListPushes(limit)
	if err != nil {
		slog.Error("Error listing pushes", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, records)
}
