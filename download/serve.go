package download

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/wolfeidau/docloader"
	"github.com/wolfeidau/docloader/classify"
)

// ServeOptions configures how ServeDocument writes the HTTP response.
type ServeOptions struct {
	ContentType  string
	ExtraHeaders map[string]string // e.g., X-Docloader-Strategy
}

// ErrorBody is the JSON body written for a failed load.
type ErrorBody struct {
	Kind        classify.Kind   `json:"kind"`
	Message     string          `json:"message"`
	Recoverable bool            `json:"recoverable"`
	Action      classify.Action `json:"action"`
	DirectURL   string          `json:"direct_url,omitempty"`
}

// HandleError writes the classified failure as JSON, with directURL as the
// link a viewer can offer instead. Caller cancellation is reported as a
// gateway timeout without being logged as a failure.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, directURL string) {
	cerr := classify.Classify(err)
	status := cerr.HTTPStatus()

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case status >= http.StatusInternalServerError:
		logger.Error("load failed", "kind", cerr.Kind, "error", err)
	default:
		logger.Debug("load failed", "kind", cerr.Kind, "error", err)
	}

	WriteJSON(w, status, ErrorBody{
		Kind:        cerr.Kind,
		Message:     cerr.Message,
		Recoverable: cerr.Recoverable,
		Action:      cerr.Action(),
		DirectURL:   directURL,
	})
}

// ServeDocument writes a loaded document. It sets Content-Type,
// Content-Length and a strong ETag from the content hash, answers matching
// If-None-Match requests with 304, and skips the body for HEAD requests.
func ServeDocument(w http.ResponseWriter, r *http.Request, data []byte, hash docloader.Hash, opts ServeOptions, logger *slog.Logger) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}

	h := w.Header()
	for k, v := range opts.ExtraHeaders {
		h.Set(k, v)
	}
	if !hash.IsZero() {
		h.Set("ETag", hash.ETag())
		if etagMatch(r.Header.Get("If-None-Match"), hash.ETag()) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(data)))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := w.Write(data); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
