package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfeidau/docloader"
	"github.com/wolfeidau/docloader/download"
	"github.com/wolfeidau/docloader/fetch"
	"github.com/wolfeidau/docloader/storage"
	"github.com/wolfeidau/docloader/telemetry"
)

// registerEmulatorRoutes serves the local store under the Supabase Storage
// REST paths, so the Supabase client and the resolver's URL templates work
// against it unchanged.
func (s *Server) registerEmulatorRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /storage/v1/object/public/{bucket}/{path...}", s.handlePublicObject)
	mux.HandleFunc("GET /storage/v1/object/sign/{bucket}/{path...}", s.handleSignedObject)
	mux.HandleFunc("POST /storage/v1/object/sign/{bucket}/{path...}", s.requireServiceKey(s.handleSign))
	mux.HandleFunc("GET /storage/v1/object/{bucket}/{path...}", s.requireServiceKey(s.handleAuthenticatedObject))
	mux.HandleFunc("POST /storage/v1/object/{bucket}/{path...}", s.requireServiceKey(s.handleUpload))
	mux.HandleFunc("PUT /storage/v1/object/{bucket}/{path...}", s.requireServiceKey(s.handleUpload))
}

// storageError is the error body shape of the Supabase Storage API.
type storageError struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func (s *Server) handlePublicObject(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "storage_public")

	data, info, err := s.local.ReadPublic(r.Context(), r.PathValue("bucket"), r.PathValue("path"))
	if errors.Is(err, storage.ErrBucketNotPublic) {
		// Supabase does not reveal private objects through the public path.
		err = storage.ErrObjectNotFound
	}
	if err != nil {
		s.storageFailure(w, r, err)
		return
	}
	s.serveObject(w, r, data, info)
}

func (s *Server) handleSignedObject(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "storage_signed")

	data, info, err := s.local.ReadSigned(r.Context(), r.PathValue("bucket"), r.PathValue("path"), r.URL.Query().Get("token"))
	if err != nil {
		s.storageFailure(w, r, err)
		return
	}
	s.serveObject(w, r, data, info)
}

func (s *Server) handleAuthenticatedObject(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "storage_download")

	bucket, path := r.PathValue("bucket"), r.PathValue("path")
	info, err := s.local.Stat(r.Context(), bucket, path)
	if err != nil {
		s.storageFailure(w, r, err)
		return
	}
	data, err := s.local.Download(r.Context(), bucket, path)
	if err != nil {
		s.storageFailure(w, r, err)
		return
	}
	s.serveObject(w, r, data, info)
}

type signRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

type signResponse struct {
	SignedURL string `json:"signedURL"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "storage_sign")

	var req signRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || req.ExpiresIn <= 0 {
		writeStorageError(w, http.StatusBadRequest, "invalid_request", "expiresIn must be a positive number of seconds")
		return
	}

	rel, err := s.local.Sign(r.Context(), r.PathValue("bucket"), r.PathValue("path"), time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		s.storageFailure(w, r, err)
		return
	}
	download.WriteJSON(w, http.StatusOK, signResponse{SignedURL: rel})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "storage_upload")

	data, err := fetch.ReadLimited(r.Body, fetch.DefaultMaxSize)
	if err != nil {
		s.storageFailure(w, r, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	info, err := s.local.Put(r.Context(), r.PathValue("bucket"), r.PathValue("path"), data, contentType)
	if err != nil {
		s.storageFailure(w, r, err)
		return
	}
	download.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, data []byte, info storage.ObjectInfo) {
	download.ServeDocument(w, r, data, info.Hash, download.ServeOptions{
		ContentType: info.ContentType,
		ExtraHeaders: map[string]string{
			"Last-Modified": info.UpdatedAt.UTC().Format(http.TimeFormat),
		},
	}, s.logger)
}

func (s *Server) storageFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := storage.HTTPStatus(err)
	switch {
	case errors.Is(err, docloader.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, fetch.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	}

	telemetry.SetErrorKind(r, storageErrorCode(status))
	if status >= http.StatusInternalServerError {
		s.logger.Error("storage request failed", "path", r.URL.Path, "error", err)
	}
	writeStorageError(w, status, storageErrorCode(status), err.Error())
}

func storageErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	}
	return "internal"
}

func writeStorageError(w http.ResponseWriter, status int, code, message string) {
	download.WriteJSON(w, status, storageError{
		StatusCode: strconv.Itoa(status),
		Error:      code,
		Message:    message,
	})
}
