// Package httpapi is the recognizer's HTTP front door:
//
//	POST /blobs            — initialize an upload, returns the presigned URL
//	GET  /blobs/{blob_id}  — recognition result for a blob
//
// Responses are JSON. Failures surface only the coarse error kind; internal
// detail stays in the logs.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/blob-recognizer/internal/record"
	"github.com/fpang/blob-recognizer/internal/recognizer"
)

// maxBodySize is the maximum allowed request body size. Requests carry a
// single callback URL, so anything near this limit is garbage.
const maxBodySize = 64 << 10 // 64 KB

// Handler serves the blob endpoints.
type Handler struct {
	svc *recognizer.Service
}

// NewHandler creates the front-door handler over the recognizer service.
func NewHandler(svc *recognizer.Service) *Handler {
	return &Handler{svc: svc}
}

// Mux returns a ServeMux with the blob routes registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/blobs", h.handleBlobs)
	mux.HandleFunc("/blobs/", h.handleBlobByID)
	return mux
}

// initRequest is the POST /blobs body.
type initRequest struct {
	CallbackURL string `json:"callback_url"`
}

// resultResponse is the GET /blobs/{blob_id} body.
type resultResponse struct {
	BlobID    string           `json:"blob_id"`
	Status    record.Status    `json:"status"`
	Labels    []record.Label   `json:"labels,omitempty"`
	ErrorKind record.ErrorKind `json:"error_kind,omitempty"`
}

func (h *Handler) handleBlobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req initRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a callback_url")
		return
	}

	grant, err := h.svc.InitializeUpload(r.Context(), req.CallbackURL)
	if err != nil {
		if errors.Is(err, recognizer.ErrInvalidCallbackURL) {
			writeError(w, http.StatusBadRequest, recognizer.ErrInvalidCallbackURL.Error())
			return
		}
		log.Error().Err(err).Msg("Upload initialization failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, grant)
}

func (h *Handler) handleBlobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	blobID := strings.TrimPrefix(r.URL.Path, "/blobs/")
	if blobID == "" || strings.Contains(blobID, "/") {
		writeError(w, http.StatusNotFound, "blob not found")
		return
	}

	rec, err := h.svc.GetResult(r.Context(), blobID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			writeError(w, http.StatusNotFound, "blob not found")
			return
		}
		log.Error().Err(err).Str("blobId", blobID).Msg("Result lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{
		BlobID:    rec.BlobID,
		Status:    rec.Status,
		Labels:    rec.Labels,
		ErrorKind: rec.ErrorKind,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
