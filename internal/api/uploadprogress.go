package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/datacleanse/internal/pkg/httputil"
	"github.com/ignite/datacleanse/internal/uploadprog"
)

// UploadProgress returns one in-flight upload snapshot.
func (h *Handlers) UploadProgress(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	p, ok := h.uploads.GetProgress(uploadID)
	if !ok {
		httputil.NotFound(w, httputil.CodeTaskNotFound, "upload not found")
		return
	}
	httputil.OK(w, p)
}

// ActiveUploads returns all uploads still in flight.
func (h *Handlers) ActiveUploads(w http.ResponseWriter, r *http.Request) {
	active := h.uploads.GetAllActive()
	if active == nil {
		active = []uploadprog.Progress{}
	}
	httputil.OK(w, active)
}

// StreamUploadProgress streams progress events over SSE until the
// upload terminates or the client disconnects.
func (h *Handlers) StreamUploadProgress(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.Error(w, http.StatusInternalServerError, httputil.CodeInternalError,
			"streaming unsupported")
		return
	}

	updates, cancel, ok := h.uploads.Subscribe(r.Context(), uploadID)
	if !ok {
		httputil.NotFound(w, httputil.CodeTaskNotFound, "upload not found")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
			flusher.Flush()
			if p.Status != uploadprog.StatusUploading {
				return
			}
		}
	}
}
