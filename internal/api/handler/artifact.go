package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/pkg/apierr"
)

type ArtifactHandler struct {
	logger *slog.Logger
	store  artifact.Store
}

func NewArtifactHandler(logger *slog.Logger, store artifact.Store) *ArtifactHandler {
	return &ArtifactHandler{logger: logger, store: store}
}

// Get returns the artifact record for a fingerprint.
func (h *ArtifactHandler) Get(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if !artifact.ValidFingerprint(fp) {
		writeAPIError(w, h.logger, apierr.InvalidFingerprint())
		return
	}
	rec, err := h.store.Get(r.Context(), fp)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Download streams the verified artifact payload.
func (h *ArtifactHandler) Download(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if !artifact.ValidFingerprint(fp) {
		writeAPIError(w, h.logger, apierr.InvalidFingerprint())
		return
	}
	rec, err := h.store.Get(r.Context(), fp)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	rc, err := h.store.Open(r.Context(), fp)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream artifact", slog.String("fingerprint", fp), slog.String("error", err.Error()))
	}
}

func (h *ArtifactHandler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		writeAPIError(w, h.logger, apierr.ArtifactNotFound())
	case errors.Is(err, artifact.ErrCorrupt):
		writeAPIError(w, h.logger, apierr.ArtifactCorrupt())
	default:
		writeAPIError(w, h.logger, apierr.ArtifactReadFailed(err))
	}
}
