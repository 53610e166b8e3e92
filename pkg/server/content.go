package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// The content endpoint serves bytes permanently tied to their hash, so
// clients may cache them forever. The discovery record is the opposite: it
// points at whatever the scene currently is and must never be cached.
const immutableCacheControl = "public, max-age=31536000, immutable"

func (s *Server) handleLiveAbout(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")

	exp, err := s.exports.Live(sceneID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, exp.About)
}

func (s *Server) handleSnapshotAbout(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		writeBadRequest(w, "invalid entry id")
		return
	}

	exp, err := s.exports.Snapshot(sceneID, entryID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, exp.About)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")
	hash := chi.URLParam(r, "hash")

	data, ok := s.exports.ResolveContent(sceneID, hash)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", immutableCacheControl)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
