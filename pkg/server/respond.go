package server

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sceneforge/pkg/export"
	"github.com/go-go-golems/sceneforge/pkg/orchestrator"
	"github.com/go-go-golems/sceneforge/pkg/scene"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("could not encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var collaborator *orchestrator.CollaboratorError
	switch {
	case errors.Is(err, scene.ErrSceneNotFound),
		errors.Is(err, scene.ErrTemplateNotFound),
		errors.Is(err, scene.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, export.ErrMissingDescriptor),
		errors.Is(err, export.ErrInvalidDescriptor):
		status = http.StatusBadRequest
	case errors.As(err, &collaborator):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}
