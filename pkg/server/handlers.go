package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sceneforge/pkg/events"
	"github.com/go-go-golems/sceneforge/pkg/scene"
)

type createSceneRequest struct {
	Name       string `json:"name"`
	TemplateID string `json:"templateId"`
}

func (s *Server) handleCreateScene(w http.ResponseWriter, r *http.Request) {
	var req createSceneRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if req.TemplateID == "" {
		req.TemplateID = scene.DefaultTemplateID
	}

	created, err := s.store.CreateFromTemplate(req.TemplateID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("scene_id", created.ID).Str("template", req.TemplateID).Msg("scene created")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListScenes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Templates())
}

func (s *Server) handleGetScene(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")
	sc, ok := s.store.Get(sceneID)
	if !ok {
		writeError(w, scene.ErrSceneNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")
	if _, ok := s.store.Get(sceneID); !ok {
		writeError(w, scene.ErrSceneNotFound)
		return
	}
	s.store.Delete(sceneID)
	s.exports.Forget(sceneID)
	log.Info().Str("scene_id", sceneID).Msg("scene deleted")
	w.WriteHeader(http.StatusNoContent)
}

type updateFilesRequest struct {
	Files scene.FileSet `json:"files"`
}

func (s *Server) handleUpdateFiles(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")

	var req updateFilesRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if len(req.Files) == 0 {
		writeBadRequest(w, "files must not be empty")
		return
	}

	lock := s.store.Lock(sceneID)
	lock.Lock()
	updated, err := s.store.UpdateFiles(sceneID, req.Files)
	lock.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}

	s.publishUpdate(sceneID, "", events.ReasonFileUpdate)
	writeJSON(w, http.StatusOK, updated)
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Scene       *scene.Scene `json:"scene"`
	Retries     int          `json:"retries"`
	BuildFailed bool         `json:"buildFailed"`
	Diagnostic  string       `json:"diagnostic,omitempty"`
	Explanation string       `json:"explanation"`
}

// handleGenerate runs the full generate-and-build loop. A failed build is
// not an HTTP error: the revision is committed without build output and
// reported through the buildFailed field.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")

	var req generateRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeBadRequest(w, "prompt is required")
		return
	}

	result, err := s.orchestrator.Apply(r.Context(), sceneID, req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Scene:       result.Scene,
		Retries:     result.Retries,
		BuildFailed: result.BuildFailed,
		Diagnostic:  result.Diagnostic,
		Explanation: result.Explanation,
	})
}

func (s *Server) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")
	updated, err := s.store.ResetConversation(sceneID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		writeBadRequest(w, "invalid entry id")
		return
	}

	files, err := s.store.GetSnapshot(sceneID, entryID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updateFilesRequest{Files: files})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "sceneID")
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		writeBadRequest(w, "invalid entry id")
		return
	}

	lock := s.store.Lock(sceneID)
	lock.Lock()
	updated, err := s.store.RevertToSnapshot(sceneID, entryID)
	lock.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}

	log.Info().Str("scene_id", sceneID).Str("entry_id", entryID.String()).Msg("scene reverted")
	s.publishUpdate(sceneID, entryID.String(), events.ReasonRevert)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) publishUpdate(sceneID string, entryID string, reason events.UpdateReason) {
	if s.publisher == nil {
		return
	}
	err := events.PublishSceneUpdated(s.publisher, events.SceneUpdated{
		SceneID: sceneID,
		EntryID: entryID,
		Reason:  reason,
	})
	if err != nil {
		log.Warn().Err(err).Str("scene_id", sceneID).Msg("could not publish scene update")
	}
}
