package server

import (
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sceneforge/pkg/export"
	"github.com/go-go-golems/sceneforge/pkg/orchestrator"
	"github.com/go-go-golems/sceneforge/pkg/scene"
)

// Server exposes the scene store, the generation loop and the
// content-addressed export surface over HTTP.
type Server struct {
	store        *scene.Store
	exports      *export.Service
	orchestrator *orchestrator.Orchestrator
	publisher    message.Publisher

	router chi.Router
}

func New(store *scene.Store, exports *export.Service, orch *orchestrator.Orchestrator, publisher message.Publisher) *Server {
	s := &Server{
		store:        store,
		exports:      exports,
		orchestrator: orch,
		publisher:    publisher,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/templates", s.handleListTemplates)

		r.Route("/scenes", func(r chi.Router) {
			r.Post("/", s.handleCreateScene)
			r.Get("/", s.handleListScenes)

			r.Route("/{sceneID}", func(r chi.Router) {
				r.Get("/", s.handleGetScene)
				r.Delete("/", s.handleDeleteScene)
				r.Put("/files", s.handleUpdateFiles)
				r.Post("/generate", s.handleGenerate)
				r.Post("/conversation/reset", s.handleResetConversation)
				r.Get("/snapshots/{entryID}", s.handleGetSnapshot)
				r.Post("/revert/{entryID}", s.handleRevert)
			})
		})
	})

	// Export surface: discovery records plus content-addressed bytes.
	r.Route("/scenes/{sceneID}", func(r chi.Router) {
		r.Get("/about", s.handleLiveAbout)
		r.Get("/entries/{entryID}/about", s.handleSnapshotAbout)
		r.Get("/content/{hash}", s.handleContent)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request handled")
	})
}
