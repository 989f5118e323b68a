package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"photoedit/internal/agent"
	"photoedit/internal/imagegen"
	"photoedit/internal/models"
	"photoedit/internal/persist"
	"photoedit/internal/session"
	"photoedit/internal/tips"
)

// AgentRunner runs one agent request, passing events to emit in order.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request, emit func(agent.Event)) agent.Result
}

// ProjectStore reads and removes stored projects.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Agent    AgentRunner
	Tips     tips.Streamer
	Images   imagegen.Synthesizer
	Sessions *session.Store
	// Persister receives persistence calls; usually a kafka publisher.
	Persister persist.Persister
	Projects  ProjectStore
}

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	http   *http.Server
	deps   Deps
	logger *slog.Logger
}

func NewServer(cfg *models.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Persister == nil {
		deps.Persister = persist.Nop{}
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore(session.Options{Logger: logger})
	}

	r := gin.Default()
	r.Static("/files", cfg.StoragePath)

	s := &Server{cfg: cfg, router: r, deps: deps, logger: logger}

	api := r.Group("/api")
	api.POST("/agent", s.handleAgent)
	api.DELETE("/agent/session/:projectId", s.handleResetSession)
	api.POST("/tips", s.handleTips)
	api.POST("/preview", s.handlePreview)
	api.POST("/upload", s.handleUpload)

	projects := api.Group("/projects/:id")
	projects.GET("", s.handleGetProject)
	projects.DELETE("", s.handleDeleteProject)
	projects.PUT("/name", s.handleRenameProject)
	projects.POST("/snapshots", s.handleSaveSnapshot)
	projects.POST("/messages", s.handleSaveMessage)
	projects.PUT("/snapshots/:sid/tips", s.handleUpdateTips)
	projects.PUT("/snapshots/:sid/description", s.handleUpdateDescription)

	s.http = &http.Server{Addr: cfg.ServerAddr, Handler: r}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.ServerAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
