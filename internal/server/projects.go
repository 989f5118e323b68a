package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"photoedit/internal/imageref"
	"photoedit/internal/models"
	"photoedit/internal/storage"
)

const maxUpload = 20 << 20

// handleUpload normalizes an uploaded photo and returns it as a reference.
func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	ref, err := imageref.Normalize(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"image": ref})
}

func (s *Server) handleGetProject(c *gin.Context) {
	const op = "server.handleGetProject"
	if s.deps.Projects == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "projects are not stored"})
		return
	}

	p, err := s.deps.Projects.GetProject(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	const op = "server.handleDeleteProject"
	id := c.Param("id")
	if s.deps.Projects == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "projects are not stored"})
		return
	}

	err := s.deps.Projects.DeleteProject(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	s.deps.Sessions.Reset(id)
	c.Status(http.StatusNoContent)
}

// SnapshotBody is the body of POST /api/projects/:id/snapshots.
type SnapshotBody struct {
	Snapshot models.Snapshot `json:"snapshot"`
	Index    int             `json:"index"`
}

// TipsBody is the body of PUT /api/projects/:id/snapshots/:sid/tips.
type TipsBody struct {
	Tips []models.Tip `json:"tips"`
}

// DescriptionBody is the body of PUT /api/projects/:id/snapshots/:sid/description.
type DescriptionBody struct {
	Description string `json:"description"`
}

// NameBody is the body of PUT /api/projects/:id/name.
type NameBody struct {
	Name string `json:"name"`
}

func (s *Server) handleSaveSnapshot(c *gin.Context) {
	var body SnapshotBody
	if !bind(c, &body) {
		return
	}
	if body.Snapshot.ID == "" || body.Snapshot.Image == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "snapshot id and image are required"})
		return
	}
	s.accepted(c, "SaveSnapshot", s.deps.Persister.SaveSnapshot(c.Request.Context(), c.Param("id"), body.Snapshot, body.Index))
}

func (s *Server) handleSaveMessage(c *gin.Context) {
	var msg models.Message
	if !bind(c, &msg) {
		return
	}
	if msg.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message id is required"})
		return
	}
	s.accepted(c, "SaveMessage", s.deps.Persister.SaveMessage(c.Request.Context(), c.Param("id"), msg))
}

func (s *Server) handleUpdateTips(c *gin.Context) {
	var body TipsBody
	if !bind(c, &body) {
		return
	}
	s.accepted(c, "UpdateTips", s.deps.Persister.UpdateTips(c.Request.Context(), c.Param("id"), c.Param("sid"), body.Tips))
}

func (s *Server) handleUpdateDescription(c *gin.Context) {
	var body DescriptionBody
	if !bind(c, &body) {
		return
	}
	s.accepted(c, "UpdateDescription", s.deps.Persister.UpdateDescription(c.Request.Context(), c.Param("id"), c.Param("sid"), body.Description))
}

func (s *Server) handleRenameProject(c *gin.Context) {
	var body NameBody
	if !bind(c, &body) {
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	s.accepted(c, "RenameProject", s.deps.Persister.RenameProject(c.Request.Context(), c.Param("id"), body.Name))
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// accepted answers a persistence call. The write itself happens downstream.
func (s *Server) accepted(c *gin.Context, call string, err error) {
	if err != nil {
		s.logger.Error("persistence call failed", "call", call, "project", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("server.%s: %v", call, err)})
		return
	}
	c.Status(http.StatusAccepted)
}
