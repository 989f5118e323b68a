package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"photoedit/internal/agent"
	"photoedit/internal/imagegen"
	"photoedit/internal/llm"
	"photoedit/internal/models"
	"photoedit/internal/tips"
)

// DoneRecord ends a tips stream.
const DoneRecord = "[DONE]"

func startStream(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

func writeRecord(w gin.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (s *Server) handleAgent(c *gin.Context) {
	const op = "server.handleAgent"

	var body agent.StreamRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	req, err := body.Resolve()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chat := req.Mode == agent.ModeChat
	if chat {
		if sess, err := s.deps.Sessions.Get(body.ProjectID); err == nil {
			req.History = sess.History
		}
	}

	startStream(c)
	w := c.Writer
	broken := false
	res := s.deps.Agent.Run(c.Request.Context(), req, func(e agent.Event) {
		if broken {
			return
		}
		if err := agent.Encode(w, e); err != nil {
			// The client went away; the run is cancelled through the request context.
			broken = true
			return
		}
		w.Flush()
	})

	if res.Err != nil {
		s.logger.Warn("agent run failed", "project", body.ProjectID, "kind", body.Kind, "error", res.Err)
		return
	}
	if chat {
		s.deps.Sessions.Append(body.ProjectID,
			llm.Message{Role: "user", Content: llm.Text(req.Prompt)},
			llm.Message{Role: "assistant", Content: llm.Text(res.Text)},
		)
	}
}

func (s *Server) handleResetSession(c *gin.Context) {
	s.deps.Sessions.Reset(c.Param("projectId"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTips(c *gin.Context) {
	const op = "server.handleTips"

	var req tips.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if req.Image == "" || !req.Category.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image and category are required"})
		return
	}

	startStream(c)
	w := c.Writer
	err := s.deps.Tips.StreamTips(c.Request.Context(), req, func(t models.Tip) {
		if err := writeRecord(w, t); err != nil {
			s.logger.Debug("tips client gone", "error", err)
		}
	})
	if err != nil {
		s.logger.Error("tips stream failed", "category", req.Category, "error", err)
		writeRecord(w, gin.H{"error": err.Error()})
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", DoneRecord)
	w.Flush()
}

// PreviewRequest is the body of POST /api/preview.
type PreviewRequest struct {
	Images      []string `json:"images"`
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
}

func (s *Server) handlePreview(c *gin.Context) {
	const op = "server.handlePreview"

	var body PreviewRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if len(body.Images) == 0 || body.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "images and prompt are required"})
		return
	}

	img, err := s.deps.Images.Generate(c.Request.Context(), imagegen.Request{
		Images:      body.Images,
		Prompt:      body.Prompt,
		AspectRatio: body.AspectRatio,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, imagegen.ErrNoImage) {
			status = http.StatusUnprocessableEntity
		}
		s.logger.Warn("preview failed", "error", err)
		c.JSON(status, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"image": img})
}
