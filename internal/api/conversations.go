package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/store"
)

func (s *Server) activeConversation(c *gin.Context) (string, bool) {
	if id := c.Query("conversation_id"); id != "" {
		return id, true
	}
	active := s.store.Active()
	if active.ActiveConversationID == "" {
		renderError(c, http.StatusBadRequest, "validation_error", "no active conversation")
		return "", false
	}
	return active.ActiveConversationID, true
}

func (s *Server) listConversations(c *gin.Context) {
	metas, err := s.store.ListConversations()
	if err != nil {
		fail(c, err)
		return
	}
	active := s.store.Active()
	c.JSON(http.StatusOK, gin.H{
		"conversations": metas,
		"active":        active.ActiveConversationID,
		"active_view":   active.ActiveView,
	})
}

func (s *Server) createConversation(c *gin.Context) {
	var req struct {
		Label    string          `json:"label"`
		Settings *store.Settings `json:"settings"`
	}
	_ = c.ShouldBindJSON(&req)

	id, err := s.store.CreateConversation()
	if err != nil {
		fail(c, err)
		return
	}
	meta, err := s.store.MutateMeta(id, func(m *store.Meta) error {
		m.Label = req.Label
		if req.Settings != nil {
			m.Settings = *req.Settings
		}
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, meta)
}

func (s *Server) deleteConversation(c *gin.Context) {
	id := c.Param("id")
	if sess, ok := s.pty.Get(id); ok {
		_ = sess.Close()
		_ = s.pty.Close(id)
	}
	if err := s.store.Delete(id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) selectConversation(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id" binding:"required"`
		View           string `json:"view"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := s.store.Select(req.ConversationID, req.View); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.store.Active())
}

func (s *Server) getActiveMeta(c *gin.Context) {
	id, ok := s.activeConversation(c)
	if !ok {
		return
	}
	meta, err := s.store.LoadMeta(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// updateActiveMeta merges settings and label changes into the active
// conversation's meta. thread_id stays write-once; attempts to change a
// bound id are rejected with immutable_thread_id.
func (s *Server) updateActiveMeta(c *gin.Context) {
	id, ok := s.activeConversation(c)
	if !ok {
		return
	}

	var req struct {
		Label    *string         `json:"label"`
		ThreadID *string         `json:"thread_id"`
		Settings *store.Settings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	meta, err := s.store.MutateMeta(id, func(m *store.Meta) error {
		if req.Label != nil {
			m.Label = *req.Label
		}
		if req.ThreadID != nil {
			m.ThreadID = *req.ThreadID
		}
		if req.Settings != nil {
			m.Settings = *req.Settings
		}
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}

	// Extension conversations with eager session init get their ACP
	// session ahead of the first turn. Everything else waits for the
	// first prompt.
	if meta.Settings.Agent != "" && s.ext != nil && s.ext.EagerInit(meta.Settings.Agent) {
		go func(convID string) {
			if err := s.ext.EnsureSession(context.Background(), convID); err != nil {
				s.logger.Warn("eager session init failed", zap.Error(err))
			}
		}(id)
	}

	c.JSON(http.StatusOK, meta)
}

func (s *Server) transcriptRange(c *gin.Context) {
	id, ok := s.activeConversation(c)
	if !ok {
		return
	}
	from, _ := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	to, _ := strconv.ParseInt(c.DefaultQuery("to", "0"), 10, 64)

	entries, err := s.store.Range(id, from, to)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "entries": entries})
}

func (s *Server) transcriptAppend(c *gin.Context) {
	id, ok := s.activeConversation(c)
	if !ok {
		return
	}
	var req struct {
		Role string                 `json:"role" binding:"required"`
		Text string                 `json:"text"`
		Data map[string]interface{} `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	seq, err := s.store.AppendTranscript(id, store.Entry{
		Role: req.Role,
		Ts:   time.Now().UnixMilli(),
		Text: req.Text,
		Data: req.Data,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg_num": seq})
}
