package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/framework-shells/appserver/pkg/codex"
)

// rpcPassthrough accepts one JSON-RPC line for the active child. turn/start
// requests are routed through the bridge so settings overlay and envelope
// injection apply; everything else is written verbatim. Extension
// conversations prompt their ACP child instead.
func (s *Server) rpcPassthrough(c *gin.Context) {
	id, ok := s.activeConversation(c)
	if !ok {
		return
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil || len(raw) == 0 {
		renderError(c, http.StatusBadRequest, "validation_error", "empty request body")
		return
	}

	var probe struct {
		Method string `json:"method"`
		Params struct {
			Input []codex.InputItem `json:"input"`
		} `json:"params"`
	}
	_ = json.Unmarshal(raw, &probe)

	if probe.Method == codex.MethodTurnStart {
		text := ""
		for _, item := range probe.Params.Input {
			if item.Type == "text" {
				text = item.Text
				break
			}
		}

		meta, merr := s.store.LoadMeta(id)
		if merr == nil && meta.Settings.Agent != "" {
			if err := s.ext.Prompt(c.Request.Context(), id, text); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"accepted": true})
			return
		}

		turnID, err := s.bridge.StartTurn(c.Request.Context(), id, text)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": true, "turn_id": turnID})
		return
	}

	if err := s.bridge.Passthrough(raw); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) startChild(c *gin.Context) {
	if err := s.bridge.Start(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": string(s.bridge.State())})
}

func (s *Server) stopChild(c *gin.Context) {
	s.bridge.Stop()
	c.JSON(http.StatusOK, gin.H{"state": string(s.bridge.State())})
}

func (s *Server) childStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":  string(s.bridge.State()),
		"agents": s.ext.Agents(),
	})
}

// interruptTurn aborts the in-flight turn and, independently, pokes the
// conversation's PTY with Ctrl+C when it is mid-command.
func (s *Server) interruptTurn(c *gin.Context) {
	id, ok := s.activeConversation(c)
	if !ok {
		return
	}
	if err := s.bridge.Interrupt(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	if sess, found := s.pty.Get(id); found {
		if st := sess.Status(); st.Mode != "idle" {
			_ = sess.Send("\x03")
		}
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": true})
}

// approvalRecord records a user decision. Extension requests carry an
// "ext-" prefixed request id and resolve to an option; agent child
// requests relay the caller's JSON-RPC response line verbatim.
func (s *Server) approvalRecord(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil || len(raw) == 0 {
		renderError(c, http.StatusBadRequest, "validation_error", "empty request body")
		return
	}

	var probe struct {
		RequestID interface{} `json:"request_id"`
		OptionID  string      `json:"option_id"`
		ID        interface{} `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", "body is not valid JSON")
		return
	}

	if reqID, isStr := probe.RequestID.(string); isStr && strings.HasPrefix(reqID, "ext-") {
		if err := s.ext.Decide(reqID, probe.OptionID); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"recorded": true})
		return
	}

	id := probe.ID
	if id == nil {
		id = probe.RequestID
	}
	if id == nil {
		renderError(c, http.StatusBadRequest, "validation_error", "missing request id")
		return
	}
	if err := s.bridge.Decide(id, raw); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

func (s *Server) listApprovals(c *gin.Context) {
	id, ok := s.activeConversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"approvals":   s.bridge.PendingApprovals(id),
		"permissions": s.ext.PendingPermissions(id),
	})
}
