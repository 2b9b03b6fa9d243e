package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/framework-shells/appserver/internal/agentpty"
)

const defaultWaitTimeout = 30 * time.Second

// ptySession resolves the conversation and opens (or reuses) its PTY
// session. The session directory lives under the conversation's store dir.
func (s *Server) ptySession(c *gin.Context) (*agentpty.Session, string, bool) {
	id, ok := s.activeConversation(c)
	if !ok {
		return nil, "", false
	}
	cwd := ""
	if meta, err := s.store.LoadMeta(id); err == nil {
		cwd = meta.Settings.Cwd
	}
	sess, err := s.pty.Open(id, s.store.AgentPTYDir(id), cwd)
	if err != nil {
		fail(c, err)
		return nil, "", false
	}
	return sess, id, true
}

type execRequest struct {
	ConversationID string `json:"conversation_id"`
	Cmd            string `json:"cmd"`
}

func (s *Server) ptyExec(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	bindConversation(c, req.ConversationID)
	sess, id, ok := s.ptySession(c)
	if !ok {
		return
	}
	blockID, err := sess.ExecBlock(c.Request.Context(), req.Cmd)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "block_id": blockID})
}

func (s *Server) ptyExecInteractive(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	bindConversation(c, req.ConversationID)
	sess, id, ok := s.ptySession(c)
	if !ok {
		return
	}
	blockID, err := sess.ExecInteractive(c.Request.Context(), req.Cmd)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "block_id": blockID})
}

func (s *Server) ptySend(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		Data           string `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	bindConversation(c, req.ConversationID)
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	if err := sess.Send(req.Data); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": len(req.Data)})
}

type waitRequest struct {
	ConversationID string `json:"conversation_id"`
	Match          string `json:"match"`
	Regex          string `json:"regex"`
	FromCursor     int64  `json:"from_cursor"`
	TimeoutMs      int64  `json:"timeout_ms"`
	MaxBytes       int64  `json:"max_bytes"`
	Send           string `json:"send"`
}

func (r *waitRequest) timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return defaultWaitTimeout
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

func (s *Server) ptyWaitFor(c *gin.Context) {
	var req waitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	bindConversation(c, req.ConversationID)
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	res, err := sess.WaitFor(c.Request.Context(),
		agentpty.MatchSpec{Match: req.Match, Regex: req.Regex},
		req.FromCursor, req.timeout(), req.MaxBytes)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ptyExpectSend waits for the match and, on success, writes the payload
// before any other writer can interleave.
func (s *Server) ptyExpectSend(c *gin.Context) {
	var req waitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	bindConversation(c, req.ConversationID)
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	res, err := sess.ExpectSend(c.Request.Context(),
		agentpty.MatchSpec{Match: req.Match, Regex: req.Regex},
		req.FromCursor, req.timeout(), req.Send)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) ptyReadSpool(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		FromCursor     int64  `json:"from_cursor"`
		MaxBytes       int64  `json:"max_bytes"`
		Raw            bool   `json:"raw"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	bindConversation(c, req.ConversationID)
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}

	var (
		data []byte
		err  error
	)
	if req.Raw {
		data, err = sess.ReadRaw(req.FromCursor, req.MaxBytes)
	} else {
		data, err = sess.ReadSpool(req.FromCursor, req.MaxBytes)
	}
	if err != nil {
		fail(c, err)
		return
	}
	st := sess.Status()
	c.JSON(http.StatusOK, gin.H{
		"data":          string(data),
		"resume_cursor": req.FromCursor + int64(len(data)),
		"spool_size":    st.SpoolSize,
	})
}

func (s *Server) ptyReadScreen(c *gin.Context) {
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Screen().Snapshot())
}

// ptyReadScreenDeltas pages through the recorded delta log so clients can
// replay screen history; the live stream rides the events WebSocket.
func (s *Server) ptyReadScreenDeltas(c *gin.Context) {
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	cursor, _ := strconv.ParseInt(c.DefaultQuery("cursor", "0"), 10, 64)
	deltas, next, err := sess.Screen().DeltasSince(cursor)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deltas": deltas, "resume_cursor": next})
}

func (s *Server) ptyStatus(c *gin.Context) {
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

func (s *Server) ptyBlocks(c *gin.Context) {
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	cursor, _ := strconv.ParseInt(c.DefaultQuery("cursor", "0"), 10, 64)
	blocks, next, err := sess.Blocks().Since(cursor)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "resume_cursor": next})
}

func (s *Server) ptyBlockGet(c *gin.Context) {
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	block, err := sess.Blocks().Get(c.Param("block_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

func (s *Server) ptyBlockRead(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		BlockID        string `json:"block_id" binding:"required"`
		FromLine       int    `json:"from_line"`
		ToLine         int    `json:"to_line"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	bindConversation(c, req.ConversationID)
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	lines, err := sess.Blocks().ReadOutput(req.BlockID, req.FromLine, req.ToLine)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"block_id": req.BlockID, "lines": lines})
}

func (s *Server) ptyBlockSearch(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		BlockID        string `json:"block_id"`
		Query          string `json:"query" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	bindConversation(c, req.ConversationID)
	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	hits, err := sess.Blocks().Search(req.BlockID, req.Query)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hits": hits})
}

func (s *Server) ptyEndSession(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	_ = c.ShouldBindJSON(&req)
	bindConversation(c, req.ConversationID)

	id, ok := s.activeConversation(c)
	if !ok {
		return
	}
	sess, found := s.pty.Get(id)
	if !found {
		c.JSON(http.StatusOK, gin.H{"ended": false})
		return
	}
	if err := sess.EndSession(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	_ = s.pty.Close(id)
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

func (s *Server) ptyReset(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	_ = c.ShouldBindJSON(&req)
	bindConversation(c, req.ConversationID)

	sess, _, ok := s.ptySession(c)
	if !ok {
		return
	}
	if err := sess.Reset(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// bindConversation lets JSON bodies carry the conversation id in place of
// the query parameter activeConversation reads.
func bindConversation(c *gin.Context, id string) {
	if id == "" {
		return
	}
	q := c.Request.URL.Query()
	q.Set("conversation_id", id)
	c.Request.URL.RawQuery = q.Encode()
}
