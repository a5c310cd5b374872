package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/speakenai/speaken/internal/chat"
	"github.com/speakenai/speaken/internal/common"
	"github.com/speakenai/speaken/internal/httpapi/middleware"
)

const heartbeatInterval = 15 * time.Second

func requireUser(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid)
	if err != nil {
		h.chatFail(c, "list sessions", err)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

type sessionTitleReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req sessionTitleReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Title)
	if err != nil {
		h.chatFail(c, "create session", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req sessionTitleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sess, err := h.ChatSvc.RenameSession(c.Request.Context(), uid, c.Param("session_id"), req.Title)
	if err != nil {
		h.chatFail(c, "rename session", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	sid := c.Param("session_id")
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), uid, sid); err != nil {
		h.chatFail(c, "delete session", err)
		return
	}
	common.OK(c, gin.H{"session_id": sid})
}

type messageView struct {
	chat.Message
	Grammar *grammarView `json:"grammar,omitempty"`
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("session_id"), limit, beforeID)
	if err != nil {
		h.chatFail(c, "list messages", err)
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		v := messageView{Message: m}
		if m.Role == chat.RoleUser {
			g := analyze(m.Content)
			v.Grammar = &g
		}
		views = append(views, v)
	}

	// the oldest id of this page is the cursor for the next, older one
	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[0].ID
	}
	common.OK(c, gin.H{
		"messages":       views,
		"next_before_id": nextBeforeID,
	})
}

type sendMessageReq struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (h *Handler) bindSend(c *gin.Context) (uint64, sendMessageReq, bool) {
	uid, ok := requireUser(c)
	if !ok {
		return 0, sendMessageReq{}, false
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return 0, req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
		return 0, req, false
	}
	return uid, req, true
}

// SendChatMessage runs the whole send in the request and answers with the
// final assistant message.
func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, req, ok := h.bindSend(c)
	if !ok {
		return
	}

	res, err := h.ChatSvc.Send(c.Request.Context(), chat.SendInput{UserID: uid, SessionID: req.SessionID, Text: req.Message})
	if err != nil {
		h.chatFail(c, "send message", err)
		return
	}
	if res.Status == chat.SendCancelled {
		c.Abort()
		return
	}
	common.OK(c, res)
}

type sseWriter struct {
	c *gin.Context
}

func (w sseWriter) event(name string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(w.c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
		w.c.Writer.Flush()
		return
	}
	if name != "" {
		fmt.Fprintf(w.c.Writer, "event: %s\n", name)
	}
	fmt.Fprintf(w.c.Writer, "data: %s\n\n", b)
	w.c.Writer.Flush()
}

func startSSE(c *gin.Context) sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	return sseWriter{c: c}
}

type sendOutcome struct {
	res chat.SendResult
	err error
}

// SendChatMessageStream runs a send and reports every placeholder write as an
// SSE "chunk" event carrying the newly added text.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, req, ok := h.bindSend(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	updates := make(chan chat.Change, 64)
	done := make(chan sendOutcome, 1)
	go func() {
		res, err := h.ChatSvc.Send(ctx, chat.SendInput{
			UserID:    uid,
			SessionID: req.SessionID,
			Text:      req.Message,
			Observe: func(ch chat.Change) {
				select {
				case updates <- ch:
				case <-ctx.Done():
				}
			},
		})
		done <- sendOutcome{res: res, err: err}
	}()

	sse := startSSE(c)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	sent := ""
	chunk := func(ch chat.Change) {
		delta := ch.Content
		if strings.HasPrefix(ch.Content, sent) {
			delta = ch.Content[len(sent):]
		}
		sent = ch.Content
		if delta == "" {
			return
		}
		sse.event("chunk", gin.H{
			"type":       "chunk",
			"delta":      delta,
			"message_id": ch.MessageID,
			"session_id": ch.SessionID,
		})
	}

	for {
		select {
		case ch := <-updates:
			chunk(ch)

		case <-ticker.C:
			sse.event("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case out := <-done:
			for drained := false; !drained; {
				select {
				case ch := <-updates:
					chunk(ch)
				default:
					drained = true
				}
			}
			if out.err != nil {
				msg := "failed to send message"
				if errors.Is(out.err, chat.ErrSessionNotFound) {
					msg = "session not found"
				} else {
					h.Log.Error().Err(out.err).Msg("stream send failed")
				}
				sse.event("error", gin.H{"type": "error", "message": msg})
				return
			}
			var mid uint64
			if out.res.Placeholder != nil {
				mid = out.res.Placeholder.ID
			}
			var sid string
			if out.res.Session != nil {
				sid = out.res.Session.SessionID
			}
			sse.event("done", gin.H{
				"type":       "done",
				"status":     out.res.Status,
				"message_id": mid,
				"session_id": sid,
				"model":      out.res.Model,
			})
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, req, ok := h.bindSend(c)
	if !ok {
		return
	}

	idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idemKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	job, existing, err := h.ChatSvc.EnqueueSend(c.Request.Context(), uid, req.SessionID, req.Message, idemKey)
	if err != nil {
		h.chatFail(c, "enqueue send", err)
		return
	}
	common.OK(c, gin.H{
		"job_id":               job.ID,
		"session_id":           job.SessionID,
		"assistant_message_id": job.PlaceholderID,
		"existing":             existing,
	})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	job, err := h.ChatSvc.GetJob(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		h.chatFail(c, "get job", err)
		return
	}
	common.OK(c, gin.H{
		"job": gin.H{
			"id":                   job.ID,
			"session_id":           job.SessionID,
			"status":               job.Status,
			"assistant_message_id": job.PlaceholderID,
			"error":                job.Error,
			"created_at":           job.CreatedAt,
			"updated_at":           job.UpdatedAt,
		},
	})
}

// ChatEvents streams the user's store changes (new messages, placeholder
// updates, renames) as SSE until the client leaves.
func (h *Handler) ChatEvents(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	if h.Events == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "live updates are not configured")
		return
	}

	ctx := c.Request.Context()
	changes, err := h.Events.Subscribe(ctx, uid)
	if err != nil {
		h.Log.Warn().Err(err).Uint64("user_id", uid).Msg("subscribe failed")
		common.Fail(c, http.StatusServiceUnavailable, 50302, "live updates unavailable")
		return
	}

	sse := startSSE(c)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ch, ok := <-changes:
			if !ok {
				return
			}
			sse.event(string(ch.Kind), ch)
		case <-ticker.C:
			sse.event("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})
		case <-ctx.Done():
			return
		}
	}
}
