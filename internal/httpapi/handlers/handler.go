package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/chat"
	"github.com/speakenai/speaken/internal/common"
	"github.com/speakenai/speaken/internal/config"
	"github.com/speakenai/speaken/internal/httpapi/middleware"
	"gorm.io/gorm"
)

// Subscriber streams a user's store changes.
type Subscriber interface {
	Subscribe(ctx context.Context, userID uint64) (<-chan chat.Change, error)
}

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
	Events  Subscriber
	Log     zerolog.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, events Subscriber, log zerolog.Logger) *Handler {
	return &Handler{
		DB:      db,
		Cfg:     cfg,
		ChatSvc: svc,
		Events:  events,
		Log:     log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// chatFail maps chat errors to envelopes; anything unknown is logged and
// reported as a 500.
func (h *Handler) chatFail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case errors.Is(err, chat.ErrJobNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
	case errors.Is(err, chat.ErrMessageNotFound):
		common.Fail(c, http.StatusNotFound, 40403, "message not found")
	case errors.Is(err, chat.ErrEmptyTitle):
		common.Fail(c, http.StatusBadRequest, 10005, "title required")
	case errors.Is(err, chat.ErrNothingToSend):
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
	default:
		h.Log.Error().Err(err).Str("op", op).Str("request_id", c.GetString(middleware.RequestIDKey)).Msg("chat request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
