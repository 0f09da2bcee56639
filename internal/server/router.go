package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/config"
	"github.com/avetra/sessionlink/internal/domain"
	"github.com/avetra/sessionlink/internal/token"
)

// ClientTokenMiddleware tags every browser with a stable client token
// cookie. REST handlers read it from the gin context.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ct, _ := c.Cookie("ct")
		if ct == "" {
			ct = uuid.NewString()
			c.SetCookie("ct", ct, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", ct)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("SessionlinkSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		ctl.HandleWS(ctx, c)
	})

	api.POST("/rtc/token", func(c *gin.Context) {
		var req struct {
			Channel       string               `json:"channel" binding:"required"`
			ParticipantID domain.ParticipantID `json:"participantId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		signed, err := token.Mint(cfg.Secret, req.Channel, req.ParticipantID, cfg.TokenTTL)
		if err != nil {
			log.Error().Err(err).Str("module", "server.http").Msg("mint token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token mint failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":     signed,
			"expiresAt": time.Now().Add(cfg.TokenTTL).Unix(),
		})
	})

	api.GET("/sessions/:id/messages", func(c *gin.Context) {
		sid := domain.SessionID(c.Param("id"))
		msgs, err := ctl.store.List(c.Request.Context(), sid)
		if err != nil {
			log.Error().Err(err).Str("module", "server.http").Str("session", string(sid)).Msg("list history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		c.JSON(http.StatusOK, msgs)
	})

	api.GET("/sessions/:id/members", func(c *gin.Context) {
		sid := domain.SessionID(c.Param("id"))
		room := ctl.rooms.GetOrCreate(sid)
		c.JSON(http.StatusOK, gin.H{
			"session": sid,
			"count":   room.MemberCount(),
			"members": room.MembersSnapshot(),
		})
	})

	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.rooms.List())
	})

	return r
}
