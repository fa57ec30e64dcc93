package http

import (
	"context"
	"net/http"
	"time"

	"github.com/akosev/ringlet/internal/adapters/signal"
	"github.com/akosev/ringlet/internal/app/orch"
	"github.com/akosev/ringlet/internal/config"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *orch.Orchestrator, hub *signal.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RingletSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "calls": orch.Registry.Len()})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	ctrl := signal.NewSignalWSController(orch, hub, cfg.ReadLimit, cfg.PingPeriod)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/calls", func(c *gin.Context) {
		type callItem struct {
			CallID    domain.CallID     `json:"callId"`
			Status    domain.CallStatus `json:"status"`
			StartedAt time.Time         `json:"startedAt"`
			Members   int               `json:"members"`
		}
		snaps := orch.Registry.Snapshot()
		items := make([]callItem, 0, len(snaps))
		for _, s := range snaps {
			items = append(items, callItem{
				CallID:    s.ID,
				Status:    s.Status,
				StartedAt: s.StartedAt,
				Members:   s.Members,
			})
		}
		c.JSON(http.StatusOK, gin.H{"calls": items})
	})

	// Standalone credential mint for clients that renew mid-call. The
	// issued pair is validated before it leaves, so a clock or secret
	// problem shows up here rather than at the relay.
	api.POST("/turn-credentials", func(c *gin.Context) {
		uid := domain.UserID(c.GetString("client_token"))
		cred, err := orch.Creds.Issue(uid)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Str("user", string(uid)).Msg("credential issue failed")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !orch.Creds.Validate(cred.Username, cred.Credential) {
			log.Error().Str("module", "adapters.http").Msg("credential self-check failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "credential validation failed"})
			return
		}
		c.JSON(http.StatusOK, cred)
	})

	return r
}
