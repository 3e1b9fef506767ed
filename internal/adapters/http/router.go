package http

import (
	"context"
	"net/http"

	"github.com/dkeye/studio/internal/adapters/signal"
	"github.com/dkeye/studio/internal/app/orch"
	"github.com/dkeye/studio/internal/config"
	"github.com/dkeye/studio/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a stable browser token in the cookie session.
// It only correlates log lines: peers are addressed by the per-connection
// address the relay assigns.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func newEngine(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	r := newEngine(cfg.Mode)

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("StudioSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": o.Registry.Len()})
	})

	// GET /api/rooms: list rooms
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms.List()})
	})

	// GET /api/rooms/:name: room info with members
	api.GET("/rooms/:name", func(c *gin.Context) {
		room, ok := o.Rooms.Get(domain.RoomName(c.Param("name")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":        room.Room().Name,
			"memberCount": room.MemberCount(),
			"members":     room.MembersSnapshot(),
		})
	})

	// DELETE /api/rooms/:name: terminate every session and drop the room
	api.DELETE("/rooms/:name", func(c *gin.Context) {
		if !o.EvictRoom(domain.RoomName(c.Param("name"))) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	ctrl := signal.NewSignalWSController(o, cfg)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
