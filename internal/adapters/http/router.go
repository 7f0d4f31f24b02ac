// Package http serves a local diagnostics endpoint for one running session:
// health, session meta and the live peer snapshot.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/meetlink/meetlink/internal/app"
)

func SetupRouter(mode string, coord *app.Coordinator) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/session", func(c *gin.Context) {
		sess := coord.Session()
		c.JSON(http.StatusOK, gin.H{
			"id":    sess.ID,
			"title": sess.Title,
			"self":  sess.Self.ID,
			"role":  sess.Self.Role.String(),
		})
	})

	api.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, coord.Peers())
	})

	log.Info().Str("module", "adapters.http").Msg("status router setup")
	return r
}
