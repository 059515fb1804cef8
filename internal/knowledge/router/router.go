// Package router wires the knowledge service routes.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/courseatlas/internal/knowledge/handler"
)

// Register registers the knowledge service routes.
func Register(engine *gin.Engine, h *handler.KnowledgeHandler) {
	logger.Info("Registering knowledge routes...")

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	{
		v1.POST("/ingest", h.Ingest)
		v1.POST("/query", h.Query)
		v1.POST("/context", h.Context)
		v1.GET("/stats", h.Stats)
		v1.GET("/quarantine", h.Quarantine)
		v1.POST("/quarantine/requeue", h.Requeue)
	}

	logger.Info("HTTP routes registered")
}
