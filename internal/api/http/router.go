package http

import (
	"net/http"
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRouter(allowOrigins []string, roomController *RoomController, signalingController *SignalingController, metricsHandler http.Handler) *gin.Engine {
	router := gin.Default()
	config := cors.DefaultConfig()
	if slices.Contains(allowOrigins, "*") || len(allowOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowOrigins
		config.AllowCredentials = true
	}
	config.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Origin",
		"Accept",
	}
	config.AllowMethods = []string{"GET", "HEAD", "OPTIONS"}
	router.Use(cors.New(config))
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	if signalingController != nil {
		router.GET("/ws", signalingController.Connect)
	}

	if roomController != nil {
		router.GET("/status", roomController.Status)

		rooms := router.Group("/api/rooms")
		rooms.GET("", roomController.Status)
		rooms.GET("/:roomID", roomController.GetRoom)
	}

	return router
}
