package main

import (
	"log"

	"github.com/openmeet/conference-signaling/config"
	"github.com/openmeet/conference-signaling/internal/handlers"
	"github.com/openmeet/conference-signaling/internal/middleware"
	"github.com/openmeet/conference-signaling/internal/redis"
	"github.com/openmeet/conference-signaling/internal/registry"
	"github.com/openmeet/conference-signaling/internal/signaling"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	if err := redis.Connect(cfg.Redis); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	log.Println("Redis connection established")

	// Wire up the signaling core: the hub carries connections, the router
	// owns the event logic, the registry holds room state.
	reg := registry.New()
	hub := handlers.NewHub()
	hub.SetRouter(signaling.NewRouter(reg, hub))

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Room management API
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Create room (requires JWT)
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), handlers.CreateRoom)

		// Get room info (public)
		apiGroup.GET("/rooms/:roomId", handlers.GetRoom)

		// Delete room (requires JWT, creator only)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), handlers.DeleteRoom)
	}

	// WebSocket signaling endpoint - accepts room code or ID
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal/:roomId", hub.HandleSignaling)
	}

	// Start server
	log.Printf("Starting conference signaling server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
