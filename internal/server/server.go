package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/ratelimit"
	"github.com/poemonsense/antigravity-hub/internal/scheduler"
	"github.com/poemonsense/antigravity-hub/internal/server/handlers"
	"github.com/poemonsense/antigravity-hub/internal/store"
	"github.com/poemonsense/antigravity-hub/internal/upstream"
)

// requestBodyLimit caps inbound request bodies (images arrive base64).
const requestBodyLimit = 50 * 1024 * 1024

// Server is the client-facing HTTP server.
type Server struct {
	engine     *gin.Engine
	cfg        *config.Manager
	store      *store.Store
	dispatcher *handlers.Dispatcher
	staticDir  string
}

// Options holds server construction options.
type Options struct {
	StaticDir string
	Debug     bool
}

// New wires the router over the scheduler, upstream client and store.
func New(
	cfg *config.Manager,
	st *store.Store,
	sched *scheduler.Manager,
	up *upstream.Client,
	tracker *ratelimit.Tracker,
	logs *store.LogSink,
	opts Options,
) *Server {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		cfg:    cfg,
		store:  st,
		dispatcher: &handlers.Dispatcher{
			Scheduler: sched,
			Upstream:  up,
			Config:    cfg,
			Tracker:   tracker,
			Logs:      logs,
		},
		staticDir: opts.StaticDir,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())
	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, requestBodyLimit)
		c.Next()
	})

	openaiHandler := handlers.NewOpenAIHandler(s.dispatcher)
	claudeHandler := handlers.NewClaudeHandler(s.dispatcher)
	geminiHandler := handlers.NewGeminiHandler(s.dispatcher)
	modelsHandler := handlers.NewModelsHandler()
	warmupHandler := handlers.NewWarmupHandler(s.dispatcher)
	adminHandler := handlers.NewAdminHandler(s.dispatcher, s.store)

	s.engine.GET("/health", adminHandler.Health)

	// Warm-up requests are self-issued by the scheduler; never
	// key-authenticated since the loopback caller has no client key.
	s.engine.POST("/internal/warmup", warmupHandler.Warmup)

	auth := APIKeyAuthMiddleware(s.cfg)

	v1 := s.engine.Group("/v1", auth)
	{
		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.POST("/completions", openaiHandler.Completions)
		v1.POST("/responses", openaiHandler.Responses)
		v1.POST("/images/generations", openaiHandler.ImagesGenerations)
		v1.POST("/images/edits", openaiHandler.ImagesEdits)
		v1.GET("/models", modelsHandler.ListModels)

		v1.POST("/messages", claudeHandler.Messages)
		v1.POST("/messages/count_tokens", claudeHandler.CountTokens)
	}

	v1beta := s.engine.Group("/v1beta", auth)
	{
		v1beta.GET("/models", geminiHandler.ListModels)
		v1beta.POST("/models/:model", geminiHandler.Generate)
		v1beta.GET("/models/:model", geminiHandler.Describe)
	}

	api := s.engine.Group("/api", auth)
	{
		api.GET("/accounts", adminHandler.ListAccounts)
		api.DELETE("/accounts/:id", adminHandler.DeleteAccount)
		api.POST("/accounts/:id/switch", adminHandler.SwitchAccount)
		api.POST("/accounts/:id/enable", adminHandler.EnableAccount)
		api.POST("/accounts/:id/disable", adminHandler.DisableAccount)
		api.GET("/accounts/:id/quota", adminHandler.AccountQuota)

		api.GET("/logs", adminHandler.GetLogs)
		api.DELETE("/logs", adminHandler.ClearLogs)

		api.GET("/config", adminHandler.GetConfig)
		api.PUT("/config", adminHandler.UpdateConfig)
	}

	if s.staticDir != "" {
		s.engine.Static("/ui", s.staticDir)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": "Endpoint " + c.Request.Method + " " + c.Request.URL.Path + " not found",
			},
		})
	})
}

// Engine exposes the router; cmd/server mounts it on its own
// http.Server so shutdown stays in one place.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
