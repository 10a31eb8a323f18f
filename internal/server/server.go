package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/command"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/config"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/hub"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
)

// Server HTTP 服务
// 承载 WebSocket 升级入口和指令/统计查询接口
type Server struct {
	config     *config.ServerConfig
	engine     *gin.Engine
	httpServer *http.Server

	hub        *hub.Hub
	correlator *command.Correlator
	storage    store.Storage
	logger     logger.Logger
}

// New 创建 HTTP 服务
func New(cfg *config.ServerConfig, h *hub.Hub, correlator *command.Correlator, storage store.Storage, log logger.Logger) *Server {
	gin.SetMode(cfg.Mode)

	engine := gin.New()
	engine.Use(recovery(log), accessLog(log, "/healthz"))

	s := &Server{
		config:     cfg,
		engine:     engine,
		hub:        h,
		correlator: correlator,
		storage:    storage,
		logger:     log,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupRoutes 注册路由
func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/ws/:token", s.handleWebSocket)

	api := s.engine.Group("/api")
	{
		api.POST("/commands", s.handleDispatchCommand)
		api.GET("/commands", s.handleListCommands)
		api.GET("/commands/:id", s.handleGetCommand)
		api.GET("/endpoints/:token/stats", s.handleEndpointStats)
	}
}

// Run 启动 HTTP 服务（阻塞）
func (s *Server) Run() error {
	s.logger.Info("[server] HTTP 服务启动", zap.String("addr", s.config.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭 HTTP 服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Engine 暴露 gin 引擎（测试用）
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
