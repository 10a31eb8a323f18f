package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/errs"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
)

// handleHealth 健康检查
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.hub.ClientCount(),
	})
}

// handleWebSocket WebSocket 升级入口
// 升级之后的错误已通过 system/error 信封和关闭码告知客户端
func (s *Server) handleWebSocket(c *gin.Context) {
	token := c.Param("token")
	if err := s.hub.HandleUpgrade(c.Writer, c.Request, token); err != nil {
		s.logger.Warn("[server] WebSocket 接入失败",
			zap.String("endpoint", token),
			zap.Error(err))
	}
}

// dispatchRequest 指令下发请求体
type dispatchRequest struct {
	EndpointToken  string          `json:"endpoint_token" binding:"required"`
	DeviceID       string          `json:"device_id" binding:"required"`
	Type           string          `json:"type" binding:"required"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// handleDispatchCommand 下发控制指令
func (s *Server) handleDispatchCommand(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	ep, err := s.storage.GetEndpointByToken(c.Request.Context(), req.EndpointToken)
	if err != nil {
		fail(c, err)
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	commandID, err := s.correlator.Dispatch(c.Request.Context(), ep.ID, req.DeviceID, req.Type, req.Params, timeout)
	if err != nil {
		// 设备离线时指令记录已落库，附带 commandId 返回
		if errors.Is(err, errs.ErrDeviceOffline) {
			e := errs.ErrDeviceOffline
			c.JSON(e.HttpCode, gin.H{
				"code":       e.Code,
				"message":    e.Message,
				"command_id": commandID,
			})
			return
		}
		fail(c, err)
		return
	}

	success(c, gin.H{"command_id": commandID})
}

// handleGetCommand 按指令 ID 查询
func (s *Server) handleGetCommand(c *gin.Context) {
	view, err := s.correlator.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, view)
}

// handleListCommands 查询指令历史
func (s *Server) handleListCommands(c *gin.Context) {
	q := store.CommandQuery{
		DeviceID: c.Query("device_id"),
		Status:   model.CommandStatus(c.Query("status")),
	}
	if token := c.Query("endpoint_token"); token != "" {
		ep, err := s.storage.GetEndpointByToken(c.Request.Context(), token)
		if err != nil {
			fail(c, err)
			return
		}
		q.EndpointID = ep.ID
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
		q.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil {
		q.Offset = offset
	}

	views, err := s.correlator.History(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, views)
}

// handleEndpointStats 查询端点统计
func (s *Server) handleEndpointStats(c *gin.Context) {
	ctx := c.Request.Context()
	ep, err := s.storage.GetEndpointByToken(ctx, c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}

	stats, err := s.storage.GetStats(ctx, ep.ID)
	if err != nil {
		// 无统计记录时返回零值
		stats = &model.EndpointStats{EndpointID: ep.ID}
	}

	success(c, gin.H{
		"endpoint":           ep.Token,
		"online_connections": s.hub.Registry().EndpointClientCount(ep.Token),
		"stats":              stats,
	})
}
