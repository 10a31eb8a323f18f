package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/cache"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/config"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/errs"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/notify"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/stats"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
)

// AckHandler 指令确认回调
// 由指令关联器在装配时注入
type AckHandler func(ctx context.Context, commandID, status, message string)

// Hub WebSocket 中转核心
// 负责连接生命周期编排：握手校验 → 注册 → 帧路由 → 幂等清理
type Hub struct {
	config *config.HubConfig

	registry  *Registry
	heartbeat *HeartbeatMonitor
	router    *frameRouter
	upgrader  websocket.Upgrader

	storage    store.Storage
	endpoints  *cache.EndpointCache
	aggregator *stats.Aggregator
	publisher  notify.Publisher

	logger  logger.Logger
	metrics Metrics

	ackHandler atomic.Value // AckHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Options Hub 装配参数
type Options struct {
	Config     *config.HubConfig
	Storage    store.Storage
	Endpoints  *cache.EndpointCache
	Aggregator *stats.Aggregator
	Publisher  notify.Publisher
	Logger     logger.Logger
	Metrics    Metrics
}

// New 创建 Hub
func New(opts Options) *Hub {
	if opts.Metrics == nil {
		opts.Metrics = &NoopMetrics{}
	}
	if opts.Publisher == nil {
		opts.Publisher = mustNoopPublisher()
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		config:     opts.Config,
		storage:    opts.Storage,
		endpoints:  opts.Endpoints,
		aggregator: opts.Aggregator,
		publisher:  opts.Publisher,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		router:     newFrameRouter(),
		ctx:        ctx,
		cancel:     cancel,
	}

	h.registry = NewRegistry(opts.Aggregator, opts.Logger, opts.Metrics,
		opts.Config.MaxConnections, opts.Config.MaxEndpointConns)
	h.registry.onRemove = h.notifyDisconnect
	h.heartbeat = NewHeartbeatMonitor(h.registry, opts.Logger, opts.Config.SweepInterval)

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     buildOriginChecker(opts.Config),
	}

	h.setupRoutes()

	return h
}

// mustNoopPublisher 创建空发布器
func mustNoopPublisher() notify.Publisher {
	p, _ := notify.NewPublisher(&config.NotifyConfig{Backend: "none"})
	return p
}

// buildOriginChecker 构造 Origin 检查函数
func buildOriginChecker(cfg *config.HubConfig) func(*http.Request) bool {
	if cfg.AllowAllOrigins {
		return func(*http.Request) bool { return true }
	}
	if len(cfg.AllowedOrigins) > 0 {
		whitelist := make(map[string]bool, len(cfg.AllowedOrigins))
		for _, origin := range cfg.AllowedOrigins {
			whitelist[origin] = true
		}
		return func(r *http.Request) bool {
			return whitelist[r.Header.Get("Origin")]
		}
	}
	// 默认同源检查；设备侧非浏览器客户端通常不带 Origin，放行
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// setupRoutes 注册帧处理器
func (h *Hub) setupRoutes() {
	h.router.register(TypeIdentify, h.handleIdentify)
	h.router.register(TypeAck, h.handleAck)
	h.router.setFallback(h.handleRelay)
}

// SetAckHandler 注入指令确认回调
func (h *Hub) SetAckHandler(handler AckHandler) {
	h.ackHandler.Store(handler)
}

// Registry 连接注册表
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run 启动后台巡检
func (h *Hub) Run() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.heartbeat.Run(h.ctx)
	}()

	// 空广播域清理
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.registry.cleanupEmptyRooms(10 * time.Minute)
			}
		}
	}()
}

// HandleUpgrade 处理 WebSocket 升级
// 端点校验失败时先回 system/error 信封，再以 1008 关闭；
// 内部错误以 1011 关闭
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request, token string) error {
	if h.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return ErrHubClosed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ep, err := h.endpoints.Get(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrUnknownEndpoint):
			h.rejectConn(conn, websocket.ClosePolicyViolation, "unknown endpoint")
			return ErrUnknownEndpoint
		default:
			h.rejectConn(conn, websocket.CloseInternalServerErr, "internal error")
			return err
		}
	}
	if ep.Disabled {
		h.rejectConn(conn, websocket.ClosePolicyViolation, "endpoint disabled")
		return ErrEndpointDisabled
	}

	client := newClient(conn, h, ep)
	if err := h.registry.Register(client); err != nil {
		h.rejectConn(conn, websocket.ClosePolicyViolation, err.Error())
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		client.run()
	}()

	return nil
}

// rejectConn 发送系统错误通知并按指定关闭码关闭连接
func (h *Hub) rejectConn(conn *websocket.Conn, closeCode int, message string) {
	notice, _ := json.Marshal(NewSystemError(message))
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, notice)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, message))
	conn.Close()
}

// handleFrame 处理一帧入站消息
// 在连接自己的读协程内按到达顺序执行
func (h *Hub) handleFrame(c *Client, msgType int, data []byte) {
	h.aggregator.Record(c.EndpointID(), stats.EventMessage)

	// 二进制帧或非 JSON 文本帧不解析，直接中转
	var env Envelope
	if msgType == websocket.BinaryMessage || json.Unmarshal(data, &env) != nil {
		h.metrics.IncrementMessageCount("raw")
		h.registry.Broadcast(c, msgType, data)
		return
	}

	h.metrics.IncrementMessageCount(env.Type)

	if err := h.router.route(c.ctx, c, &env, data); err != nil {
		h.logger.Warn("[hub] 帧处理失败",
			zap.String("conn_id", c.ID),
			zap.String("type", env.Type),
			zap.Error(err))
		_ = c.SendJSONHigh(NewSystemError(err.Error()))
	}
}

// handleIdentify 处理设备身份绑定
// 同一连接重复 identify 覆盖绑定
func (h *Hub) handleIdentify(ctx context.Context, c *Client, env *Envelope, _ []byte) error {
	if env.DeviceID == "" {
		return ErrInvalidMessage
	}
	if c.State() != StateOpen {
		return ErrAlreadyClosed
	}

	device, err := h.storage.UpsertDevice(ctx, c.EndpointID(), env.DeviceID, env.DeviceName)
	if err != nil {
		return err
	}

	c.setIdentity(device.DeviceID, device.CustomName)

	h.publishEvent(ctx, notify.EventDeviceOnline, c.EndpointID(), device.DeviceID, nil)

	return c.SendJSONHigh(NewIdentifiedReply(device.DeviceID, device.CustomName))
}

// handleAck 处理指令确认
func (h *Hub) handleAck(ctx context.Context, c *Client, env *Envelope, _ []byte) error {
	if env.CommandID == "" {
		return ErrInvalidMessage
	}

	if v := h.ackHandler.Load(); v != nil {
		if handler, ok := v.(AckHandler); ok && handler != nil {
			handler(ctx, env.CommandID, env.Status, env.Message)
		}
	}
	return nil
}

// handleRelay 默认处理：中转到同端点其他连接
// data 类型帧在中转前落库设备数据点并发布到告警管道
func (h *Hub) handleRelay(ctx context.Context, c *Client, env *Envelope, raw []byte) error {
	if env.Type == TypeData {
		h.recordDeviceData(ctx, c, env, raw)
	}

	// 能走到路由的帧都是已解析的 JSON 文本帧
	h.registry.Broadcast(c, websocket.TextMessage, raw)
	return nil
}

// notifyDisconnect 连接移除后发布设备下线事件
// 未识别的连接没有设备身份，不发布
func (h *Hub) notifyDisconnect(c *Client, reason RemoveReason) {
	deviceID, _ := c.Identity()
	if deviceID == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{"reason": string(reason)})
	h.publishEvent(context.Background(), notify.EventDeviceOffline, c.EndpointID(), deviceID, payload)
}

// recordDeviceData 落库设备上报数据点
// 失败只记日志，不阻断中转
func (h *Hub) recordDeviceData(ctx context.Context, c *Client, env *Envelope, raw []byte) {
	deviceID, _ := c.Identity()
	if deviceID == "" {
		// 未识别的连接上报数据，跳过落库
		return
	}

	now := time.Now()
	points := parseDataPoints(c.EndpointID(), deviceID, env.Data, now)
	if len(points) > 0 {
		if err := h.storage.SaveDeviceData(ctx, points); err != nil {
			h.logger.Error("[hub] 设备数据落库失败",
				zap.String("device_id", deviceID),
				zap.Uint("endpoint_id", c.EndpointID()),
				zap.Error(err))
		}
	}

	if err := h.storage.TouchDeviceSeen(ctx, c.EndpointID(), deviceID, now); err != nil {
		h.logger.Warn("[hub] 更新设备活跃时间失败",
			zap.String("device_id", deviceID),
			zap.Error(err))
	}

	h.publishEvent(ctx, notify.EventDeviceData, c.EndpointID(), deviceID, env.Data)
}

// parseDataPoints 解析上报数据键值对
// 数值直接入 Value，非数值保留原文
func parseDataPoints(endpointID uint, deviceID string, data json.RawMessage, at time.Time) []*model.DeviceData {
	if len(data) == 0 {
		return nil
	}

	var kv map[string]json.RawMessage
	if err := json.Unmarshal(data, &kv); err != nil {
		return nil
	}

	points := make([]*model.DeviceData, 0, len(kv))
	for key, rawVal := range kv {
		point := &model.DeviceData{
			EndpointID: endpointID,
			DeviceID:   deviceID,
			Key:        key,
			ReportedAt: at,
		}
		var num float64
		if err := json.Unmarshal(rawVal, &num); err == nil {
			point.Value = num
		} else {
			point.Raw = string(rawVal)
		}
		points = append(points, point)
	}
	return points
}

// publishEvent 发布事件到告警管道（尽力而为）
func (h *Hub) publishEvent(ctx context.Context, eventType string, endpointID uint, deviceID string, payload json.RawMessage) {
	event := &notify.Event{
		Type:       eventType,
		EndpointID: endpointID,
		DeviceID:   deviceID,
		Payload:    payload,
		OccurredAt: time.Now(),
	}
	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Warn("[hub] 事件发布失败",
			zap.String("event", eventType),
			zap.Error(err))
	}
}

// SendToDevice 向指定设备的活跃连接下发消息（高优先级）
func (h *Hub) SendToDevice(endpointID uint, deviceID string, payload []byte) error {
	client, ok := h.registry.FindByDevice(endpointID, deviceID)
	if !ok {
		return ErrDeviceOffline
	}
	return client.SendBytesHigh(payload)
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	return h.registry.ClientCount()
}

// Shutdown 优雅关闭
// 停止接受新连接，并发关闭所有客户端，等待协程退出或超时
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	// 并发关闭所有客户端
	var closeWg sync.WaitGroup
	h.registry.Range(func(c *Client) bool {
		closeWg.Add(1)
		go func(client *Client) {
			defer closeWg.Done()
			h.registry.Remove(client, ReasonServerShutdown)
		}(c)
		return true
	})

	clientsDone := make(chan struct{})
	go func() {
		closeWg.Wait()
		close(clientsDone)
	}()

	select {
	case <-clientsDone:
	case <-ctx.Done():
	}

	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
