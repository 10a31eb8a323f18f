package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/stats"
)

// RemoveReason 连接移除原因
type RemoveReason string

const (
	// ReasonClientClose 客户端正常关闭
	ReasonClientClose RemoveReason = "client_close"
	// ReasonConnectionLost 连接异常断开
	ReasonConnectionLost RemoveReason = "connection_lost"
	// ReasonHeartbeatTimeout 心跳超时
	ReasonHeartbeatTimeout RemoveReason = "heartbeat_timeout"
	// ReasonSendFailure 对端发送失败
	ReasonSendFailure RemoveReason = "send_failure"
	// ReasonServerShutdown 服务关闭
	ReasonServerShutdown RemoveReason = "server_shutdown"
)

// statsRecorder 统计事件记录面
type statsRecorder interface {
	Record(endpointID uint, kind stats.EventKind)
}

// endpointRoom 端点广播域
// 同一 Token 的所有连接共享一个广播域，不同端点互不可见
type endpointRoom struct {
	endpointID uint
	token      string
	clients    sync.Map // clientID -> *Client
	count      atomic.Int32
	createdAt  time.Time
}

// Registry 连接注册表
// 端点 Token → 活跃连接集合，连接 ID → 元数据的权威内存映射
type Registry struct {
	rooms     sync.Map // token -> *endpointRoom
	roomsByID sync.Map // endpointID -> *endpointRoom
	clients   sync.Map // clientID -> *Client
	count     atomic.Int64

	// roomsMu 协调广播域的获取与空域清理：
	// 注册方持读锁完成取域和计数占位，清理方持写锁判空删除，
	// 避免清理方在两步之间摘掉一个刚被占用的域
	roomsMu sync.RWMutex

	maxConns         int
	maxEndpointConns int

	recorder statsRecorder
	logger   logger.Logger
	metrics  Metrics

	// onRemove 移除胜出后的回调（设备下线通知等），可为空
	onRemove func(*Client, RemoveReason)
}

// NewRegistry 创建连接注册表
func NewRegistry(recorder statsRecorder, log logger.Logger, metrics Metrics, maxConns, maxEndpointConns int) *Registry {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Registry{
		maxConns:         maxConns,
		maxEndpointConns: maxEndpointConns,
		recorder:         recorder,
		logger:           log,
		metrics:          metrics,
	}
}

// Register 注册连接
// 端点校验（存在性、禁用状态）由调用方在创建 Client 前完成；
// 成功后连接进入 open 状态并记入 connect 统计
func (r *Registry) Register(c *Client) error {
	// 先占用全局连接名额
	if _, loaded := r.clients.LoadOrStore(c.ID, c); loaded {
		return ErrConnectionClosed
	}
	newCount := r.count.Add(1)
	if r.maxConns > 0 && int(newCount) > r.maxConns {
		r.count.Add(-1)
		r.clients.Delete(c.ID)
		return ErrTooManyConnections
	}

	// 获取或创建广播域；读锁挡住并发的空域清理
	r.roomsMu.RLock()
	value, _ := r.rooms.LoadOrStore(c.EndpointToken(), &endpointRoom{
		endpointID: c.EndpointID(),
		token:      c.EndpointToken(),
		createdAt:  time.Now(),
	})
	room := value.(*endpointRoom)
	r.roomsByID.LoadOrStore(room.endpointID, room)

	roomCount := room.count.Add(1)
	if r.maxEndpointConns > 0 && int(roomCount) > r.maxEndpointConns {
		room.count.Add(-1)
		r.roomsMu.RUnlock()
		r.count.Add(-1)
		r.clients.Delete(c.ID)
		return ErrEndpointFull
	}
	room.clients.Store(c.ID, c)
	r.roomsMu.RUnlock()

	// pending → open
	if !c.state.CompareAndSwap(int32(StatePending), int32(StateOpen)) {
		// 注册期间被并发关闭，回滚
		room.clients.Delete(c.ID)
		room.count.Add(-1)
		r.count.Add(-1)
		r.clients.Delete(c.ID)
		return ErrAlreadyClosed
	}

	c.refreshDeadline()
	r.recorder.Record(c.EndpointID(), stats.EventConnect)
	r.metrics.IncrementConnections()
	r.metrics.SetConnectionCount(r.ClientCount())

	r.logger.Debug("[hub] 连接注册",
		zap.String("conn_id", c.ID),
		zap.String("endpoint", c.EndpointToken()))

	return nil
}

// Remove 移除连接（幂等）
// 任意触发器（正常关闭、错误、心跳超时、服务关闭）都汇入本入口；
// 只有第一个完成 open → closing 迁移的调用方执行实际清理和统计，
// 后续调用为空操作。该幂等性保证断开计数不会重复、连接数不为负
func (r *Registry) Remove(c *Client, reason RemoveReason) bool {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return false
	}

	if _, loaded := r.clients.LoadAndDelete(c.ID); loaded {
		r.count.Add(-1)
	}

	if value, ok := r.rooms.Load(c.EndpointToken()); ok {
		room := value.(*endpointRoom)
		if _, loaded := room.clients.LoadAndDelete(c.ID); loaded {
			room.count.Add(-1)
		}
	}

	c.shutdownTransport()
	c.state.Store(int32(StateClosed))

	r.recorder.Record(c.EndpointID(), stats.EventDisconnect)
	r.metrics.DecrementConnections()
	r.metrics.SetConnectionCount(r.ClientCount())

	if r.onRemove != nil {
		r.onRemove(c, reason)
	}

	r.logger.Debug("[hub] 连接移除",
		zap.String("conn_id", c.ID),
		zap.String("endpoint", c.EndpointToken()),
		zap.String("reason", string(reason)))

	return true
}

// Broadcast 向发送者所在端点的其他连接广播
// 回声抑制通过排除发送者的遍历实现；单个对端发送失败只记日志并
// 调度该对端清理，调用本身返回尝试发送的连接数
func (r *Registry) Broadcast(sender *Client, msgType int, payload []byte) int {
	value, ok := r.rooms.Load(sender.EndpointToken())
	if !ok {
		return 0
	}
	room := value.(*endpointRoom)

	capacity := int(room.count.Load())
	if capacity < 0 {
		capacity = 0
	}
	peers := make([]*Client, 0, capacity)
	room.clients.Range(func(_, v any) bool {
		peer := v.(*Client)
		if peer.ID != sender.ID {
			peers = append(peers, peer)
		}
		return true
	})

	senderDeviceID, _ := sender.Identity()
	frame, outType := applyForwardMode(sender.endpoint.ForwardMode, sender.endpoint.CustomHeader, msgType, payload, senderDeviceID)

	for _, peer := range peers {
		if err := peer.SendFrame(outType, frame); err != nil {
			r.metrics.IncrementDroppedMessages()
			r.logger.Warn("[hub] 对端发送失败，调度清理",
				zap.String("conn_id", peer.ID),
				zap.String("endpoint", peer.EndpointToken()),
				zap.Error(err))
			go r.Remove(peer, ReasonSendFailure)
		}
	}

	return len(peers)
}

// Get 获取客户端
func (r *Registry) Get(clientID string) (*Client, bool) {
	value, ok := r.clients.Load(clientID)
	if !ok {
		return nil, false
	}
	return value.(*Client), true
}

// FindByDevice 按端点与设备 ID 查找当前已识别的连接
func (r *Registry) FindByDevice(endpointID uint, deviceID string) (*Client, bool) {
	value, ok := r.roomsByID.Load(endpointID)
	if !ok {
		return nil, false
	}
	room := value.(*endpointRoom)

	var found *Client
	room.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		id, _ := c.Identity()
		if id == deviceID {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

// Range 遍历所有客户端
func (r *Registry) Range(f func(*Client) bool) {
	r.clients.Range(func(_, v any) bool {
		return f(v.(*Client))
	})
}

// ClientCount 当前连接数
func (r *Registry) ClientCount() int {
	return int(r.count.Load())
}

// EndpointClientCount 指定端点的当前连接数
func (r *Registry) EndpointClientCount(token string) int {
	value, ok := r.rooms.Load(token)
	if !ok {
		return 0
	}
	return int(value.(*endpointRoom).count.Load())
}

// cleanupEmptyRooms 清理长期空置的广播域
// 写锁下判空删除，注册方不可能正停在取域和计数占位之间
func (r *Registry) cleanupEmptyRooms(ttl time.Duration) {
	now := time.Now()
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	r.rooms.Range(func(key, value any) bool {
		room := value.(*endpointRoom)
		if room.count.Load() == 0 && now.Sub(room.createdAt) > ttl {
			r.rooms.Delete(key)
			r.roomsByID.Delete(room.endpointID)
		}
		return true
	})
}
