package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
)

// ConnState 连接状态
// pending 仅存在于握手/端点校验期间；所有断开触发器都经由
// Registry.Remove 完成 open → closing → closed 迁移
type ConnState int32

const (
	// StatePending 握手校验中，尚未注册
	StatePending ConnState = iota
	// StateOpen 已注册，正常收发
	StateOpen
	// StateClosing 清理中，仅第一个触发者进入
	StateClosing
	// StateClosed 清理完成
	StateClosed
)

// ClientConfig 客户端配置
type ClientConfig struct {
	SendQueueSize     int
	SendHighQueueSize int
	WriteWait         time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxMessageSize    int64
}

// Client 一条活跃的 WebSocket 连接
// 生命周期内只属于一个端点
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub

	// 所属端点（注册时快照，连接生命周期内不复验）
	endpoint *model.Endpoint

	// 设备身份（identify 握手后绑定）
	mu         sync.RWMutex
	deviceID   string
	deviceName string

	// 发送队列
	send     chan outFrame
	sendHigh chan outFrame // 高优先级队列（系统消息、指令下发）

	// 心跳截止时间（unix nano），每个入站帧刷新
	deadline atomic.Int64

	// 生命周期
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	config *ClientConfig
}

// outFrame 出站帧，入队时保留原始帧类型
// 二进制帧必须以二进制帧写出，否则严格对端会断开连接
type outFrame struct {
	msgType int
	data    []byte
}

// newClient 创建客户端
func newClient(conn *websocket.Conn, h *Hub, ep *model.Endpoint) *Client {
	ctx, cancel := context.WithCancel(h.ctx)

	cfg := &ClientConfig{
		SendQueueSize:     h.config.SendQueueSize,
		SendHighQueueSize: h.config.HighQueueSize,
		WriteWait:         h.config.WriteWait,
		HeartbeatInterval: h.config.HeartbeatInterval,
		HeartbeatTimeout:  h.config.HeartbeatTimeout,
		MaxMessageSize:    h.config.MaxMessageSize,
	}

	c := &Client{
		ID:       generateConnectionID(),
		conn:     conn,
		hub:      h,
		endpoint: ep,
		send:     make(chan outFrame, cfg.SendQueueSize),
		sendHigh: make(chan outFrame, cfg.SendHighQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		config:   cfg,
	}
	c.state.Store(int32(StatePending))
	c.refreshDeadline()

	return c
}

// State 获取连接状态
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// EndpointID 所属端点内部 ID
func (c *Client) EndpointID() uint {
	return c.endpoint.ID
}

// EndpointToken 所属端点公开 Token
func (c *Client) EndpointToken() string {
	return c.endpoint.Token
}

// Identity 获取绑定的设备身份
func (c *Client) Identity() (deviceID, deviceName string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID, c.deviceName
}

// setIdentity 绑定设备身份（重复绑定覆盖）
func (c *Client) setIdentity(deviceID, deviceName string) {
	c.mu.Lock()
	c.deviceID = deviceID
	c.deviceName = deviceName
	c.mu.Unlock()
}

// refreshDeadline 刷新心跳截止时间
func (c *Client) refreshDeadline() {
	c.deadline.Store(time.Now().Add(c.config.HeartbeatTimeout).UnixNano())
}

// deadlineExceeded 判断心跳是否超时
func (c *Client) deadlineExceeded(now time.Time) bool {
	return now.UnixNano() > c.deadline.Load()
}

// run 运行客户端读写协程，直到连接结束
func (c *Client) run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readPump()
	}()

	go func() {
		defer wg.Done()
		c.writePump()
	}()

	wg.Wait()
	c.hub.registry.Remove(c, ReasonConnectionLost)
}

// readPump 读取消息
// 入站帧在本协程内按到达顺序处理，保证单连接内不乱序
func (c *Client) readPump() {
	defer func() {
		c.hub.registry.Remove(c, ReasonConnectionLost)
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout)); err != nil {
		c.hub.metrics.IncrementReadErrors()
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.refreshDeadline()
		return c.conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.refreshDeadline()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.config.WriteWait))
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			msgType, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.hub.metrics.IncrementReadErrors()
				}
				return
			}

			// 任意入站帧都视为存活
			c.refreshDeadline()
			_ = c.conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))

			c.hub.handleFrame(c, msgType, data)
		}
	}
}

// writePump 写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.sendHigh:
			// 高优先级消息
			if err := c.writeMessage(frame); err != nil {
				return
			}

		case frame := <-c.send:
			// 普通消息
			if err := c.writeMessage(frame); err != nil {
				return
			}

		case <-ticker.C:
			// 发送心跳
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage 写入单条消息，保持入队时的帧类型
func (c *Client) writeMessage(frame outFrame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(frame.msgType, frame.data)
}

// SendFrame 按指定帧类型发送消息（非阻塞）
func (c *Client) SendFrame(msgType int, data []byte) error {
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}

	select {
	case c.send <- outFrame{msgType: msgType, data: data}:
		return nil
	default:
		return ErrChannelFull
	}
}

// SendBytes 发送文本消息（非阻塞）
func (c *Client) SendBytes(msg []byte) error {
	return c.SendFrame(websocket.TextMessage, msg)
}

// SendBytesHigh 发送高优先级文本消息
func (c *Client) SendBytesHigh(msg []byte) error {
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}

	select {
	case c.sendHigh <- outFrame{msgType: websocket.TextMessage, data: msg}:
		return nil
	default:
		return ErrChannelFull
	}
}

// SendJSON 发送 JSON 消息
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendBytes(data)
}

// SendJSONHigh 发送高优先级 JSON 消息
func (c *Client) SendJSONHigh(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendBytesHigh(data)
}

// shutdownTransport 关闭底层传输
// 仅由 Registry.Remove 的胜出方调用一次。
// 发送队列永不关闭：广播方可能正处在状态检查与入队之间，
// 关闭通道会让并发入队触发 panic，队列留给 GC 回收即可
func (c *Client) shutdownTransport() {
	c.cancel()
	c.conn.Close()
}
