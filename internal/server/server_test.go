package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/cache"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/command"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/config"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/errs"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/hub"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/stats"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
)

// apiStorage 用于接口测试的内存存储
type apiStorage struct {
	mu        sync.RWMutex
	endpoints map[string]*model.Endpoint
	stats     map[uint]*model.EndpointStats
	commands  map[string]*model.DeviceCommand
}

func newAPIStorage(endpoints ...*model.Endpoint) *apiStorage {
	s := &apiStorage{
		endpoints: make(map[string]*model.Endpoint),
		stats:     make(map[uint]*model.EndpointStats),
		commands:  make(map[string]*model.DeviceCommand),
	}
	for _, ep := range endpoints {
		s.endpoints[ep.Token] = ep
	}
	return s
}

func (s *apiStorage) GetEndpointByToken(ctx context.Context, token string) (*model.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ep, ok := s.endpoints[token]; ok {
		cp := *ep
		return &cp, nil
	}
	return nil, errs.ErrUnknownEndpoint
}

func (s *apiStorage) TouchLastActive(ctx context.Context, endpointID uint, at time.Time) error {
	return nil
}

func (s *apiStorage) UpsertStats(ctx context.Context, endpointID uint, delta store.StatsDelta) error {
	return nil
}

func (s *apiStorage) GetStats(ctx context.Context, endpointID uint) (*model.EndpointStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stats[endpointID]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, errs.ErrUnknownEndpoint
}

func (s *apiStorage) UpsertDevice(ctx context.Context, endpointID uint, deviceID, customName string) (*model.Device, error) {
	return &model.Device{EndpointID: endpointID, DeviceID: deviceID, CustomName: customName}, nil
}

func (s *apiStorage) TouchDeviceSeen(ctx context.Context, endpointID uint, deviceID string, at time.Time) error {
	return nil
}

func (s *apiStorage) SaveDeviceData(ctx context.Context, points []*model.DeviceData) error {
	return nil
}

func (s *apiStorage) CreateCommand(ctx context.Context, cmd *model.DeviceCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cmd
	s.commands[cmd.CommandID] = &cp
	return nil
}

func (s *apiStorage) UpdateCommandStatus(ctx context.Context, commandID string, status model.CommandStatus, message string, ackAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandID]
	if !ok || cmd.Status != model.CommandStatusPending {
		return false, nil
	}
	cmd.Status = status
	cmd.Message = message
	cmd.AckAt = &ackAt
	return true, nil
}

func (s *apiStorage) GetCommand(ctx context.Context, commandID string) (*model.DeviceCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cmd, ok := s.commands[commandID]; ok {
		cp := *cmd
		return &cp, nil
	}
	return nil, errs.ErrCommandNotFound
}

func (s *apiStorage) ListCommands(ctx context.Context, q store.CommandQuery) ([]*model.DeviceCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.DeviceCommand, 0)
	for _, cmd := range s.commands {
		cp := *cmd
		out = append(out, &cp)
	}
	return out, nil
}

func (s *apiStorage) ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]*model.DeviceCommand, error) {
	return nil, nil
}

// newTestServer 构造完整的测试服务
func newTestServer(t *testing.T, endpoints ...*model.Endpoint) (*Server, *apiStorage) {
	t.Helper()

	storage := newAPIStorage(endpoints...)
	agg := stats.NewAggregator(storage, logger.Nop(), time.Hour, 100000)

	h := hub.New(hub.Options{
		Config: &config.HubConfig{
			MaxConnections:    100,
			MaxEndpointConns:  100,
			MaxMessageSize:    1 << 20,
			SendQueueSize:     16,
			HighQueueSize:     16,
			WriteWait:         time.Second,
			HeartbeatInterval: time.Second,
			HeartbeatTimeout:  30 * time.Second,
			SweepInterval:     time.Second,
			AllowAllOrigins:   true,
		},
		Storage:    storage,
		Endpoints:  cache.NewEndpointCache(cache.NewMemory(), storage, time.Minute),
		Aggregator: agg,
		Logger:     logger.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})

	correlator := command.NewCorrelator(storage, h, logger.Nop(), 30*time.Second, time.Second)

	srv := New(&config.ServerConfig{Addr: ":0", Mode: "test"}, h, correlator, storage, logger.Nop())
	return srv, storage
}

// doRequest 执行一次接口请求
func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

// TestHandleHealth 测试健康检查
func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

// TestHandleDispatchCommandOffline 测试下发到离线设备
// 指令落库留痕，响应附带 command_id
func TestHandleDispatchCommandOffline(t *testing.T) {
	srv, storage := newTestServer(t,
		&model.Endpoint{ID: 1, Token: "alpha", ForwardMode: model.ForwardModeRaw})

	w := doRequest(srv, http.MethodPost, "/api/commands",
		`{"endpoint_token":"alpha","device_id":"dev-1","type":"reboot"}`)

	assert.Equal(t, errs.ErrDeviceOffline.HttpCode, w.Code)

	var resp struct {
		Code      int    `json:"code"`
		CommandID string `json:"command_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, errs.ErrDeviceOffline.Code, resp.Code)
	require.NotEmpty(t, resp.CommandID)

	cmd, err := storage.GetCommand(context.Background(), resp.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusFailed, cmd.Status)
}

// TestHandleDispatchCommandBadRequest 测试缺少必填字段
func TestHandleDispatchCommandBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/commands", `{"device_id":"dev-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestHandleDispatchCommandUnknownEndpoint 测试未知端点
func TestHandleDispatchCommandUnknownEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/commands",
		`{"endpoint_token":"ghost","device_id":"dev-1","type":"reboot"}`)
	assert.Equal(t, errs.ErrUnknownEndpoint.HttpCode, w.Code)
}

// TestHandleGetCommand 测试指令查询
func TestHandleGetCommand(t *testing.T) {
	srv, storage := newTestServer(t)

	sentAt := time.Now()
	ackAt := sentAt.Add(2 * time.Second)
	require.NoError(t, storage.CreateCommand(context.Background(), &model.DeviceCommand{
		CommandID: "cmd-1",
		DeviceID:  "dev-1",
		Type:      "reboot",
		Status:    model.CommandStatusSuccess,
		SentAt:    sentAt,
		AckAt:     &ackAt,
	}))

	w := doRequest(srv, http.MethodGet, "/api/commands/cmd-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duration_ms":2000`)

	// 未知指令
	w = doRequest(srv, http.MethodGet, "/api/commands/ghost", "")
	assert.Equal(t, errs.ErrCommandNotFound.HttpCode, w.Code)
}

// TestHandleEndpointStats 测试端点统计查询
func TestHandleEndpointStats(t *testing.T) {
	srv, storage := newTestServer(t,
		&model.Endpoint{ID: 1, Token: "alpha", ForwardMode: model.ForwardModeRaw})
	storage.stats[1] = &model.EndpointStats{
		EndpointID:         1,
		CurrentConnections: 3,
		TotalConnections:   10,
		TotalMessages:      50,
	}

	w := doRequest(srv, http.MethodGet, "/api/endpoints/alpha/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_connections":10`)
	assert.Contains(t, w.Body.String(), `"total_messages":50`)

	// 无统计记录的端点返回零值而非错误
	storage.endpoints["beta"] = &model.Endpoint{ID: 2, Token: "beta"}
	w = doRequest(srv, http.MethodGet, "/api/endpoints/beta/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// 未知端点
	w = doRequest(srv, http.MethodGet, "/api/endpoints/ghost/stats", "")
	assert.Equal(t, errs.ErrUnknownEndpoint.HttpCode, w.Code)
}
