package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
)

// mockSink 用于测试聚合器的存储写入面
type mockSink struct {
	mu          sync.RWMutex
	stats       map[uint]*model.EndpointStats
	upserts     int // 记录 UpsertStats 调用次数
	touches     int // 记录 TouchLastActive 调用次数
	failOn      map[uint]bool
	upsertError bool
}

func newMockSink() *mockSink {
	return &mockSink{
		stats:  make(map[uint]*model.EndpointStats),
		failOn: make(map[uint]bool),
	}
}

func (m *mockSink) UpsertStats(ctx context.Context, endpointID uint, delta store.StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertError || m.failOn[endpointID] {
		return errors.New("storage unavailable")
	}

	s, ok := m.stats[endpointID]
	if !ok {
		s = &model.EndpointStats{EndpointID: endpointID}
		m.stats[endpointID] = s
	}
	s.CurrentConnections += delta.Connect - delta.Disconnect
	if s.CurrentConnections < 0 {
		s.CurrentConnections = 0
	}
	s.TotalConnections += delta.Connect
	s.TotalMessages += delta.Message
	if delta.LastMessageAt != nil {
		s.LastMessageAt = delta.LastMessageAt
	}
	m.upserts++
	return nil
}

func (m *mockSink) TouchLastActive(ctx context.Context, endpointID uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	return nil
}

// get 获取端点统计快照（线程安全）
func (m *mockSink) get(endpointID uint) *model.EndpointStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stats[endpointID]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// counts 获取调用次数（线程安全）
func (m *mockSink) counts() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.upserts, m.touches
}

// TestAggregatorBatching 测试事件在内存聚合后一次性落库
func TestAggregatorBatching(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), time.Hour, 1000) // 长间隔，手动刷新

	const endpointID = uint(1)
	for range 10 {
		agg.Record(endpointID, EventConnect)
	}
	for range 50 {
		agg.Record(endpointID, EventMessage)
	}
	for range 3 {
		agg.Record(endpointID, EventDisconnect)
	}

	report := agg.Flush(context.Background())
	assert.Equal(t, 1, report.Endpoints, "一个端点的事件应该聚合为一次写入")
	assert.Equal(t, 0, report.Failed)

	upserts, _ := sink.counts()
	assert.Equal(t, 1, upserts, "63 个事件应该只触发 1 次 UpsertStats")

	s := sink.get(endpointID)
	assert.NotNil(t, s)
	assert.Equal(t, int64(7), s.CurrentConnections, "当前连接数 = 10 连接 - 3 断开")
	assert.Equal(t, int64(10), s.TotalConnections)
	assert.Equal(t, int64(50), s.TotalMessages)
	assert.NotNil(t, s.LastMessageAt)
}

// TestAggregatorMultipleEndpoints 测试多端点增量互不干扰
func TestAggregatorMultipleEndpoints(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), time.Hour, 1000)

	agg.Record(1, EventConnect)
	agg.Record(1, EventMessage)
	agg.Record(2, EventConnect)
	agg.Record(2, EventConnect)

	report := agg.Flush(context.Background())
	assert.Equal(t, 2, report.Endpoints)

	s1 := sink.get(1)
	assert.Equal(t, int64(1), s1.TotalConnections)
	assert.Equal(t, int64(1), s1.TotalMessages)

	s2 := sink.get(2)
	assert.Equal(t, int64(2), s2.TotalConnections)
	assert.Equal(t, int64(0), s2.TotalMessages)
}

// TestAggregatorFlushEmpty 测试无待写增量时刷新为空操作
func TestAggregatorFlushEmpty(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), time.Hour, 1000)

	report := agg.Flush(context.Background())
	assert.Equal(t, 0, report.Endpoints)

	upserts, _ := sink.counts()
	assert.Equal(t, 0, upserts, "空刷新不应该触发存储写入")
}

// TestAggregatorPeriodicFlush 测试定时自动刷新
func TestAggregatorPeriodicFlush(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), 100*time.Millisecond, 1000)

	agg.Start()
	defer agg.Shutdown()

	agg.Record(1, EventConnect)
	agg.Record(1, EventMessage)

	// 等待自动刷新
	time.Sleep(250 * time.Millisecond)

	s := sink.get(1)
	assert.NotNil(t, s, "定时器应该触发刷新")
	assert.Equal(t, int64(1), s.TotalConnections)
	assert.Equal(t, int64(1), s.TotalMessages)
	assert.Equal(t, 0, agg.PendingEndpoints(), "刷新后不应该有待写增量")
}

// TestAggregatorThresholdFlush 测试待刷端点数达到阈值触发带外刷新
func TestAggregatorThresholdFlush(t *testing.T) {
	sink := newMockSink()
	threshold := 5
	agg := NewAggregator(sink, logger.Nop(), time.Hour, threshold) // 长间隔，只靠阈值触发

	agg.Start()
	defer agg.Shutdown()

	for i := range threshold {
		agg.Record(uint(i+1), EventConnect)
	}

	// 等待带外刷新
	time.Sleep(200 * time.Millisecond)

	upserts, _ := sink.counts()
	assert.Equal(t, threshold, upserts, "达到阈值应该立即刷新所有端点")
}

// TestAggregatorShutdownFlush 测试关闭时刷新剩余增量
func TestAggregatorShutdownFlush(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), time.Hour, 1000) // 长间隔，不会自动刷新

	agg.Start()

	agg.Record(1, EventConnect)
	agg.Record(1, EventMessage)
	agg.Record(2, EventConnect)

	agg.Shutdown()

	upserts, _ := sink.counts()
	assert.Equal(t, 2, upserts, "关闭时应该刷新所有待写增量")
	assert.Equal(t, int64(1), sink.get(1).TotalMessages)
}

// TestAggregatorRecordAfterShutdown 测试关闭后的事件被丢弃
func TestAggregatorRecordAfterShutdown(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), time.Hour, 1000)

	agg.Start()
	agg.Shutdown()

	// 关闭后记录不应该 panic，也不应该累积
	agg.Record(1, EventConnect)
	agg.Record(1, EventMessage)
	assert.Equal(t, 0, agg.PendingEndpoints(), "关闭后的事件应该被丢弃")
}

// TestAggregatorMultipleShutdown 测试多次关闭
func TestAggregatorMultipleShutdown(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), time.Hour, 1000)

	agg.Start()

	// 多次调用 Shutdown（不应该 panic）
	agg.Shutdown()
	agg.Shutdown()
	agg.Shutdown()
}

// TestAggregatorPartialFailure 测试单端点写失败不影响同批次其他端点
func TestAggregatorPartialFailure(t *testing.T) {
	sink := newMockSink()
	sink.failOn[2] = true

	agg := NewAggregator(sink, logger.Nop(), time.Hour, 1000)

	agg.Record(1, EventConnect)
	agg.Record(2, EventConnect)
	agg.Record(3, EventConnect)

	report := agg.Flush(context.Background())
	assert.Equal(t, 3, report.Endpoints)
	assert.Equal(t, 1, report.Failed, "只有端点 2 写入失败")

	assert.NotNil(t, sink.get(1), "端点 1 应该写入成功")
	assert.Nil(t, sink.get(2))
	assert.NotNil(t, sink.get(3), "端点 3 应该写入成功")
}

// TestAggregatorConcurrentRecord 测试并发记录不丢事件
func TestAggregatorConcurrentRecord(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), time.Hour, 100000)

	var wg sync.WaitGroup
	concurrency := 10
	eventsPerGoroutine := 100

	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range eventsPerGoroutine {
				agg.Record(1, EventMessage)
			}
		}()
	}
	wg.Wait()

	agg.Flush(context.Background())

	s := sink.get(1)
	assert.Equal(t, int64(concurrency*eventsPerGoroutine), s.TotalMessages,
		"所有并发事件都应该被计入")
}

// TestAggregatorTouchLastActive 测试有消息的端点更新活跃时间
func TestAggregatorTouchLastActive(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), time.Hour, 1000)

	agg.Record(1, EventMessage)
	agg.Record(2, EventConnect) // 无消息，不更新活跃时间

	agg.Flush(context.Background())

	_, touches := sink.counts()
	assert.Equal(t, 1, touches, "只有产生消息的端点才更新活跃时间")
}

// TestAggregatorDefaultValues 测试无效配置回落默认值
func TestAggregatorDefaultValues(t *testing.T) {
	sink := newMockSink()
	agg := NewAggregator(sink, logger.Nop(), 0, 0)

	assert.Equal(t, 5*time.Second, agg.flushInterval)
	assert.Equal(t, 100, agg.flushThreshold)
}
