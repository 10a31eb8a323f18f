package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
)

const tracerName = "internal/stats"

// EventKind 统计事件类型
type EventKind int

const (
	// EventConnect 连接建立
	EventConnect EventKind = iota
	// EventDisconnect 连接断开
	EventDisconnect
	// EventMessage 消息中转
	EventMessage
)

// Sink 聚合器依赖的存储写入面
type Sink interface {
	// UpsertStats 以增量方式更新端点统计
	UpsertStats(ctx context.Context, endpointID uint, delta store.StatsDelta) error
	// TouchLastActive 更新端点最近活跃时间
	TouchLastActive(ctx context.Context, endpointID uint, at time.Time) error
}

// FlushReport 单次刷新结果
type FlushReport struct {
	Endpoints int // 本次刷新的端点数
	Failed    int // 写入失败的端点数
}

// Aggregator 统计批量聚合器
// 在内存中吸收高频的连接/断开/消息事件，周期性地把增量刷入存储，
// 避免每个事件都触发一次数据库写入
type Aggregator struct {
	sink   Sink
	logger logger.Logger

	flushInterval  time.Duration
	flushThreshold int // 待刷端点数阈值，达到后触发带外刷新

	mu      sync.Mutex
	pending map[uint]*store.StatsDelta

	// 增量对象跨刷新周期复用，避免每个事件都分配
	deltaPool sync.Pool

	flushCh  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool
	started  atomic.Bool
}

// NewAggregator 创建统计聚合器
func NewAggregator(sink Sink, log logger.Logger, flushInterval time.Duration, flushThreshold int) *Aggregator {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if flushThreshold <= 0 {
		flushThreshold = 100
	}

	return &Aggregator{
		sink:           sink,
		logger:         log,
		flushInterval:  flushInterval,
		flushThreshold: flushThreshold,
		pending:        make(map[uint]*store.StatsDelta),
		deltaPool: sync.Pool{
			New: func() any { return &store.StatsDelta{} },
		},
		flushCh:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start 启动刷新循环
func (a *Aggregator) Start() {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go a.run()
}

// run 刷新循环
func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			// 停机前执行最后一次同步刷新，保证不丢增量
			a.Flush(context.Background())
			return
		case <-ticker.C:
			a.Flush(context.Background())
		case <-a.flushCh:
			a.Flush(context.Background())
		}
	}
}

// Record 记录一个统计事件
// O(1) 内存递增，不阻塞、不失败；聚合器已关闭时丢弃并告警
func (a *Aggregator) Record(endpointID uint, kind EventKind) {
	if a.stopped.Load() {
		a.logger.Warn("[stats] 聚合器已关闭，丢弃统计事件",
			zap.Uint("endpoint_id", endpointID),
			zap.Int("kind", int(kind)))
		return
	}

	a.mu.Lock()
	delta, ok := a.pending[endpointID]
	if !ok {
		delta = a.deltaPool.Get().(*store.StatsDelta)
		a.pending[endpointID] = delta
	}

	switch kind {
	case EventConnect:
		delta.Connect++
	case EventDisconnect:
		delta.Disconnect++
	case EventMessage:
		delta.Message++
		now := time.Now()
		delta.LastMessageAt = &now
	}
	pendingCount := len(a.pending)
	a.mu.Unlock()

	// 达到阈值，触发带外刷新
	if pendingCount >= a.flushThreshold {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush 同步刷新当前待写增量
// 先原子换出待写映射，刷新期间到达的新事件进入新桶，不丢失也不重计；
// 单个端点写失败只记日志，不影响同批次其他端点
func (a *Aggregator) Flush(ctx context.Context) FlushReport {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return FlushReport{}
	}
	batch := a.pending
	a.pending = make(map[uint]*store.StatsDelta, len(batch))
	a.mu.Unlock()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "stats.flush",
		trace.WithAttributes(attribute.Int("stats.endpoints", len(batch))))
	defer span.End()

	report := FlushReport{Endpoints: len(batch)}
	for endpointID, delta := range batch {
		if err := a.sink.UpsertStats(ctx, endpointID, *delta); err != nil {
			report.Failed++
			a.logger.Error("[stats] 刷新端点统计失败",
				zap.Uint("endpoint_id", endpointID),
				zap.Int64("connect", delta.Connect),
				zap.Int64("disconnect", delta.Disconnect),
				zap.Int64("message", delta.Message),
				zap.Error(err))
		} else if delta.Message > 0 && delta.LastMessageAt != nil {
			if err := a.sink.TouchLastActive(ctx, endpointID, *delta.LastMessageAt); err != nil {
				a.logger.Warn("[stats] 更新端点活跃时间失败",
					zap.Uint("endpoint_id", endpointID),
					zap.Error(err))
			}
		}

		// 归还对象池
		*delta = store.StatsDelta{}
		a.deltaPool.Put(delta)
	}

	return report
}

// Shutdown 优雅关闭
// 停止定时器并执行最后一次同步刷新；之后的 Record 调用被拒绝
func (a *Aggregator) Shutdown() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}

	if a.started.Load() {
		close(a.stopChan)
		a.wg.Wait()
		return
	}

	// 未启动循环时直接刷新
	a.Flush(context.Background())
}

// PendingEndpoints 当前待刷端点数（测试与监控用）
func (a *Aggregator) PendingEndpoints() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
