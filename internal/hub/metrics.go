package hub

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)

	// 消息指标
	IncrementMessageCount(msgType string)
	IncrementDroppedMessages()
	IncrementInvalidMessages()

	// 错误指标
	IncrementReadErrors()
	IncrementWriteErrors()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (m *NoopMetrics) IncrementConnections()               {}
func (m *NoopMetrics) DecrementConnections()               {}
func (m *NoopMetrics) SetConnectionCount(count int)        {}
func (m *NoopMetrics) IncrementMessageCount(msgType string) {}
func (m *NoopMetrics) IncrementDroppedMessages()           {}
func (m *NoopMetrics) IncrementInvalidMessages()           {}
func (m *NoopMetrics) IncrementReadErrors()                {}
func (m *NoopMetrics) IncrementWriteErrors()               {}
