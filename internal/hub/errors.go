package hub

import "errors"

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("hub: too many connections")
	ErrEndpointFull       = errors.New("hub: endpoint is full")
	ErrConnectionClosed   = errors.New("hub: connection closed")
	ErrAlreadyClosed      = errors.New("hub: connection already closed")
	ErrClientNotFound     = errors.New("hub: client not found")

	// 端点相关错误
	ErrUnknownEndpoint  = errors.New("hub: unknown endpoint")
	ErrEndpointDisabled = errors.New("hub: endpoint disabled")

	// 消息相关错误
	ErrChannelFull    = errors.New("hub: send channel full")
	ErrInvalidMessage = errors.New("hub: invalid message format")

	// 设备相关错误
	ErrDeviceOffline = errors.New("hub: device offline")

	// 生命周期错误
	ErrHubClosed = errors.New("hub: hub closed")
)
