package errs

import "net/http"

// 预定义业务错误
var (
	// 端点相关
	ErrUnknownEndpoint  = New(40401, "endpoint not found", http.StatusNotFound)
	ErrEndpointDisabled = New(40301, "endpoint disabled", http.StatusForbidden)

	// 连接相关
	ErrAlreadyClosed = New(40901, "connection already closed", http.StatusConflict)

	// 指令相关
	ErrDeviceOffline   = New(40402, "device offline", http.StatusNotFound)
	ErrCommandNotFound = New(40403, "command not found", http.StatusNotFound)

	// 系统相关
	ErrInternal = New(50000, "internal server error", http.StatusInternalServerError)
)
