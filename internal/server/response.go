package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/errs"
)

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`    // 业务状态码
	Data    any    `json:"data"`    // 响应数据
	Message string `json:"message"` // 响应消息
}

// success 写成功响应
func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, &Response{
		Code:    http.StatusOK,
		Data:    data,
		Message: "success",
	})
}

// fail 写失败响应
// *errs.Error 按其携带的错误码和 HTTP 状态码输出
func fail(c *gin.Context, err error) {
	var e *errs.Error
	if errors.As(err, &e) {
		c.JSON(e.HttpCode, &Response{
			Code:    e.Code,
			Message: e.Message,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, &Response{
		Code:    http.StatusInternalServerError,
		Message: err.Error(),
	})
}

// failBadRequest 写参数错误响应
func failBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, &Response{
		Code:    http.StatusBadRequest,
		Message: message,
	})
}
