package hub

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
)

// applyForwardMode 按端点转发模式变换出站帧
// raw 模式透传原始帧；header 模式在帧前追加配置的字节序列，
// 便于下游区分中转流量；json 模式包装结构化信封。
// raw/header 模式保留入站帧类型（二进制帧仍以二进制转出），
// json 模式输出恒为文本帧
func applyForwardMode(mode model.ForwardMode, customHeader []byte, msgType int, payload []byte, senderID string) ([]byte, int) {
	switch mode {
	case model.ForwardModeRaw:
		return payload, msgType

	case model.ForwardModeHeader:
		framed := make([]byte, 0, len(customHeader)+len(payload))
		framed = append(framed, customHeader...)
		framed = append(framed, payload...)
		return framed, msgType

	case model.ForwardModeJSON:
		fallthrough
	default:
		env := NewRelayEnvelope(payload, senderID)
		data, err := json.Marshal(env)
		if err != nil {
			// 信封序列化失败时退回透传，消息不丢弃
			return payload, msgType
		}
		return data, websocket.TextMessage
	}
}
