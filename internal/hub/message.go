package hub

import (
	"encoding/json"
	"time"
)

// 消息信封类型
const (
	// TypeIdentify 设备身份绑定（入站）
	TypeIdentify = "identify"
	// TypeIdentified 身份绑定确认（出站）
	TypeIdentified = "identified"
	// TypeMessage 普通中转消息
	TypeMessage = "message"
	// TypeData 设备数据上报
	TypeData = "data"
	// TypeSystem 系统通知（出站）
	TypeSystem = "system"
	// TypeCommand 控制指令下发（出站）
	TypeCommand = "command"
	// TypeAck 指令确认（入站）
	TypeAck = "ack"
)

// Envelope 入站消息信封
// 仅解析路由所需字段，其余内容保留原文
type Envelope struct {
	Type       string          `json:"type"`
	DeviceID   string          `json:"deviceId,omitempty"`
	DeviceName string          `json:"deviceName,omitempty"`
	CommandID  string          `json:"commandId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// IdentifiedReply 身份绑定确认
type IdentifiedReply struct {
	Type       string `json:"type"` // 固定为 identified
	DeviceID   string `json:"deviceId"`
	CustomName string `json:"customName"`
}

// SystemNotice 系统通知
type SystemNotice struct {
	Type    string `json:"type"`  // 固定为 system
	Level   string `json:"level"` // error/info
	Message string `json:"message"`
}

// CommandPush 控制指令下发
type CommandPush struct {
	Type        string          `json:"type"` // 固定为 command
	CommandID   string          `json:"commandId"`
	CommandType string          `json:"commandType"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// RelayEnvelope 结构化转发信封
type RelayEnvelope struct {
	Type     string          `json:"type"` // 固定为 message
	Data     json.RawMessage `json:"data"`
	SenderID string          `json:"senderId,omitempty"`
	Time     int64           `json:"timestamp,omitempty"`
}

// NewIdentifiedReply 创建身份绑定确认
func NewIdentifiedReply(deviceID, customName string) *IdentifiedReply {
	return &IdentifiedReply{
		Type:       TypeIdentified,
		DeviceID:   deviceID,
		CustomName: customName,
	}
}

// NewSystemError 创建系统错误通知
func NewSystemError(message string) *SystemNotice {
	return &SystemNotice{
		Type:    TypeSystem,
		Level:   "error",
		Message: message,
	}
}

// NewCommandPush 创建指令下发消息
func NewCommandPush(commandID, commandType string, params json.RawMessage) *CommandPush {
	return &CommandPush{
		Type:        TypeCommand,
		CommandID:   commandID,
		CommandType: commandType,
		Params:      params,
	}
}

// NewRelayEnvelope 创建结构化转发信封
// 非 JSON 内容按字符串包装，永不丢弃
func NewRelayEnvelope(payload []byte, senderID string) *RelayEnvelope {
	env := &RelayEnvelope{
		Type:     TypeMessage,
		SenderID: senderID,
		Time:     time.Now().Unix(),
	}
	if json.Valid(payload) {
		env.Data = json.RawMessage(payload)
	} else {
		quoted, _ := json.Marshal(string(payload))
		env.Data = json.RawMessage(quoted)
	}
	return env
}
