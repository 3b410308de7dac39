package bridge

import (
	"encoding/json"
	"fmt"
)

// Packet 引擎推送的一条 MQTT 消息，接收后不可变
type Packet struct {
	Topic     string `json:"topic"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"` // Unix 秒，按到达顺序单调不减
}

// ConnectArgs start_connect 命令参数
type ConnectArgs struct {
	URL         string `json:"url"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	MQTTVersion string `json:"mqtt_version,omitempty"`
	CertFile    string `json:"cert_file,omitempty"`
	KeyFile     string `json:"key_file,omitempty"`
	Attempt     string `json:"attempt,omitempty"` // 由引擎原样带回 mqtt-connect-result
}

// StopArgs front-to-back 事件负载
// Attempt 非空时只停止该次连接尝试，为空时按 URL 匹配
type StopArgs struct {
	URL     string `json:"url,omitempty"`
	Attempt string `json:"attempt,omitempty"`
}

// ConnectResult mqtt-connect-result 事件负载
type ConnectResult struct {
	URL     string `json:"url"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Attempt string `json:"attempt,omitempty"`
}

// Disconnected mqtt-disconnected 事件负载
type Disconnected struct {
	URL     string `json:"url"`
	Reason  string `json:"reason,omitempty"`
	Attempt string `json:"attempt,omitempty"` // 被断开的连接尝试
}

// Decode 将事件负载解码为指定类型
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// Encode 将参数编码为 JSON；json.RawMessage 与 nil 原样处理
func Encode(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return x, nil
	default:
		return json.Marshal(v)
	}
}
