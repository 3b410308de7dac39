// Package wsbridge 通过 WebSocket 连接远程引擎的 Bridge 实现
package wsbridge

import (
	"encoding/json"
)

// Frame 种类
const (
	KindInvoke = "invoke" // 客户端 -> 引擎，需要 result
	KindResult = "result" // 引擎 -> 客户端，按 ID 对应 invoke
	KindEmit   = "emit"   // 客户端 -> 引擎，单向事件
	KindEvent  = "event"  // 引擎 -> 客户端，单向事件
)

// Frame 一条 WebSocket 文本消息
type Frame struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
