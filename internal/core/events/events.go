package events

import (
	"encoding/json"
	"time"
)

// Event 事件接口
type Event interface {
	Type() string
	Timestamp() time.Time
	Source() string
}

// EventHandler 事件处理器
type EventHandler func(event Event) error

// EventBus 事件总线接口
//
// 同一总线上的事件按发布顺序依次投递（单个分发协程），
// 发布方不会被处理器阻塞。
type EventBus interface {
	// Publish 发布事件，入队后立即返回
	Publish(event Event) error

	// Subscribe 订阅事件，返回的订阅可多次安全取消
	Subscribe(eventType string, handler EventHandler) (*Subscription, error)

	// HandlerCount 指定事件类型的处理器数量
	HandlerCount(eventType string) int

	// Close 关闭事件总线，丢弃尚未投递的事件
	Close() error
}

// BaseEvent 基础事件实现
type BaseEvent struct {
	EventType   string    `json:"event_type"`
	EventTime   time.Time `json:"event_time"`
	EventSource string    `json:"event_source"`
}

func (e *BaseEvent) Type() string {
	return e.EventType
}

func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

func (e *BaseEvent) Source() string {
	return e.EventSource
}

// MessageEvent 携带原始 JSON 负载的事件（桥接层事件）
type MessageEvent struct {
	BaseEvent
	Payload json.RawMessage `json:"payload"`
}

// NewMessageEvent 创建消息事件
func NewMessageEvent(name, source string, payload json.RawMessage) *MessageEvent {
	return &MessageEvent{
		BaseEvent: BaseEvent{
			EventType:   name,
			EventTime:   time.Now(),
			EventSource: source,
		},
		Payload: payload,
	}
}
