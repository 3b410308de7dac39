// Package bridge 定义前端核心与连接引擎之间的异步命令/事件通道
//
// 核心只通过 Bridge 与引擎交互：Invoke 发送命令，Emit 发送事件，
// Subscribe 接收引擎推送的事件。Local 为进程内实现，wsbridge 为远程实现。
package bridge

import (
	"context"
	"encoding/json"

	"miqo-core/internal/core/dispose"
)

// 命令与事件名称，与引擎约定，不可修改
const (
	// CommandStartConnect 让引擎连接 broker
	CommandStartConnect = "start_connect"

	// EventStop 前端请求引擎停止当前连接
	EventStop = "front-to-back"

	// EventPacket 引擎推送收到的消息（名称拼写与引擎保持一致）
	EventPacket = "mqtt-packet-recieve"

	// EventConnectResult 引擎报告连接结果
	EventConnectResult = "mqtt-connect-result"

	// EventDisconnected 引擎报告连接已断开
	EventDisconnected = "mqtt-disconnected"
)

// Handler 事件处理器，payload 为事件的原始 JSON
type Handler func(payload json.RawMessage)

// Bridge 命令/事件通道
type Bridge interface {
	// Invoke 发送命令并等待结果
	Invoke(ctx context.Context, command string, args any) (json.RawMessage, error)

	// Emit 发送事件，不等待处理
	Emit(ctx context.Context, event string, payload any) error

	// Subscribe 订阅事件；同一订阅上的事件按到达顺序投递
	Subscribe(event string, h Handler) (*Subscription, error)
}

// Subscription 事件订阅
//
// Unsubscribe 可重复调用；返回后不会再开始新的处理器调用。
// 所属 Bridge 关闭时订阅自动失效。
type Subscription struct {
	event string
	d     *dispose.Dispose
}

// NewSubscription 创建订阅，cancel 在首次 Unsubscribe 或 parent 取消时执行一次
func NewSubscription(parent context.Context, event string, cancel func()) *Subscription {
	return &Subscription{
		event: event,
		d: dispose.NewDispose(parent, func() error {
			cancel()
			return nil
		}),
	}
}

// Unsubscribe 取消订阅
func (s *Subscription) Unsubscribe() {
	s.d.Close()
}

// Active 订阅是否有效
func (s *Subscription) Active() bool {
	return !s.d.IsClosed()
}

// Event 订阅的事件名称
func (s *Subscription) Event() string {
	return s.event
}

// Dispose 实现 dispose.Disposable
func (s *Subscription) Dispose() error {
	s.Unsubscribe()
	return nil
}
