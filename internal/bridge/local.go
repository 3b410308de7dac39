package bridge

import (
	"context"
	"encoding/json"
	"sync"

	coreerrors "miqo-core/internal/core/errors"
	"miqo-core/internal/core/events"
	corelog "miqo-core/internal/core/log"
)

// CommandHandler 处理一条命令，返回值会被编码为 JSON 结果
type CommandHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Local 进程内 Bridge
//
// 事件经由单个分发协程按发布顺序异步投递，Emit 不会被处理器阻塞。
// 命令在调用方协程中同步执行。
type Local struct {
	mu       sync.RWMutex
	commands map[string]CommandHandler
	bus      events.EventBus
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewLocal 创建进程内 Bridge
func NewLocal(parentCtx context.Context) *Local {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Local{
		commands: make(map[string]CommandHandler),
		bus:      events.NewEventBus(ctx),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle 注册命令处理器，同名覆盖
func (l *Local) Handle(command string, h CommandHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands[command] = h
}

// Invoke 执行命令
func (l *Local) Invoke(ctx context.Context, command string, args any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.ctx.Err() != nil {
		return nil, coreerrors.ErrClosed
	}

	l.mu.RLock()
	h, ok := l.commands[command]
	l.mu.RUnlock()
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CodeBackendError, "unknown command %q", command)
	}

	raw, err := Encode(args)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "failed to encode %s args", command)
	}

	result, err := h(ctx, raw)
	if err != nil {
		return nil, err
	}
	return Encode(result)
}

// Emit 发布事件
func (l *Local) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := Encode(payload)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "failed to encode %s payload", event)
	}
	if err := l.bus.Publish(events.NewMessageEvent(event, "local", raw)); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeResourceClosed, "failed to emit event")
	}
	return nil
}

// Subscribe 订阅事件
func (l *Local) Subscribe(event string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, coreerrors.New(coreerrors.CodeInvalidParam, "handler cannot be nil")
	}

	busSub, err := l.bus.Subscribe(event, func(e events.Event) error {
		msg, ok := e.(*events.MessageEvent)
		if !ok {
			corelog.Warnf("bridge: unexpected event type %T for %s", e, event)
			return nil
		}
		h(msg.Payload)
		return nil
	})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInvalidParam, "failed to subscribe")
	}

	return NewSubscription(l.ctx, event, busSub.Unsubscribe), nil
}

// HandlerCount 指定事件的订阅数量
func (l *Local) HandlerCount(event string) int {
	return l.bus.HandlerCount(event)
}

// Close 关闭 Bridge，所有订阅失效
func (l *Local) Close() error {
	l.cancel()
	return l.bus.Close()
}
