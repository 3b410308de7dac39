package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"miqo-core/internal/core/dispose"
	corelog "miqo-core/internal/core/log"
)

// Subscription 事件订阅
type Subscription struct {
	id        uint64
	eventType string
	handler   EventHandler
	active    atomic.Bool
	bus       *eventBus
}

// Unsubscribe 取消订阅；重复调用为空操作。
// 返回后不会再开始新的处理器调用。
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s)
}

// Active 订阅是否仍然有效
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// EventType 订阅的事件类型
func (s *Subscription) EventType() string {
	return s.eventType
}

// eventBus 事件总线实现
type eventBus struct {
	mu          sync.Mutex
	cond        *sync.Cond
	subscribers map[string][]*Subscription
	queue       []Event
	nextID      uint64
	stopped     bool
	dispose.Dispose
}

// NewEventBus 创建新的事件总线
func NewEventBus(parentCtx context.Context) EventBus {
	bus := &eventBus{
		subscribers: make(map[string][]*Subscription),
	}
	bus.cond = sync.NewCond(&bus.mu)
	bus.SetCtx(parentCtx, bus.onClose)

	go bus.dispatchLoop()
	return bus
}

// onClose 资源清理回调
func (bus *eventBus) onClose() error {
	bus.mu.Lock()
	bus.stopped = true
	dropped := len(bus.queue)
	bus.queue = nil
	for _, subs := range bus.subscribers {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	bus.subscribers = make(map[string][]*Subscription)
	bus.cond.Broadcast()
	bus.mu.Unlock()

	if dropped > 0 {
		corelog.Debugf("Event bus closed with %d undelivered events", dropped)
	}
	return nil
}

// dispatchLoop 按发布顺序投递事件
func (bus *eventBus) dispatchLoop() {
	for {
		bus.mu.Lock()
		for len(bus.queue) == 0 && !bus.stopped {
			bus.cond.Wait()
		}
		if bus.stopped {
			bus.mu.Unlock()
			return
		}
		event := bus.queue[0]
		bus.queue[0] = nil
		bus.queue = bus.queue[1:]

		// 创建处理器副本以避免并发修改
		subs := bus.subscribers[event.Type()]
		handlers := make([]*Subscription, len(subs))
		copy(handlers, subs)
		bus.mu.Unlock()

		for _, sub := range handlers {
			if !sub.Active() {
				continue
			}
			if err := sub.handler(event); err != nil {
				corelog.Errorf("Event handler failed for event %s: %v", event.Type(), err)
			}
		}
	}
}

// Publish 发布事件
func (bus *eventBus) Publish(event Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if bus.stopped {
		return fmt.Errorf("event bus is closed")
	}
	if len(bus.subscribers[event.Type()]) == 0 {
		corelog.Debugf("No handlers for event type: %s", event.Type())
		return nil
	}

	bus.queue = append(bus.queue, event)
	bus.cond.Signal()
	return nil
}

// Subscribe 订阅事件
func (bus *eventBus) Subscribe(eventType string, handler EventHandler) (*Subscription, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("event handler cannot be nil")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if bus.stopped {
		return nil, fmt.Errorf("event bus is closed")
	}

	bus.nextID++
	sub := &Subscription{
		id:        bus.nextID,
		eventType: eventType,
		handler:   handler,
		bus:       bus,
	}
	sub.active.Store(true)
	bus.subscribers[eventType] = append(bus.subscribers[eventType], sub)
	corelog.Debugf("Subscribed handler for event type: %s, total handlers: %d", eventType, len(bus.subscribers[eventType]))

	return sub, nil
}

// remove 从订阅表中移除
func (bus *eventBus) remove(sub *Subscription) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	subs := bus.subscribers[sub.eventType]
	for i, existing := range subs {
		if existing.id == sub.id {
			bus.subscribers[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(bus.subscribers[sub.eventType]) == 0 {
		delete(bus.subscribers, sub.eventType)
	}
}

// HandlerCount 获取指定事件类型的处理器数量
func (bus *eventBus) HandlerCount(eventType string) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return len(bus.subscribers[eventType])
}

// Close 关闭事件总线
func (bus *eventBus) Close() error {
	return bus.Dispose.CloseWithError()
}
