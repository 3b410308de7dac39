// Package connection 驱动 broker 连接的状态机
//
//	Idle -> Connecting -> Connected -> Disconnecting -> Idle
//	Connecting/Connected -> Error -> Connecting
//
// 控制器通过 Bridge 向引擎发出命令，并根据引擎回传的事件迁移状态。
// 每次 Connect/Disconnect 都会递增代数，旧代的定时器与事件被丢弃。
package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"miqo-core/internal/bridge"
	"miqo-core/internal/core/dispose"
	coreerrors "miqo-core/internal/core/errors"
	"miqo-core/internal/core/events"
	corelog "miqo-core/internal/core/log"
)

// 默认超时
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultDisconnectGrace = 3 * time.Second
)

const eventStateChanged = "connection.state_changed"

// Options 控制器选项，非正的时长使用默认值
type Options struct {
	ConnectTimeout  time.Duration
	DisconnectGrace time.Duration
	Clock           Clock
}

// StateChangedEvent 状态变化通知
type StateChangedEvent struct {
	events.BaseEvent
	Session Session
}

// Controller 连接控制器，独占 Session
type Controller struct {
	mu      sync.Mutex
	b       bridge.Bridge
	opts    Options
	session Session
	gen     uint64
	attempt string
	timer   Timer
	subs    []*bridge.Subscription
	started bool
	watch   events.EventBus
	log     corelog.Logger
	dispose.Dispose
}

// New 创建控制器，需调用 Start 开始监听引擎事件
func New(b bridge.Bridge, opts Options) *Controller {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = DefaultDisconnectGrace
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}

	c := &Controller{
		b:       b,
		opts:    opts,
		session: Session{State: StateIdle},
		log:     corelog.Component("connection"),
	}
	c.SetCtx(context.Background(), c.onClose)
	c.watch = events.NewEventBus(c.Ctx())
	return c
}

// Start 订阅连接结果与断开事件
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.IsClosed() {
		return coreerrors.ErrClosed
	}
	if c.started {
		return coreerrors.ErrAlreadyStarted
	}

	resultSub, err := c.b.Subscribe(bridge.EventConnectResult, c.handleConnectResult)
	if err != nil {
		return err
	}
	lostSub, err := c.b.Subscribe(bridge.EventDisconnected, c.handleDisconnected)
	if err != nil {
		resultSub.Unsubscribe()
		return err
	}
	c.subs = []*bridge.Subscription{resultSub, lostSub}
	c.started = true
	return nil
}

// onClose 资源释放回调
func (c *Controller) onClose() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.stopTimerLocked()
	c.gen++
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return c.watch.Close()
}

// Session 当前会话快照
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Watch 注册状态变化回调，回调按变化顺序在独立协程中执行
func (c *Controller) Watch(fn func(Session)) (*events.Subscription, error) {
	return c.watch.Subscribe(eventStateChanged, func(e events.Event) error {
		if ev, ok := e.(*StateChangedEvent); ok {
			fn(ev.Session)
		}
		return nil
	})
}

// Connect 向引擎发出连接命令
//
// 仅允许从 Idle 或 Error 发起；其他状态返回 ALREADY_CONNECTED 且不发出命令。
// 命令被接受后状态为 Connecting，结果由引擎事件或超时决定。
func (c *Controller) Connect(ctx context.Context, target Target) error {
	c.mu.Lock()
	if c.IsClosed() {
		c.mu.Unlock()
		return coreerrors.ErrClosed
	}
	switch c.session.State {
	case StateConnecting, StateConnected, StateDisconnecting:
		state := c.session.State
		c.mu.Unlock()
		return coreerrors.Newf(coreerrors.CodeAlreadyConnected, "cannot connect while %s", state).
			WithDetail("target", target.Label())
	case StateIdle, StateError:
	}

	gen := c.nextGenLocked()
	c.attempt = uuid.NewString()
	target.Args.Attempt = c.attempt
	now := c.opts.Clock.Now()
	c.setLocked(Session{
		State:    StateConnecting,
		Target:   target,
		Deadline: now.Add(c.opts.ConnectTimeout),
	})
	c.timer = c.opts.Clock.AfterFunc(c.opts.ConnectTimeout, func() { c.onConnectDeadline(gen) })
	c.mu.Unlock()

	c.log.Infof("connecting to %s", target.Label())

	if _, err := c.b.Invoke(ctx, bridge.CommandStartConnect, target.Args); err != nil {
		berr := asBackendError(err, "start_connect failed")
		c.mu.Lock()
		if c.gen == gen && c.session.State == StateConnecting {
			c.stopTimerLocked()
			c.failLocked(berr)
		}
		c.mu.Unlock()
		return berr
	}
	return nil
}

// Disconnect 请求引擎断开当前连接
//
// 仅允许从 Connected 发起。引擎确认或宽限期到期后回到 Idle。
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.session.State != StateConnected {
		state := c.session.State
		c.mu.Unlock()
		return coreerrors.Newf(coreerrors.CodeInvalidState, "cannot disconnect while %s", state)
	}

	gen := c.nextGenLocked()
	target := c.session.Target
	c.setLocked(Session{
		State:    StateDisconnecting,
		Target:   target,
		Deadline: c.opts.Clock.Now().Add(c.opts.DisconnectGrace),
	})
	c.timer = c.opts.Clock.AfterFunc(c.opts.DisconnectGrace, func() { c.onDisconnectGrace(gen) })
	c.mu.Unlock()

	c.log.Infof("disconnecting from %s", target.Label())

	if err := c.b.Emit(ctx, bridge.EventStop, stopArgs(target)); err != nil {
		berr := asBackendError(err, "failed to send stop request")
		c.mu.Lock()
		if c.gen == gen && c.session.State == StateDisconnecting {
			c.stopTimerLocked()
			c.failLocked(berr)
		}
		c.mu.Unlock()
		return berr
	}
	return nil
}

func (c *Controller) handleConnectResult(payload json.RawMessage) {
	res, err := bridge.Decode[bridge.ConnectResult](payload)
	if err != nil {
		c.log.Warnf("malformed %s event: %v", bridge.EventConnectResult, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.State != StateConnecting || res.URL != c.session.Target.URL() ||
		(res.Attempt != "" && res.Attempt != c.attempt) {
		c.log.Debugf("ignoring stale connect result for %s (state %s)", res.URL, c.session.State)
		return
	}

	c.stopTimerLocked()
	if !res.OK {
		c.failLocked(coreerrors.New(coreerrors.CodeBackendError, res.Error).WithDetail("url", res.URL))
		return
	}
	c.setLocked(Session{State: StateConnected, Target: c.session.Target})
	c.log.Infof("connected to %s", c.session.Target.Label())
}

func (c *Controller) handleDisconnected(payload json.RawMessage) {
	ev, err := bridge.Decode[bridge.Disconnected](payload)
	if err != nil {
		c.log.Warnf("malformed %s event: %v", bridge.EventDisconnected, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.URL != "" && ev.URL != c.session.Target.URL() {
		c.log.Debugf("ignoring disconnect for %s", ev.URL)
		return
	}
	if ev.Attempt != "" && ev.Attempt != c.attempt {
		c.log.Debugf("ignoring disconnect of earlier attempt to %s", ev.URL)
		return
	}

	switch c.session.State {
	case StateDisconnecting:
		c.stopTimerLocked()
		c.nextGenLocked()
		c.setLocked(Session{State: StateIdle, Target: c.session.Target})
		c.log.Infof("disconnected from %s", c.session.Target.Label())
	case StateConnected, StateConnecting:
		// 引擎侧连接丢失
		c.stopTimerLocked()
		c.nextGenLocked()
		reason := ev.Reason
		if reason == "" {
			reason = "connection lost"
		}
		c.failLocked(coreerrors.New(coreerrors.CodeBackendError, reason).WithDetail("url", ev.URL))
	case StateIdle, StateError:
		c.log.Debugf("ignoring disconnect while %s", c.session.State)
	}
}

func (c *Controller) onConnectDeadline(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.session.State != StateConnecting {
		c.mu.Unlock()
		return
	}
	target := c.session.Target
	c.timer = nil
	c.failLocked(coreerrors.Newf(coreerrors.CodeTimeout, "no response from %s within %s",
		target.URL(), c.opts.ConnectTimeout).WithDetail("url", target.URL()))
	c.mu.Unlock()

	c.log.Warnf("connect to %s timed out after %s", target.Label(), c.opts.ConnectTimeout)

	// 通知引擎放弃这次连接；迟到的结果与断开确认带着旧的 attempt，会被忽略
	if err := c.b.Emit(c.Ctx(), bridge.EventStop, stopArgs(target)); err != nil {
		c.log.Debugf("failed to cancel timed out connect: %v", err)
	}
}

func (c *Controller) onDisconnectGrace(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen || c.session.State != StateDisconnecting {
		return
	}
	c.timer = nil
	c.setLocked(Session{State: StateIdle, Target: c.session.Target})
	c.log.Warnf("engine did not confirm disconnect within %s, assuming idle", c.opts.DisconnectGrace)
}

func (c *Controller) nextGenLocked() uint64 {
	c.stopTimerLocked()
	c.gen++
	return c.gen
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) failLocked(err error) {
	c.setLocked(Session{State: StateError, Target: c.session.Target, Err: err})
	c.log.Warnf("connection to %s failed: %v", c.session.Target.Label(), err)
}

// setLocked 替换会话并通知观察者
func (c *Controller) setLocked(s Session) {
	c.session = s
	_ = c.watch.Publish(&StateChangedEvent{
		BaseEvent: events.BaseEvent{
			EventType:   eventStateChanged,
			EventTime:   c.opts.Clock.Now(),
			EventSource: "connection",
		},
		Session: s,
	})
}

// Close 停止监听并释放定时器
func (c *Controller) Close() error {
	return c.Dispose.CloseWithError()
}

// stopArgs 只针对 target 所属的那次连接尝试
func stopArgs(target Target) bridge.StopArgs {
	return bridge.StopArgs{URL: target.URL(), Attempt: target.Args.Attempt}
}

func asBackendError(err error, message string) error {
	if coreerrors.IsCode(err, coreerrors.CodeBackendError) {
		return err
	}
	return coreerrors.Wrap(err, coreerrors.CodeBackendError, message)
}
