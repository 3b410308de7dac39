package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"miqo-core/internal/bridge"
	"miqo-core/internal/core/dispose"
	coreerrors "miqo-core/internal/core/errors"
	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/core/metrics"
	"miqo-core/internal/core/safe"
)

// 指标名
const (
	MetricConnects    = "engine_connects_total" // result=ok|error
	MetricForwarded   = "engine_packets_forwarded_total"
	MetricDropped     = "engine_packets_dropped_total"
	MetricDisconnects = "engine_disconnects_total" // reason=stopped|lost
	MetricClients     = "engine_bridge_clients"
)

// Options 引擎选项
type Options struct {
	Dialer         Dialer
	ClientID       string // start_connect 未指定时使用
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	MaxEventRate   int // 每秒转发消息上限，0 表示不限
	Now            func() time.Time
	Metrics        metrics.Metrics // 为空时使用内存实现

	// 连接丢失后的重连预算，放弃后才发出 mqtt-disconnected
	ReconnectAttempts int
	ReconnectInterval time.Duration
}

// session 一次连接尝试，同一时刻至多一个
type session struct {
	url     string
	attempt string
	cancel  context.CancelFunc
	conn    BrokerConn // 连接建立前为 nil
}

// Engine 连接引擎
//
// 引擎通过 Local Bridge 与前端交互：注册 start_connect 命令，
// 订阅 front-to-back 事件，并在同一 Bridge 上发布结果与消息事件。
type Engine struct {
	mu      sync.Mutex
	b       *bridge.Local
	opts    Options
	current *session
	limiter *rate.Limiter
	stopSub *bridge.Subscription
	dropped int
	dispose.Dispose
}

// New 创建引擎并挂接到 Bridge
func New(parentCtx context.Context, b *bridge.Local, opts Options) (*Engine, error) {
	if opts.Dialer == nil {
		opts.Dialer = NewPahoDialer()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMemoryMetrics()
	}

	e := &Engine{b: b, opts: opts}
	if opts.MaxEventRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.MaxEventRate), opts.MaxEventRate)
	}
	e.SetCtx(parentCtx, e.onClose)

	b.Handle(bridge.CommandStartConnect, e.handleStartConnect)
	sub, err := b.Subscribe(bridge.EventStop, e.handleStop)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.stopSub = sub
	return e, nil
}

// onClose 资源释放回调
func (e *Engine) onClose() error {
	if e.stopSub != nil {
		e.stopSub.Unsubscribe()
	}
	e.mu.Lock()
	s := e.current
	e.current = nil
	e.mu.Unlock()

	if s != nil {
		s.close()
	}
	return nil
}

func (s *session) close() {
	s.cancel()
	if s.conn != nil {
		s.conn.Close()
	}
}

// Connected 当前已连接的 broker，未连接时为空
func (e *Engine) Connected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.conn == nil {
		return ""
	}
	return e.current.url
}

// Metrics 引擎指标
func (e *Engine) Metrics() metrics.Metrics {
	return e.opts.Metrics
}

// Dropped 因限速被丢弃的消息数
func (e *Engine) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// handleStartConnect 接受命令后立即返回，连接结果通过 mqtt-connect-result 事件报告
func (e *Engine) handleStartConnect(_ context.Context, raw json.RawMessage) (any, error) {
	args, err := bridge.Decode[bridge.ConnectArgs](raw)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInvalidParam, "invalid start_connect args")
	}
	if args.URL == "" {
		return nil, coreerrors.New(coreerrors.CodeInvalidParam, "start_connect requires url")
	}
	if e.IsClosed() {
		return nil, coreerrors.ErrClosed
	}

	ctx, cancel := context.WithTimeout(e.Ctx(), e.opts.ConnectTimeout)
	s := &session{url: args.URL, attempt: args.Attempt, cancel: cancel}

	e.mu.Lock()
	prev := e.current
	e.current = s
	e.mu.Unlock()

	// 单会话：新的连接替换旧的
	if prev != nil {
		corelog.Infof("engine: replacing session to %s", prev.url)
		prev.close()
	}

	safe.GoWithContext(ctx, "engine-dial", func(ctx context.Context) { e.dial(ctx, s, args) })
	return map[string]bool{"accepted": true}, nil
}

func (e *Engine) dial(ctx context.Context, s *session, args bridge.ConnectArgs) {
	clientID := args.ClientID
	if clientID == "" {
		clientID = e.opts.ClientID
	}

	conn, err := e.opts.Dialer.Dial(ctx, DialOptions{
		URL:            args.URL,
		ClientID:       clientID,
		Username:       args.Username,
		Password:       args.Password,
		MQTTVersion:    args.MQTTVersion,
		CertFile:       args.CertFile,
		KeyFile:        args.KeyFile,
		KeepAlive:      e.opts.KeepAlive,
		ConnectTimeout: e.opts.ConnectTimeout,

		ReconnectAttempts: e.opts.ReconnectAttempts,
		ReconnectInterval: e.opts.ReconnectInterval,

		OnMessage: func(m Message) { e.forward(s, m) },
		OnLost:    func(err error) { e.lost(s, err) },
	})

	e.mu.Lock()
	if e.current != s {
		// 已被停止或替换
		e.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		e.current = nil
		e.mu.Unlock()
		s.cancel()
		corelog.Warnf("engine: connect to %s failed: %v", args.URL, err)
		e.opts.Metrics.IncrementCounter(MetricConnects, map[string]string{"result": "error"})
		e.emit(bridge.EventConnectResult, bridge.ConnectResult{URL: args.URL, OK: false, Error: err.Error(), Attempt: args.Attempt})
		return
	}
	s.conn = conn
	e.mu.Unlock()
	e.opts.Metrics.IncrementCounter(MetricConnects, map[string]string{"result": "ok"})

	e.emit(bridge.EventConnectResult, bridge.ConnectResult{URL: args.URL, OK: true, Attempt: args.Attempt})
}

// forward 转发一条消息；payload 按 UTF-8 有损解码
func (e *Engine) forward(s *session, m Message) {
	e.mu.Lock()
	if e.current != s {
		e.mu.Unlock()
		return
	}
	if e.limiter != nil && !e.limiter.Allow() {
		e.dropped++
		e.mu.Unlock()
		e.opts.Metrics.IncrementCounter(MetricDropped, nil)
		return
	}
	e.mu.Unlock()
	e.opts.Metrics.IncrementCounter(MetricForwarded, nil)

	e.emit(bridge.EventPacket, bridge.Packet{
		Topic:     m.Topic,
		Payload:   strings.ToValidUTF8(string(m.Payload), "\uFFFD"),
		Timestamp: e.opts.Now().Unix(),
	})
}

func (e *Engine) lost(s *session, err error) {
	e.mu.Lock()
	if e.current != s {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.mu.Unlock()
	s.cancel()

	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	corelog.Warnf("engine: lost connection to %s: %s", s.url, reason)
	e.opts.Metrics.IncrementCounter(MetricDisconnects, map[string]string{"reason": "lost"})
	e.emit(bridge.EventDisconnected, bridge.Disconnected{URL: s.url, Reason: reason, Attempt: s.attempt})
}

// handleStop 停止匹配的会话并确认断开
//
// 带 attempt 的请求只停止同一次连接尝试，避免超时后迟到的停止请求
// 误伤用户对同一 URL 的重试。确认事件原样带回 attempt。
func (e *Engine) handleStop(raw json.RawMessage) {
	args, _ := bridge.Decode[bridge.StopArgs](raw)

	e.mu.Lock()
	s := e.current
	if s != nil && s.matches(args) {
		e.current = nil
	} else {
		s = nil
	}
	e.mu.Unlock()

	url := args.URL
	if s != nil {
		s.close()
		url = s.url
		corelog.Infof("engine: stopped session to %s", url)
		e.opts.Metrics.IncrementCounter(MetricDisconnects, map[string]string{"reason": "stopped"})
	}
	e.emit(bridge.EventDisconnected, bridge.Disconnected{URL: url, Reason: "stopped", Attempt: args.Attempt})
}

func (s *session) matches(args bridge.StopArgs) bool {
	if args.Attempt != "" {
		return args.Attempt == s.attempt
	}
	return args.URL == "" || args.URL == s.url
}

func (e *Engine) emit(event string, payload any) {
	if err := e.b.Emit(e.Ctx(), event, payload); err != nil {
		corelog.Debugf("engine: emit %s failed: %v", event, err)
	}
}
