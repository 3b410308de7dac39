package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"miqo-core/internal/bridge"
	"miqo-core/internal/bridge/token"
	"miqo-core/internal/core/dispose"
	coreerrors "miqo-core/internal/core/errors"
	"miqo-core/internal/core/events"
	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/core/safe"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Client 远程 Bridge
//
// 单个读协程接收引擎消息：result 交给等待中的 Invoke，
// event 发布到内部事件总线，由其分发协程按到达顺序调用处理器，
// 因此处理器中可以安全地调用 Invoke。
type Client struct {
	conn    *websocket.Conn
	url     string
	writeMu sync.Mutex
	pending *pendingTable
	bus     events.EventBus
	dispose.Dispose
}

// DialOption 握手选项
type DialOption func(*dialConfig)

type dialConfig struct {
	header http.Header
}

// WithToken 在握手请求中携带桥接令牌
func WithToken(raw string) DialOption {
	return func(c *dialConfig) {
		if raw != "" {
			c.header = token.Header(raw)
		}
	}
}

// Dial 连接引擎
func Dial(ctx context.Context, url string, opts ...DialOption) (*Client, error) {
	corelog.Debugf("wsbridge: connecting to %s", url)

	var cfg dialConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, coreerrors.Wrapf(err, coreerrors.CodeUnauthorized,
					"engine at %s rejected the bridge token (check engine.secret)", url)
			case http.StatusForbidden:
				return nil, coreerrors.Wrapf(err, coreerrors.CodeForbidden, "engine at %s rejected this origin", url)
			}
		}
		return nil, coreerrors.Wrapf(err, coreerrors.CodeNetworkError, "failed to connect to engine at %s", url)
	}

	corelog.Infof("wsbridge: connected to %s", url)
	return NewClient(context.Background(), conn, url), nil
}

// NewClient 基于已建立的连接创建 Client 并启动读协程
func NewClient(parentCtx context.Context, conn *websocket.Conn, url string) *Client {
	c := &Client{
		conn:    conn,
		url:     url,
		pending: newPendingTable(),
	}
	c.SetCtx(parentCtx, c.onClose)
	c.bus = events.NewEventBus(c.Ctx())

	safe.Go("wsbridge-read", c.readLoop)
	return c
}

// URL 引擎地址
func (c *Client) URL() string {
	return c.url
}

// Done 连接关闭时关闭
func (c *Client) Done() <-chan struct{} {
	return c.Ctx().Done()
}

// onClose 资源释放回调
func (c *Client) onClose() error {
	c.pending.failAll(coreerrors.New(coreerrors.CodeResourceClosed, "bridge connection closed"))
	_ = c.bus.Close()

	c.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	corelog.Debugf("wsbridge: connection to %s closed", c.url)
	return c.conn.Close()
}

func (c *Client) write(f *Frame) error {
	if c.IsClosed() {
		return coreerrors.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeNetworkError, "websocket write failed")
	}
	return nil
}

// Invoke 发送命令并等待结果
func (c *Client) Invoke(ctx context.Context, command string, args any) (json.RawMessage, error) {
	raw, err := bridge.Encode(args)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "failed to encode %s args", command)
	}

	id := uuid.NewString()
	ch, err := c.pending.register(id)
	if err != nil {
		return nil, err
	}
	defer c.pending.unregister(id)

	if err := c.write(&Frame{Kind: KindInvoke, ID: id, Name: command, Payload: raw}); err != nil {
		return nil, err
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, coreerrors.New(coreerrors.CodeResourceClosed, "bridge closed while waiting for result")
		}
		if f.Error != "" {
			return nil, coreerrors.New(coreerrors.CodeBackendError, f.Error).WithDetail("command", command)
		}
		return f.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit 发送事件
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := bridge.Encode(payload)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeInvalidParam, "failed to encode %s payload", event)
	}
	return c.write(&Frame{Kind: KindEmit, Name: event, Payload: raw})
}

// Subscribe 订阅引擎事件
func (c *Client) Subscribe(event string, h bridge.Handler) (*bridge.Subscription, error) {
	if h == nil {
		return nil, coreerrors.New(coreerrors.CodeInvalidParam, "handler cannot be nil")
	}
	busSub, err := c.bus.Subscribe(event, func(e events.Event) error {
		if msg, ok := e.(*events.MessageEvent); ok {
			h(msg.Payload)
		}
		return nil
	})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeResourceClosed, "failed to subscribe")
	}
	return bridge.NewSubscription(c.Ctx(), event, busSub.Unsubscribe), nil
}

// readLoop 读取引擎消息直到连接关闭
func (c *Client) readLoop() {
	defer c.Close()

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !c.IsClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				corelog.Warnf("wsbridge: read failed: %v", err)
			}
			return
		}

		switch f.Kind {
		case KindResult:
			c.pending.resolve(&f)
		case KindEvent:
			if err := c.bus.Publish(events.NewMessageEvent(f.Name, c.url, f.Payload)); err != nil {
				corelog.Debugf("wsbridge: drop event %s: %v", f.Name, err)
			}
		default:
			corelog.Warnf("wsbridge: unexpected frame kind %q", f.Kind)
		}
	}
}
