// Package engine 是桥接协议另一端的连接引擎参考实现
//
// 引擎接收 start_connect 命令，通过 Dialer 连接 broker 并订阅全部 topic，
// 把收到的消息作为 mqtt-packet-recieve 事件推回前端。
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	coreerrors "miqo-core/internal/core/errors"
	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/core/safe"
)

// Message broker 推送的一条消息
type Message struct {
	Topic   string
	Payload []byte
}

// DialOptions 连接参数
type DialOptions struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	MQTTVersion    string // auto/v3/v3_1/v3_1_1/v5
	CertFile       string
	KeyFile        string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// 连接丢失后最多重连的次数，0 表示不重连，直接上报丢失
	ReconnectAttempts int
	ReconnectInterval time.Duration

	OnMessage func(Message)
	OnLost    func(error) // 重连放弃后调用一次
}

// BrokerConn 已建立并完成订阅的 broker 连接
type BrokerConn interface {
	Close()
}

// Dialer 建立 broker 连接，测试中替换为假实现
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (BrokerConn, error)
}

// SubscribeAll 订阅的 topic 过滤器
const SubscribeAll = "#"

// PahoDialer 基于 paho.mqtt.golang 的实现
type PahoDialer struct{}

// NewPahoDialer 创建 paho Dialer
func NewPahoDialer() *PahoDialer {
	return &PahoDialer{}
}

// Dial 连接 broker 并以 QoS 0 订阅全部 topic
func (d *PahoDialer) Dial(ctx context.Context, opts DialOptions) (BrokerConn, error) {
	rc := newReconnector(opts.ReconnectAttempts, opts.OnLost)
	clientOpts, err := d.clientOptions(opts, rc)
	if err != nil {
		return nil, err
	}

	client := mqtt.NewClient(clientOpts)
	connectToken := client.Connect()
	if err := waitToken(ctx, connectToken); err != nil {
		rc.close()
		if ctx.Err() != nil {
			abandon(client, connectToken)
		}
		return nil, coreerrors.Wrapf(err, coreerrors.CodeNetworkError, "failed to connect to %s", opts.URL)
	}

	if err := waitToken(ctx, subscribeAll(client, opts.OnMessage)); err != nil {
		rc.close()
		client.Disconnect(250)
		return nil, coreerrors.Wrapf(err, coreerrors.CodeProtocolError, "failed to subscribe on %s", opts.URL)
	}

	corelog.Infof("engine: connected to %s as %s", opts.URL, clientOpts.ClientID)
	return &pahoConn{client: client, rc: rc}, nil
}

// abandon 等仍在进行的 CONNECT 结束后断开，避免迟到的成功留下无人持有的连接
func abandon(client mqtt.Client, token mqtt.Token) {
	safe.Go("engine-abandon-connect", func() {
		token.Wait()
		if client.IsConnected() {
			corelog.Debugf("engine: closing connection completed after dial was abandoned")
		}
		client.Disconnect(0)
	})
}

func subscribeAll(client mqtt.Client, onMessage func(Message)) mqtt.Token {
	return client.Subscribe(SubscribeAll, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if onMessage != nil {
			onMessage(Message{Topic: msg.Topic(), Payload: msg.Payload()})
		}
	})
}

func (d *PahoDialer) clientOptions(opts DialOptions, rc *reconnector) (*mqtt.ClientOptions, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Host == "" {
		return nil, coreerrors.Newf(coreerrors.CodeInvalidParam, "invalid broker URL %q", opts.URL)
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("miqo-%d", time.Now().UnixNano())
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.URL)
	o.SetClientID(clientID)
	o.SetCleanSession(true)
	o.SetOrderMatters(true)
	o.SetConnectRetry(false)
	if opts.ReconnectAttempts > 0 {
		interval := opts.ReconnectInterval
		if interval <= 0 {
			interval = DefaultReconnectInterval
		}
		o.SetAutoReconnect(true)
		o.SetMaxReconnectInterval(interval)
	} else {
		o.SetAutoReconnect(false)
	}
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}

	switch opts.MQTTVersion {
	case "v3", "v3_1":
		o.SetProtocolVersion(3)
	case "v3_1_1":
		o.SetProtocolVersion(4)
	case "v5":
		// paho.mqtt.golang 只支持 3.1/3.1.1，协商时会使用 3.1.1
		corelog.Warnf("engine: MQTT v5 requested for %s, negotiating 3.1.1", opts.URL)
	case "", "auto":
	default:
		return nil, coreerrors.Newf(coreerrors.CodeInvalidParam, "unknown MQTT version %q", opts.MQTTVersion)
	}

	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeInvalidParam, "failed to load client certificate")
		}
		o.SetTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if rc.lost(err) {
			corelog.Warnf("engine: connection to %s lost (%v), reconnecting", opts.URL, err)
		}
	})
	o.SetReconnectingHandler(func(c mqtt.Client, _ *mqtt.ClientOptions) {
		if !rc.reconnecting() {
			corelog.Warnf("engine: giving up on %s after %d reconnect attempts", opts.URL, opts.ReconnectAttempts)
			safe.Go("engine-reconnect-giveup", func() { c.Disconnect(0) })
		}
	})
	o.SetOnConnectHandler(func(c mqtt.Client) {
		if !rc.connected() {
			return
		}
		// clean session 不保留订阅，重连后重新订阅
		corelog.Infof("engine: reconnected to %s", opts.URL)
		token := subscribeAll(c, opts.OnMessage)
		safe.Go("engine-resubscribe", func() {
			if token.Wait() && token.Error() != nil {
				corelog.Errorf("engine: resubscribe on %s failed: %v", opts.URL, token.Error())
			}
		})
	})
	return o, nil
}

// waitToken 等待 paho token 完成或 ctx 取消
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pahoConn struct {
	client mqtt.Client
	rc     *reconnector
}

func (c *pahoConn) Close() {
	c.rc.close()
	c.client.Disconnect(250)
}

// DefaultReconnectInterval 两次重连之间的最大间隔
const DefaultReconnectInterval = time.Second

// reconnector 连接丢失后的重连预算
//
// 丢失时不立即上报；预算内重连成功则继续使用原会话，
// 预算耗尽（或未开启重连）时调用一次 onLost。
type reconnector struct {
	mu       sync.Mutex
	max      int
	attempts int
	down     bool // 已丢失且尚未恢复
	done     bool // 已上报或已关闭
	lastErr  error
	onLost   func(error)
}

func newReconnector(max int, onLost func(error)) *reconnector {
	return &reconnector{max: max, onLost: onLost}
}

// lost 记录一次连接丢失，返回 true 表示将尝试重连
func (r *reconnector) lost(err error) bool {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return false
	}
	r.down = true
	r.attempts = 0
	r.lastErr = err
	if r.max > 0 {
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()
	r.giveUp(err)
	return false
}

// reconnecting 每次重连前调用，返回 false 表示预算耗尽
func (r *reconnector) reconnecting() bool {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return false
	}
	r.attempts++
	if r.attempts <= r.max {
		r.mu.Unlock()
		return true
	}
	err := fmt.Errorf("%v (gave up after %d reconnect attempts)", r.lastErr, r.max)
	r.mu.Unlock()
	r.giveUp(err)
	return false
}

// connected 每次连接建立时调用，返回 true 表示这是一次重连
func (r *reconnector) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || !r.down {
		return false
	}
	r.down = false
	r.attempts = 0
	return true
}

func (r *reconnector) giveUp(err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	onLost := r.onLost
	r.mu.Unlock()

	if onLost != nil {
		onLost(err)
	}
}

// close 主动关闭后不再上报
func (r *reconnector) close() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
}
