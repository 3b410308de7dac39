package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miqo-core/internal/bridge"
	"miqo-core/internal/connection"
)

// fakeConn 模拟的 broker 连接
type fakeConn struct {
	opts   DialOptions
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver 模拟 broker 推送消息
func (c *fakeConn) deliver(topic string, payload []byte) {
	c.opts.OnMessage(Message{Topic: topic, Payload: payload})
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	block chan struct{} // 非空时 Dial 等待关闭或 ctx 取消
}

func (d *fakeDialer) Dial(ctx context.Context, opts DialOptions) (BrokerConn, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{opts: opts}
	d.conns = append(d.conns, c)
	return c, nil
}

// hangOnceDialer 第一次拨号一直挂起到被取消，之后正常建立连接
type hangOnceDialer struct {
	fakeDialer
	hung atomic.Bool
}

func (d *hangOnceDialer) Dial(ctx context.Context, opts DialOptions) (BrokerConn, error) {
	if d.hung.CompareAndSwap(false, true) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.fakeDialer.Dial(ctx, opts)
}

func (d *fakeDialer) last(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.conns)
	return d.conns[len(d.conns)-1]
}

// recorder 收集 Bridge 上的事件
type recorder struct {
	mu     sync.Mutex
	events map[string][]json.RawMessage
}

func record(t *testing.T, b *bridge.Local, names ...string) *recorder {
	t.Helper()
	r := &recorder{events: make(map[string][]json.RawMessage)}
	for _, name := range names {
		name := name
		_, err := b.Subscribe(name, func(p json.RawMessage) {
			r.mu.Lock()
			r.events[name] = append(r.events[name], p)
			r.mu.Unlock()
		})
		require.NoError(t, err)
	}
	return r
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[name])
}

func recorded[T any](t *testing.T, r *recorder, name string, n int) T {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(name) >= n }, time.Second, 2*time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := bridge.Decode[T](r.events[name][n-1])
	require.NoError(t, err)
	return v
}

func newTestEngine(t *testing.T, d *fakeDialer, opts Options) (*Engine, *bridge.Local, *recorder) {
	t.Helper()
	b := bridge.NewLocal(context.Background())
	t.Cleanup(func() { b.Close() })
	r := record(t, b, bridge.EventConnectResult, bridge.EventDisconnected, bridge.EventPacket)

	opts.Dialer = d
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Unix(1700000000, 0) }
	}
	e, err := New(context.Background(), b, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, b, r
}

func startConnect(t *testing.T, b *bridge.Local, args bridge.ConnectArgs) {
	t.Helper()
	result, err := b.Invoke(context.Background(), bridge.CommandStartConnect, args)
	require.NoError(t, err)
	assert.JSONEq(t, `{"accepted":true}`, string(result))
}

func TestEngine_ConnectAndForward(t *testing.T) {
	d := &fakeDialer{}
	e, b, r := newTestEngine(t, d, Options{ClientID: "default-id", KeepAlive: 20 * time.Second})

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://h:1883", Attempt: "a1", Username: "u", Password: "p"})
	res := recorded[bridge.ConnectResult](t, r, bridge.EventConnectResult, 1)
	assert.Equal(t, bridge.ConnectResult{URL: "tcp://h:1883", OK: true, Attempt: "a1"}, res)
	assert.Equal(t, "tcp://h:1883", e.Connected())

	conn := d.last(t)
	assert.Equal(t, "default-id", conn.opts.ClientID)
	assert.Equal(t, "u", conn.opts.Username)
	assert.Equal(t, 20*time.Second, conn.opts.KeepAlive)

	conn.deliver("sensors/1", []byte("hello"))
	conn.deliver("sensors/2", []byte{0xff, 'o', 'k'})

	p1 := recorded[bridge.Packet](t, r, bridge.EventPacket, 1)
	assert.Equal(t, bridge.Packet{Topic: "sensors/1", Payload: "hello", Timestamp: 1700000000}, p1)
	p2 := recorded[bridge.Packet](t, r, bridge.EventPacket, 2)
	assert.Equal(t, "\uFFFDok", p2.Payload)
}

func TestEngine_DialFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	e, b, r := newTestEngine(t, d, Options{})

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://h:1883"})
	res := recorded[bridge.ConnectResult](t, r, bridge.EventConnectResult, 1)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "connection refused")
	assert.Empty(t, e.Connected())
	assert.Equal(t, 1.0, e.Metrics().GetCounter(MetricConnects, map[string]string{"result": "error"}))
	assert.Equal(t, 0.0, e.Metrics().GetCounter(MetricConnects, map[string]string{"result": "ok"}))
}

func TestEngine_InvalidArgs(t *testing.T) {
	_, b, _ := newTestEngine(t, &fakeDialer{}, Options{})

	_, err := b.Invoke(context.Background(), bridge.CommandStartConnect, bridge.ConnectArgs{})
	assert.Error(t, err)
	_, err = b.Invoke(context.Background(), bridge.CommandStartConnect, "not an object")
	assert.Error(t, err)
}

func TestEngine_Stop(t *testing.T) {
	d := &fakeDialer{}
	e, b, r := newTestEngine(t, d, Options{})

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://h:1883"})
	recorded[bridge.ConnectResult](t, r, bridge.EventConnectResult, 1)
	conn := d.last(t)

	require.NoError(t, b.Emit(context.Background(), bridge.EventStop, bridge.StopArgs{URL: "tcp://h:1883"}))
	ev := recorded[bridge.Disconnected](t, r, bridge.EventDisconnected, 1)
	assert.Equal(t, bridge.Disconnected{URL: "tcp://h:1883", Reason: "stopped"}, ev)
	assert.True(t, conn.isClosed())
	assert.Empty(t, e.Connected())

	// 停止后到达的消息不再转发
	conn.deliver("late", []byte("x"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.count(bridge.EventPacket))
}

func TestEngine_StopCancelsPendingDial(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	_, b, r := newTestEngine(t, d, Options{})

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://slow:1883"})
	require.NoError(t, b.Emit(context.Background(), bridge.EventStop, bridge.StopArgs{}))
	recorded[bridge.Disconnected](t, r, bridge.EventDisconnected, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.count(bridge.EventConnectResult))
}

// 带 attempt 的停止请求只作用于同一次尝试
func TestEngine_StopOtherAttempt(t *testing.T) {
	d := &fakeDialer{}
	e, b, r := newTestEngine(t, d, Options{})

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://h:1883", Attempt: "second"})
	recorded[bridge.ConnectResult](t, r, bridge.EventConnectResult, 1)
	conn := d.last(t)

	require.NoError(t, b.Emit(context.Background(), bridge.EventStop,
		bridge.StopArgs{URL: "tcp://h:1883", Attempt: "first"}))
	ev := recorded[bridge.Disconnected](t, r, bridge.EventDisconnected, 1)
	assert.Equal(t, bridge.Disconnected{URL: "tcp://h:1883", Reason: "stopped", Attempt: "first"}, ev)
	assert.False(t, conn.isClosed())
	assert.Equal(t, "tcp://h:1883", e.Connected())

	require.NoError(t, b.Emit(context.Background(), bridge.EventStop,
		bridge.StopArgs{URL: "tcp://h:1883", Attempt: "second"}))
	ev = recorded[bridge.Disconnected](t, r, bridge.EventDisconnected, 2)
	assert.Equal(t, "second", ev.Attempt)
	assert.True(t, conn.isClosed())
	assert.Empty(t, e.Connected())
}

// deadlineClock 只在 expire 时触发定时器，用于在测试协程里同步制造超时
type deadlineClock struct {
	mu  sync.Mutex
	fns []func()
}

type deadlineTimer struct{ stopped atomic.Bool }

func (t *deadlineTimer) Stop() bool { return !t.stopped.Swap(true) }

func (c *deadlineClock) Now() time.Time { return time.Unix(1700000000, 0) }

func (c *deadlineClock) AfterFunc(_ time.Duration, f func()) connection.Timer {
	t := &deadlineTimer{}
	c.mu.Lock()
	c.fns = append(c.fns, func() {
		if !t.stopped.Swap(true) {
			f()
		}
	})
	c.mu.Unlock()
	return t
}

func (c *deadlineClock) expire() {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// 超时后对同一 URL 的重试不会被迟到的停止请求打断
func TestEngine_RetryAfterTimeout(t *testing.T) {
	d := &hangOnceDialer{}
	b := bridge.NewLocal(context.Background())
	t.Cleanup(func() { b.Close() })
	e, err := New(context.Background(), b, Options{Dialer: d})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	clock := &deadlineClock{}
	ctrl := connection.New(b, connection.Options{Clock: clock})
	require.NoError(t, ctrl.Start())
	t.Cleanup(func() { ctrl.Close() })

	target, err := connection.TargetFromURL("tcp://broker:1883")
	require.NoError(t, err)

	require.NoError(t, ctrl.Connect(context.Background(), target))
	// 超时的停止请求异步送达，重试紧随其后发出
	clock.expire()
	require.Equal(t, connection.StateError, ctrl.Session().State)
	require.NoError(t, ctrl.Connect(context.Background(), target))

	require.Eventually(t, func() bool { return ctrl.Session().State == connection.StateConnected },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, connection.StateConnected, ctrl.Session().State)
	assert.Equal(t, "tcp://broker:1883", e.Connected())
	assert.False(t, d.last(t).isClosed())
}

func TestEngine_ConnectionLost(t *testing.T) {
	d := &fakeDialer{}
	e, b, r := newTestEngine(t, d, Options{ReconnectAttempts: 3, ReconnectInterval: 10 * time.Millisecond})

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://h:1883", Attempt: "a1"})
	recorded[bridge.ConnectResult](t, r, bridge.EventConnectResult, 1)
	assert.Equal(t, 3, d.last(t).opts.ReconnectAttempts)
	assert.Equal(t, 10*time.Millisecond, d.last(t).opts.ReconnectInterval)

	d.last(t).opts.OnLost(errors.New("EOF"))
	ev := recorded[bridge.Disconnected](t, r, bridge.EventDisconnected, 1)
	assert.Equal(t, bridge.Disconnected{URL: "tcp://h:1883", Reason: "EOF", Attempt: "a1"}, ev)
	assert.Empty(t, e.Connected())
	assert.Equal(t, 1.0, e.Metrics().GetCounter(MetricDisconnects, map[string]string{"reason": "lost"}))
}

func TestEngine_ReplacesSession(t *testing.T) {
	d := &fakeDialer{}
	e, b, r := newTestEngine(t, d, Options{})

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://a:1883"})
	recorded[bridge.ConnectResult](t, r, bridge.EventConnectResult, 1)
	first := d.last(t)

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://b:1883"})
	recorded[bridge.ConnectResult](t, r, bridge.EventConnectResult, 2)

	assert.True(t, first.isClosed())
	assert.Equal(t, "tcp://b:1883", e.Connected())
}

func TestEngine_RateLimit(t *testing.T) {
	d := &fakeDialer{}
	e, b, r := newTestEngine(t, d, Options{MaxEventRate: 2})

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://h:1883"})
	recorded[bridge.ConnectResult](t, r, bridge.EventConnectResult, 1)

	conn := d.last(t)
	for i := 0; i < 5; i++ {
		conn.deliver("t", []byte("x"))
	}

	recorded[bridge.Packet](t, r, bridge.EventPacket, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, r.count(bridge.EventPacket))
	assert.Equal(t, 3, e.Dropped())
	assert.Equal(t, 3.0, e.Metrics().GetCounter(MetricDropped, nil))
	assert.Equal(t, 2.0, e.Metrics().GetCounter(MetricForwarded, nil))
}

func TestEngine_Close(t *testing.T) {
	d := &fakeDialer{}
	e, b, r := newTestEngine(t, d, Options{})

	startConnect(t, b, bridge.ConnectArgs{URL: "tcp://h:1883"})
	recorded[bridge.ConnectResult](t, r, bridge.EventConnectResult, 1)

	e.Close()
	assert.True(t, d.last(t).isClosed())

	_, err := b.Invoke(context.Background(), bridge.CommandStartConnect, bridge.ConnectArgs{URL: "tcp://h:1883"})
	assert.Error(t, err)
}

func TestPahoDialer_Options(t *testing.T) {
	d := NewPahoDialer()

	rc := newReconnector(0, nil)

	o, err := d.clientOptions(DialOptions{URL: "tcp://h:1883", MQTTVersion: "v3_1_1", Username: "u", Password: "p"}, rc)
	require.NoError(t, err)
	assert.Equal(t, uint(4), o.ProtocolVersion)
	assert.Equal(t, "u", o.Username)
	assert.False(t, o.AutoReconnect)
	assert.False(t, o.ConnectRetry)
	assert.NotEmpty(t, o.ClientID)

	_, err = d.clientOptions(DialOptions{URL: "tcp://h:1883", MQTTVersion: "v9"}, rc)
	assert.Error(t, err)

	_, err = d.clientOptions(DialOptions{URL: "tcp://h:1883", CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"}, rc)
	assert.Error(t, err)

	_, err = d.clientOptions(DialOptions{URL: "::"}, rc)
	assert.Error(t, err)
}

func TestPahoDialer_ReconnectOptions(t *testing.T) {
	d := NewPahoDialer()

	o, err := d.clientOptions(DialOptions{URL: "tcp://h:1883", ReconnectAttempts: 60}, newReconnector(60, nil))
	require.NoError(t, err)
	assert.True(t, o.AutoReconnect)
	assert.Equal(t, DefaultReconnectInterval, o.MaxReconnectInterval)
	assert.NotNil(t, o.OnConnect)
	assert.NotNil(t, o.OnReconnecting)

	o, err = d.clientOptions(DialOptions{URL: "tcp://h:1883", ReconnectAttempts: 5, ReconnectInterval: 3 * time.Second},
		newReconnector(5, nil))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, o.MaxReconnectInterval)
}

// lostRecorder 记录 onLost 的调用
type lostRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (l *lostRecorder) onLost(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *lostRecorder) calls() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func TestReconnector_NoBudget(t *testing.T) {
	rec := &lostRecorder{}
	rc := newReconnector(0, rec.onLost)

	assert.False(t, rc.lost(errors.New("EOF")))
	assert.False(t, rc.lost(errors.New("EOF again")))
	require.Len(t, rec.calls(), 1)
	assert.EqualError(t, rec.calls()[0], "EOF")
}

func TestReconnector_Recovers(t *testing.T) {
	rec := &lostRecorder{}
	rc := newReconnector(3, rec.onLost)

	assert.False(t, rc.connected(), "initial connect is not a reconnect")
	assert.True(t, rc.lost(errors.New("EOF")))
	assert.True(t, rc.reconnecting())
	assert.True(t, rc.reconnecting())
	assert.True(t, rc.connected())
	assert.False(t, rc.connected())

	// 恢复后预算重新计算
	assert.True(t, rc.lost(errors.New("EOF")))
	for i := 0; i < 3; i++ {
		assert.True(t, rc.reconnecting())
	}
	assert.True(t, rc.connected())
	assert.Empty(t, rec.calls())
}

func TestReconnector_GivesUp(t *testing.T) {
	rec := &lostRecorder{}
	rc := newReconnector(2, rec.onLost)

	assert.True(t, rc.lost(errors.New("connection reset")))
	assert.True(t, rc.reconnecting())
	assert.True(t, rc.reconnecting())
	assert.False(t, rc.reconnecting())
	assert.False(t, rc.reconnecting())

	require.Len(t, rec.calls(), 1)
	assert.Contains(t, rec.calls()[0].Error(), "connection reset")
	assert.Contains(t, rec.calls()[0].Error(), "gave up after 2 reconnect attempts")
	assert.False(t, rc.connected())
}

func TestReconnector_Closed(t *testing.T) {
	rec := &lostRecorder{}
	rc := newReconnector(1, rec.onLost)

	rc.close()
	assert.False(t, rc.lost(errors.New("EOF")))
	assert.False(t, rc.reconnecting())
	assert.Empty(t, rec.calls())
}

// 拨号被取消后 broker 才回 CONNACK，迟到的连接必须被断开
func TestPahoDialer_AbandonedConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialErr := make(chan error, 1)
	go func() {
		_, err := NewPahoDialer().Dial(ctx, DialOptions{URL: "tcp://" + ln.Addr().String(), ClientID: "abandoned"})
		dialErr <- err
	}()

	var broker net.Conn
	select {
	case broker = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
	}
	defer broker.Close()
	require.NoError(t, broker.SetReadDeadline(time.Now().Add(3*time.Second)))

	// CONNECT：固定头 0x10 加单字节剩余长度
	header := make([]byte, 2)
	_, err = io.ReadFull(broker, header)
	require.NoError(t, err)
	require.Equal(t, byte(0x10), header[0])
	_, err = io.ReadFull(broker, make([]byte, header[1]))
	require.NoError(t, err)

	cancel()
	select {
	case err := <-dialErr:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("dial ignored cancellation")
	}

	_, err = broker.Write([]byte{0x20, 0x02, 0x00, 0x00})
	require.NoError(t, err)

	// 客户端应发送 DISCONNECT 或直接关闭连接
	buf := make([]byte, 1)
	n, err := broker.Read(buf)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("abandoned connection was left open")
	}
	if err == nil {
		require.Equal(t, 1, n)
		assert.Equal(t, byte(0xE0), buf[0])
	}
}
