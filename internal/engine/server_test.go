package engine

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miqo-core/internal/bridge"
	"miqo-core/internal/bridge/token"
	"miqo-core/internal/bridge/wsbridge"
	"miqo-core/internal/connection"
	coreerrors "miqo-core/internal/core/errors"
	"miqo-core/internal/ingest"
)

func newTestServer(t *testing.T, d *fakeDialer, opts ...ServerOption) (*httptest.Server, *Engine) {
	t.Helper()
	local := bridge.NewLocal(context.Background())
	t.Cleanup(func() { local.Close() })

	e, err := New(context.Background(), local, Options{Dialer: d})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	srv := httptest.NewServer(NewServer(local, e, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, e
}

func bridgeURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + BridgePath
}

// 前端核心经由 WebSocket 驱动引擎的完整流程
func TestServer_EndToEnd(t *testing.T) {
	d := &fakeDialer{}
	srv, e := newTestServer(t, d)

	client, err := wsbridge.Dial(context.Background(), bridgeURL(srv))
	require.NoError(t, err)
	defer client.Close()

	ctrl := connection.New(client, connection.Options{ConnectTimeout: 2 * time.Second, DisconnectGrace: time.Second})
	require.NoError(t, ctrl.Start())
	defer ctrl.Close()

	pipeline := ingest.New(client, ingest.Options{})
	stop, err := pipeline.Start()
	require.NoError(t, err)
	defer stop()

	target, err := connection.TargetFromURL("tcp://broker:1883")
	require.NoError(t, err)
	require.NoError(t, ctrl.Connect(context.Background(), target))
	require.Eventually(t, func() bool { return ctrl.Session().State == connection.StateConnected },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "tcp://broker:1883", e.Connected())

	conn := d.last(t)
	conn.deliver("a", []byte("1"))
	conn.deliver("b", []byte("2"))
	conn.deliver("c", []byte("3"))

	require.Eventually(t, func() bool { return pipeline.Len() == 3 }, 2*time.Second, 5*time.Millisecond)
	snap := pipeline.Snapshot()
	assert.Equal(t, []string{"c", "b", "a"}, []string{snap[0].Topic, snap[1].Topic, snap[2].Topic})

	require.NoError(t, ctrl.Disconnect(context.Background()))
	require.Eventually(t, func() bool { return ctrl.Session().State == connection.StateIdle },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, conn.isClosed())
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDialer{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Clients)
	assert.Empty(t, health.Connected)
}

func TestServer_Metrics(t *testing.T) {
	d := &fakeDialer{}
	srv, e := newTestServer(t, d)

	client, err := wsbridge.Dial(context.Background(), bridgeURL(srv))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Invoke(context.Background(), bridge.CommandStartConnect, bridge.ConnectArgs{URL: "tcp://h:1883"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Connected() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var m MetricsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, 1.0, m.Metrics[MetricConnects+"{result=ok}"])
	assert.Equal(t, 1.0, m.Metrics[MetricClients])
	assert.GreaterOrEqual(t, m.Goroutines.Total, int64(1))
}

func TestServer_UnknownCommand(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDialer{})

	client, err := wsbridge.Dial(context.Background(), bridgeURL(srv))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Invoke(context.Background(), "format_disk", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestServer_ServeShutdown(t *testing.T) {
	local := bridge.NewLocal(context.Background())
	defer local.Close()
	e, err := New(context.Background(), local, Options{Dialer: &fakeDialer{}})
	require.NoError(t, err)
	defer e.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(local, e).Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + BridgePath
	var client *wsbridge.Client
	require.Eventually(t, func() bool {
		client, err = wsbridge.Dial(context.Background(), url)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge connection not closed on shutdown")
	}
}

func TestServer_BrowserOrigin(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDialer{}, WithAllowedOrigins([]string{"http://localhost:1420/"}))

	// 未在允许列表中的页面无法打开 bridge
	_, resp, err := websocket.DefaultDialer.Dial(bridgeURL(srv), http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(bridgeURL(srv), http.Header{"Origin": {"http://localhost:1420"}})
	require.NoError(t, err)
	conn.Close()

	// CLI 客户端不带 Origin
	client, err := wsbridge.Dial(context.Background(), bridgeURL(srv))
	require.NoError(t, err)
	client.Close()
}

func TestServer_RequiresToken(t *testing.T) {
	const secret = "engine-secret-0123456789"
	srv, _ := newTestServer(t, &fakeDialer{}, WithSecret(secret))

	_, err := wsbridge.Dial(context.Background(), bridgeURL(srv))
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeUnauthorized))

	forged, err := token.Issue("some-other-secret-000", "miqo", time.Minute)
	require.NoError(t, err)
	_, err = wsbridge.Dial(context.Background(), bridgeURL(srv), wsbridge.WithToken(forged))
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeUnauthorized))

	raw, err := token.Issue(secret, "miqo", time.Minute)
	require.NoError(t, err)
	client, err := wsbridge.Dial(context.Background(), bridgeURL(srv), wsbridge.WithToken(raw))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Invoke(context.Background(), bridge.CommandStartConnect, bridge.ConnectArgs{URL: "tcp://h:1883"})
	assert.NoError(t, err)
}
