package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"miqo-core/internal/bridge"
	"miqo-core/internal/bridge/token"
	"miqo-core/internal/bridge/wsbridge"
	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/core/metrics"
	"miqo-core/internal/core/safe"
)

// BridgePath WebSocket 桥接路径
const BridgePath = "/bridge"

// forwardedEvents 推送给前端的事件
var forwardedEvents = []string{
	bridge.EventConnectResult,
	bridge.EventDisconnected,
	bridge.EventPacket,
}

// Server 通过 WebSocket 暴露引擎的 Bridge
type Server struct {
	local    *bridge.Local
	engine   *Engine
	router   *mux.Router
	upgrader websocket.Upgrader
	secret   string
	origins  map[string]struct{}

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// ServerOption 服务选项
type ServerOption func(*Server)

// WithSecret 要求握手携带用 secret 签发的桥接令牌
func WithSecret(secret string) ServerOption {
	return func(s *Server) { s.secret = secret }
}

// WithAllowedOrigins 允许打开 bridge 的浏览器来源
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		for _, o := range origins {
			s.origins[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
		}
	}
}

// NewServer 创建服务
//
// 默认只接受不带 Origin 的客户端（CLI），浏览器页面需在允许列表中。
func NewServer(local *bridge.Local, engine *Engine, opts ...ServerOption) *Server {
	s := &Server{
		local:   local,
		engine:  engine,
		router:  mux.NewRouter(),
		origins: make(map[string]struct{}),
		conns:   make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router.Use(loggingMiddleware)
	s.router.HandleFunc(BridgePath, s.handleBridge).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	return s
}

// Handler HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthResponse /healthz 响应
type HealthResponse struct {
	Status    string `json:"status"`
	Connected string `json:"connected,omitempty"`
	Clients   int    `json:"clients"`
	Dropped   int    `json:"dropped"`
	Time      string `json:"time"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	clients := len(s.conns)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    "ok",
		Connected: s.engine.Connected(),
		Clients:   clients,
		Dropped:   s.engine.Dropped(),
		Time:      time.Now().Format(time.RFC3339),
	})
}

// MetricsResponse /metrics 响应
type MetricsResponse struct {
	Metrics    map[string]float64 `json:"metrics"`
	Goroutines safe.Stats         `json:"goroutines"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := MetricsResponse{Goroutines: safe.GetStats()}
	if snap, ok := s.engine.Metrics().(metrics.Snapshotter); ok {
		resp.Metrics = snap.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := s.origins[strings.ToLower(origin)]; ok {
		return true
	}
	corelog.Warnf("engine: rejected bridge connection from origin %s", origin)
	return false
}

// handleBridge 处理一个前端连接：转发引擎事件，执行前端命令
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" {
		if _, err := token.Verify(s.secret, token.FromRequest(r)); err != nil {
			corelog.Warnf("engine: rejected bridge connection from %s: %v", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		corelog.Warnf("engine: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.engine.Metrics().AddGauge(MetricClients, 1, nil)
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.engine.Metrics().AddGauge(MetricClients, -1, nil)
	}()

	corelog.Infof("engine: frontend connected from %s", r.RemoteAddr)

	var writeMu sync.Mutex
	write := func(f *wsbridge.Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(f); err != nil {
			corelog.Debugf("engine: write to frontend failed: %v", err)
		}
	}

	for _, name := range forwardedEvents {
		name := name
		sub, err := s.local.Subscribe(name, func(payload json.RawMessage) {
			write(&wsbridge.Frame{Kind: wsbridge.KindEvent, Name: name, Payload: payload})
		})
		if err != nil {
			corelog.Errorf("engine: subscribe %s failed: %v", name, err)
			return
		}
		defer sub.Unsubscribe()
	}

	for {
		var f wsbridge.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				corelog.Debugf("engine: frontend read ended: %v", err)
			}
			corelog.Infof("engine: frontend %s disconnected", r.RemoteAddr)
			return
		}

		switch f.Kind {
		case wsbridge.KindInvoke:
			result := &wsbridge.Frame{Kind: wsbridge.KindResult, ID: f.ID}
			payload, err := s.local.Invoke(r.Context(), f.Name, f.Payload)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Payload = payload
			}
			write(result)
		case wsbridge.KindEmit:
			if err := s.local.Emit(r.Context(), f.Name, f.Payload); err != nil {
				corelog.Warnf("engine: emit %s failed: %v", f.Name, err)
			}
		default:
			corelog.Warnf("engine: unexpected frame kind %q", f.Kind)
		}
	}
}

// Run 监听 addr 直到 ctx 取消
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上提供服务直到 ctx 取消，随后优雅关闭
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// 已升级的 WebSocket 连接不受 Shutdown 管理，需要单独关闭
	srv.RegisterOnShutdown(s.closeConns)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		corelog.Infof("engine: listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// loggingMiddleware 请求日志
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		corelog.Debugf("HTTP: %s %s - %s", r.Method, r.RequestURI, time.Since(start))
	})
}
