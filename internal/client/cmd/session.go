package cmd

import (
	"context"

	"miqo-core/internal/bridge/token"
	"miqo-core/internal/bridge/wsbridge"
	"miqo-core/internal/config/schema"
	"miqo-core/internal/connection"
	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/ingest"
	"miqo-core/internal/profile"
	"miqo-core/internal/profile/fs"
)

// openStore 按配置选择存储后端创建 profile.Store
func (a *app) openStore(ctx context.Context) (*profile.Store, error) {
	cfg := a.cfg.Profiles
	switch cfg.Backend {
	case schema.ProfileBackendRedis:
		redisFS, err := fs.NewRedisFS(ctx, &fs.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password.Value(),
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		if err := a.resources.Register("profile-store", &redisFS.Dispose); err != nil {
			redisFS.Close()
			return nil, err
		}
		corelog.Debugf("profile store: redis %s", cfg.Redis.Addr)
		return profile.NewStore(redisFS, cfg.Dir), nil
	default:
		corelog.Debugf("profile store: %s", cfg.Dir)
		return profile.NewStore(fs.NewOSFS(), cfg.Dir), nil
	}
}

// engineSession 与引擎的一条桥接连接及其上的控制器和采集管线
type engineSession struct {
	client   *wsbridge.Client
	ctrl     *connection.Controller
	pipeline *ingest.Pipeline
}

// openSession 连接引擎并启动控制器与采集管线，资源在命令结束时释放
func (a *app) openSession(ctx context.Context) (*engineSession, error) {
	var opts []wsbridge.DialOption
	if secret := a.cfg.Engine.Secret.Value(); secret != "" {
		raw, err := token.Issue(secret, "miqo-cli", token.DefaultTTL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, wsbridge.WithToken(raw))
	}

	client, err := wsbridge.Dial(ctx, a.cfg.Engine.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.resources.Register("engine-bridge", &client.Dispose); err != nil {
		client.Close()
		return nil, err
	}

	ctrl := connection.New(client, connection.Options{
		ConnectTimeout:  a.cfg.Connection.ConnectTimeout,
		DisconnectGrace: a.cfg.Connection.DisconnectGrace,
	})
	if err := a.resources.Register("connection", &ctrl.Dispose); err != nil {
		ctrl.Close()
		return nil, err
	}
	if err := ctrl.Start(); err != nil {
		return nil, err
	}

	pipeline := ingest.New(client, ingest.Options{
		MaxPackets:     a.cfg.Ingest.MaxPackets,
		TopicCacheSize: a.cfg.Ingest.TopicCacheSize,
	})
	stop, err := pipeline.Start()
	if err != nil {
		return nil, err
	}
	_ = a.resources.RegisterFunc("ingest", func() error {
		stop()
		return nil
	})

	return &engineSession{client: client, ctrl: ctrl, pipeline: pipeline}, nil
}
