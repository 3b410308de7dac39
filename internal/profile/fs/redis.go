package fs

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"miqo-core/internal/core/dispose"
	corelog "miqo-core/internal/core/log"
)

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`             // 如 "localhost:6379"
	Password  string `json:"password" yaml:"password"`     // 密码
	DB        int    `json:"db" yaml:"db"`                 // 数据库编号
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"` // 键前缀，默认 "miqo"
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`   // 连接池大小
}

// RedisFS 以 Redis 哈希保存配置文件，每个目录一个哈希
//
// 多台机器共享同一份配置时使用。单个 HSET 即完成写入，天然原子。
type RedisFS struct {
	client *redis.Client
	prefix string
	dispose.Dispose
}

// NewRedisFS 连接 Redis 并创建文件系统
func NewRedisFS(parentCtx context.Context, config *RedisConfig) (*RedisFS, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: poolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(parentCtx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisFSWithClient(parentCtx, client, config.KeyPrefix), nil
}

// NewRedisFSWithClient 使用已有客户端创建，Close 时关闭该客户端
func NewRedisFSWithClient(parentCtx context.Context, client *redis.Client, prefix string) *RedisFS {
	if prefix == "" {
		prefix = "miqo"
	}
	r := &RedisFS{
		client: client,
		prefix: prefix,
	}
	r.SetCtx(parentCtx, r.onClose)
	corelog.Infof("RedisFS: using Redis at %s, prefix %q", client.Options().Addr, prefix)
	return r
}

// onClose 资源释放回调
func (r *RedisFS) onClose() error {
	return r.client.Close()
}

func (r *RedisFS) dirsKey() string {
	return r.prefix + ":dirs"
}

func (r *RedisFS) dirKey(dir string) string {
	return r.prefix + ":dir:" + filepath.Clean(dir)
}

func (r *RedisFS) split(path string) (string, string) {
	path = filepath.Clean(path)
	return r.dirKey(filepath.Dir(path)), filepath.Base(path)
}

// MkdirAll 登记目录，使空目录的 ReadDir 返回空列表而不是 ErrNotExist
func (r *RedisFS) MkdirAll(dir string) error {
	return r.client.SAdd(r.Ctx(), r.dirsKey(), filepath.Clean(dir)).Err()
}

// ReadFile 读取文件
func (r *RedisFS) ReadFile(path string) ([]byte, error) {
	key, field := r.split(path)
	data, err := r.client.HGet(r.Ctx(), key, field).Bytes()
	if err == redis.Nil {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFileAtomic 写入文件
func (r *RedisFS) WriteFileAtomic(path string, data []byte) error {
	key, field := r.split(path)
	return r.client.HSet(r.Ctx(), key, field, data).Err()
}

// ReadDir 列出目录下的文件名
func (r *RedisFS) ReadDir(dir string) ([]string, error) {
	ctx := r.Ctx()
	known, err := r.client.SIsMember(ctx, r.dirsKey(), filepath.Clean(dir)).Result()
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrNotExist
	}

	names, err := r.client.HKeys(ctx, r.dirKey(dir)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Remove 删除文件
func (r *RedisFS) Remove(path string) error {
	key, field := r.split(path)
	n, err := r.client.HDel(r.Ctx(), key, field).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotExist
	}
	return nil
}
