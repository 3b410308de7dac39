package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseFileSystem 所有实现共享的行为约定
func exerciseFileSystem(t *testing.T, fsys FileSystem, root string) {
	t.Helper()
	dir := filepath.Join(root, "clientconfigs")

	_, err := fsys.ReadDir(dir)
	assert.True(t, errors.Is(err, ErrNotExist), "absent dir: %v", err)

	_, err = fsys.ReadFile(filepath.Join(dir, "a.json"))
	assert.True(t, errors.Is(err, ErrNotExist), "absent file: %v", err)

	require.NoError(t, fsys.MkdirAll(dir))
	require.NoError(t, fsys.MkdirAll(dir))

	names, err := fsys.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, fsys.WriteFileAtomic(filepath.Join(dir, "b.json"), []byte(`{"v":1}`)))
	require.NoError(t, fsys.WriteFileAtomic(filepath.Join(dir, "a.json"), []byte(`{"v":2}`)))
	require.NoError(t, fsys.WriteFileAtomic(filepath.Join(dir, "a.json"), []byte(`{"v":3}`)))

	data, err := fsys.ReadFile(filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"v":3}`, string(data))

	names, err = fsys.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, names)

	require.NoError(t, fsys.Remove(filepath.Join(dir, "a.json")))
	err = fsys.Remove(filepath.Join(dir, "a.json"))
	assert.True(t, errors.Is(err, ErrNotExist), "double remove: %v", err)

	names, err = fsys.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.json"}, names)
}

func TestOSFS(t *testing.T) {
	exerciseFileSystem(t, NewOSFS(), t.TempDir())
}

func TestOSFS_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	fsys := NewOSFS()

	require.NoError(t, fsys.WriteFileAtomic(filepath.Join(dir, "x.json"), []byte("{}")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.json", entries[0].Name())

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestOSFS_WriteIntoMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "x.json")

	err := NewOSFS().WriteFileAtomic(path, []byte("{}"))
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMemFS(t *testing.T) {
	exerciseFileSystem(t, NewMemFS(), "/cfg")
}

func TestMemFS_FaultInjection(t *testing.T) {
	m := NewMemFS()
	boom := errors.New("disk full")

	m.FailMkdir = boom
	assert.Equal(t, boom, m.MkdirAll("/cfg"))
	m.FailMkdir = nil

	require.NoError(t, m.MkdirAll("/cfg"))
	m.FailWrites = boom
	assert.Equal(t, boom, m.WriteFileAtomic("/cfg/a.json", []byte("{}")))
	assert.Empty(t, m.Files())

	m.FailWrites = nil
	m.Put("/cfg/a.json", []byte("{}"))
	m.FailReads = boom
	_, err := m.ReadFile("/cfg/a.json")
	assert.Equal(t, boom, err)
	_, err = m.ReadDir("/cfg")
	assert.Equal(t, boom, err)
}

func TestRedisFS(t *testing.T) {
	mr := miniredis.RunT(t)

	fsys, err := NewRedisFS(context.Background(), &RedisConfig{Addr: mr.Addr(), KeyPrefix: "test"})
	require.NoError(t, err)
	defer fsys.Close()

	exerciseFileSystem(t, fsys, "/shared")

	// 每个目录一个哈希
	assert.True(t, mr.Exists("test:dir:/shared/clientconfigs"))
	assert.Equal(t, `{"v":1}`, mr.HGet("test:dir:/shared/clientconfigs", "b.json"))
}

func TestRedisFS_ConnectFailure(t *testing.T) {
	_, err := NewRedisFS(context.Background(), &RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)

	_, err = NewRedisFS(context.Background(), nil)
	assert.Error(t, err)
}

func TestRedisFS_CloseReleasesClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	fsys := NewRedisFSWithClient(context.Background(), client, "")
	fsys.Close()

	assert.True(t, fsys.IsClosed())
	assert.Error(t, client.Ping(context.Background()).Err())
}
