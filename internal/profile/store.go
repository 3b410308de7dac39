package profile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	coreerrors "miqo-core/internal/core/errors"
	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/profile/fs"
)

const fileExt = ".json"

// Store 以 <dir>/<name>.json 保存 ClientConfig
//
// 目录在第一次写入时创建。所有操作由同一把锁串行化。
type Store struct {
	mu   sync.Mutex
	fsys fs.FileSystem
	dir  string
	log  corelog.Logger
}

// NewStore 创建配置存储
func NewStore(fsys fs.FileSystem, dir string) *Store {
	return &Store{
		fsys: fsys,
		dir:  dir,
		log:  corelog.Component("profile-store"),
	}
}

// Dir 配置目录
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

// Save 校验并写入配置，同名配置被覆盖
//
// 校验失败时不做任何 I/O；写入失败返回 STORAGE_ERROR，且不留下半成品文件。
func (s *Store) Save(ctx context.Context, c ClientConfig) error {
	valid, err := Validate(c)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(valid, "", "  ")
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeInternal, "failed to marshal client config")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fsys.MkdirAll(s.dir); err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to create profile directory %s", s.dir).
			WithDetail("name", valid.Name)
	}
	if err := s.fsys.WriteFileAtomic(s.path(valid.Name), data); err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to write profile %q", valid.Name).
			WithDetail("name", valid.Name)
	}

	s.log.Debugf("saved profile %q", valid.Name)
	return nil
}

// Load 读取并重新校验配置
//
// 文件可能被手工编辑或由旧版本写入，不满足当前约束时返回校验错误。
func (s *Store) Load(ctx context.Context, name string) (ClientConfig, error) {
	if err := ctx.Err(); err != nil {
		return ClientConfig{}, err
	}
	if !isFileSafe(name) || name == "" {
		return ClientConfig{}, coreerrors.Newf(coreerrors.CodeNotFound, "profile %q not found", name)
	}

	s.mu.Lock()
	data, err := s.fsys.ReadFile(s.path(name))
	s.mu.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		return ClientConfig{}, coreerrors.Newf(coreerrors.CodeNotFound, "profile %q not found", name).
			WithDetail("name", name)
	}
	if err != nil {
		return ClientConfig{}, coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to read profile %q", name)
	}

	var c ClientConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return ClientConfig{}, &ValidationError{Fields: []FieldError{{
			Field:   name + fileExt,
			Message: "Stored profile is not valid JSON: " + err.Error(),
		}}}
	}
	return Validate(c)
}

// List 返回所有配置名，按字典序排列
//
// 非 .json 文件（包括写入中的临时文件）被忽略；目录不存在时返回空列表。
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	entries, err := s.fsys.ReadDir(s.dir)
	s.mu.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to list profile directory %s", s.dir)
	}

	seen := make(map[string]struct{}, len(entries))
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		stem, ok := strings.CutSuffix(entry, fileExt)
		if !ok || stem == "" {
			continue
		}
		if _, dup := seen[stem]; dup {
			continue
		}
		seen[stem] = struct{}{}
		names = append(names, stem)
	}
	sort.Strings(names)
	return names, nil
}

// Delete 删除配置
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isFileSafe(name) || name == "" {
		return coreerrors.Newf(coreerrors.CodeNotFound, "profile %q not found", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fsys.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return coreerrors.Newf(coreerrors.CodeNotFound, "profile %q not found", name).WithDetail("name", name)
	}
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeStorageError, "failed to delete profile %q", name)
	}
	s.log.Debugf("deleted profile %q", name)
	return nil
}

// Exists 配置是否存在
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Load(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case coreerrors.IsNotFound(err):
		return false, nil
	case coreerrors.IsValidation(err):
		// 文件存在但内容无效
		return true, nil
	default:
		return false, err
	}
}
