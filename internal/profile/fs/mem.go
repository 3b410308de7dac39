package fs

import (
	"path/filepath"
	"sort"
	"sync"
)

// MemFS 内存实现，用于测试
//
// Fail* 字段非空时对应操作直接返回该错误，用于模拟 I/O 故障。
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	FailMkdir  error
	FailWrites error
	FailReads  error
}

// NewMemFS 创建内存文件系统
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

// MkdirAll 创建目录及父目录
func (m *MemFS) MkdirAll(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailMkdir != nil {
		return m.FailMkdir
	}
	m.mkdirLocked(dir)
	return nil
}

// ReadFile 读取文件
func (m *MemFS) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailReads != nil {
		return nil, m.FailReads
	}
	data, ok := m.files[filepath.Clean(path)]
	if !ok {
		return nil, ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

// WriteFileAtomic 写入文件，父目录必须已存在
func (m *MemFS) WriteFileAtomic(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	path = filepath.Clean(path)
	if !m.dirs[filepath.Dir(path)] {
		return ErrNotExist
	}
	m.files[path] = append([]byte(nil), data...)
	return nil
}

// ReadDir 列出目录下的文件与子目录名
func (m *MemFS) ReadDir(dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailReads != nil {
		return nil, m.FailReads
	}
	dir = filepath.Clean(dir)
	if !m.dirs[dir] {
		return nil, ErrNotExist
	}

	var names []string
	for p := range m.files {
		if filepath.Dir(p) == dir {
			names = append(names, filepath.Base(p))
		}
	}
	for d := range m.dirs {
		if d != dir && filepath.Dir(d) == dir {
			names = append(names, filepath.Base(d))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove 删除文件
func (m *MemFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	path = filepath.Clean(path)
	if _, ok := m.files[path]; !ok {
		return ErrNotExist
	}
	delete(m.files, path)
	return nil
}

// Put 直接写入文件（含目录），绕过故障注入，便于测试构造手工编辑的内容
func (m *MemFS) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = filepath.Clean(path)
	m.mkdirLocked(filepath.Dir(path))
	m.files[path] = append([]byte(nil), data...)
}

// Files 当前所有文件路径，已排序
func (m *MemFS) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (m *MemFS) mkdirLocked(dir string) {
	for d := filepath.Clean(dir); ; d = filepath.Dir(d) {
		m.dirs[d] = true
		if filepath.Dir(d) == d {
			return
		}
	}
}
