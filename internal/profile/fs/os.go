package fs

import (
	"os"
	"path/filepath"
)

// OSFS 本地磁盘实现
type OSFS struct {
	// DirPerm 新建目录权限，默认 0755
	DirPerm os.FileMode
	// FilePerm 文件权限，默认 0600（配置中可能含密码）
	FilePerm os.FileMode
}

// NewOSFS 创建磁盘文件系统
func NewOSFS() *OSFS {
	return &OSFS{DirPerm: 0755, FilePerm: 0600}
}

// MkdirAll 创建目录
func (o *OSFS) MkdirAll(dir string) error {
	return os.MkdirAll(dir, o.dirPerm())
}

// ReadFile 读取文件
func (o *OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFileAtomic 写入同目录临时文件后重命名
func (o *OSFS) WriteFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// 任何失败都清理临时文件，不留下半成品
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(o.filePerm()); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadDir 列出目录项
func (o *OSFS) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Remove 删除文件
func (o *OSFS) Remove(path string) error {
	return os.Remove(path)
}

func (o *OSFS) dirPerm() os.FileMode {
	if o.DirPerm == 0 {
		return 0755
	}
	return o.DirPerm
}

func (o *OSFS) filePerm() os.FileMode {
	if o.FilePerm == 0 {
		return 0600
	}
	return o.FilePerm
}
