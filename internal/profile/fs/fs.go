// Package fs 提供配置存储所需的最小文件系统能力
//
// ProfileStore 只依赖 FileSystem 接口，磁盘、内存与 Redis 实现可互换。
package fs

import (
	iofs "io/fs"
)

// ErrNotExist 文件或目录不存在
var ErrNotExist = iofs.ErrNotExist

// FileSystem 文件系统能力
type FileSystem interface {
	// MkdirAll 创建目录（含父目录），已存在不报错
	MkdirAll(dir string) error

	// ReadFile 读取文件，不存在时返回 ErrNotExist
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic 原子写入：要么完整写入，要么保持原状
	WriteFileAtomic(path string, data []byte) error

	// ReadDir 列出目录项名称，目录不存在时返回 ErrNotExist
	ReadDir(dir string) ([]string, error)

	// Remove 删除文件，不存在时返回 ErrNotExist
	Remove(path string) error
}
