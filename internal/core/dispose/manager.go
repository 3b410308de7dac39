package dispose

import (
	"fmt"
	"sync"
)

// ResourceManager 按注册的逆序释放一组资源
// CLI 会话用它统一回收桥接连接、连接控制器与采集管线
type ResourceManager struct {
	mu        sync.Mutex
	resources map[string]Disposable
	order     []string
	disposed  bool
}

// NewResourceManager 创建新的资源管理器
func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		resources: make(map[string]Disposable),
	}
}

// Register 注册资源
func (rm *ResourceManager) Register(name string, resource Disposable) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.disposed {
		return fmt.Errorf("resource manager already disposed")
	}
	if _, exists := rm.resources[name]; exists {
		return fmt.Errorf("resource %s already registered", name)
	}

	rm.resources[name] = resource
	rm.order = append(rm.order, name)
	logf(LevelDebug, "Registered resource: %s", name)
	return nil
}

// RegisterFunc 以函数形式注册资源
func (rm *ResourceManager) RegisterFunc(name string, fn func() error) error {
	return rm.Register(name, DisposeFunc(fn))
}

// Count 已注册资源数量
func (rm *ResourceManager) Count() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.resources)
}

// DisposeAll 逆序释放所有资源，重复调用为空操作
func (rm *ResourceManager) DisposeAll() *DisposeResult {
	rm.mu.Lock()
	if rm.disposed {
		rm.mu.Unlock()
		return &DisposeResult{}
	}
	rm.disposed = true
	order := make([]string, len(rm.order))
	copy(order, rm.order)
	resources := rm.resources
	rm.mu.Unlock()

	result := &DisposeResult{ActualDisposal: true}
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := resources[name].Dispose(); err != nil {
			result.Errors = append(result.Errors, &DisposeError{
				HandlerIndex: i,
				ResourceName: name,
				Err:          err,
			})
			logf(LevelError, "Failed to dispose resource %s: %v", name, err)
			continue
		}
		logf(LevelDebug, "Disposed resource: %s", name)
	}
	return result
}

// DisposeFunc 函数适配器
type DisposeFunc func() error

// Dispose 实现 Disposable
func (f DisposeFunc) Dispose() error {
	if f == nil {
		return nil
	}
	return f()
}
