package dispose

import (
	"context"
	"fmt"
	"sync"
)

// DisposeError 清理过程中的错误信息
type DisposeError struct {
	HandlerIndex int
	ResourceName string
	Err          error
}

func (e *DisposeError) Error() string {
	if e.ResourceName != "" {
		return fmt.Sprintf("cleanup resource[%s] handler[%d] failed: %v", e.ResourceName, e.HandlerIndex, e.Err)
	}
	return fmt.Sprintf("cleanup handler[%d] failed: %v", e.HandlerIndex, e.Err)
}

func (e *DisposeError) Unwrap() error {
	return e.Err
}

// DisposeResult 清理结果
type DisposeResult struct {
	Errors         []*DisposeError
	ActualDisposal bool // 本次调用是否实际执行了释放
}

func (r *DisposeResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *DisposeResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	return fmt.Sprintf("dispose cleanup failed with %d errors", len(r.Errors))
}

// Disposable 统一的资源释放接口
type Disposable interface {
	Dispose() error
}

// Dispose 资源管理结构体
//
// Close 只会执行一次清理；并发或重复调用会等待首次清理完成后返回，
// 因此任何 Close 返回时清理处理器都已执行完毕。
type Dispose struct {
	mu            sync.Mutex
	closed        bool
	done          chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	cleanHandlers []func() error
	errors        []*DisposeError
}

// NewDispose 创建带上下文的 Dispose，父上下文取消时自动清理
func NewDispose(parent context.Context, onClose func() error) *Dispose {
	d := &Dispose{}
	d.SetCtx(parent, onClose)
	return d
}

// NewDisposeWithNoOp 创建无清理回调的 Dispose
func NewDisposeWithNoOp(parent context.Context) *Dispose {
	return NewDispose(parent, nil)
}

func (c *Dispose) Ctx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Dispose) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close 关闭并返回清理结果
func (c *Dispose) Close() *DisposeResult {
	c.mu.Lock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	done := c.done
	if c.closed {
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		defer c.mu.Unlock()
		return &DisposeResult{Errors: c.errors}
	}
	c.closed = true
	cancel := c.cancel
	handlers := make([]func() error, len(c.cleanHandlers))
	copy(handlers, c.cleanHandlers)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	result := &DisposeResult{Errors: make([]*DisposeError, 0), ActualDisposal: true}
	for i, handler := range handlers {
		if err := handler(); err != nil {
			result.Errors = append(result.Errors, &DisposeError{HandlerIndex: i, Err: err})
			// 记录错误但不中断其他清理
			logf(LevelError, "Cleanup handler[%d] failed: %v", i, err)
		}
	}

	c.mu.Lock()
	c.errors = result.Errors
	c.mu.Unlock()
	close(done)
	return result
}

// CloseWithError 关闭并返回第一个清理错误
func (c *Dispose) CloseWithError() error {
	result := c.Close()
	if result.HasErrors() {
		return result.Errors[0].Err
	}
	return nil
}

// Dispose 实现 Disposable
func (c *Dispose) Dispose() error {
	return c.CloseWithError()
}

// AddCleanHandler 添加返回错误的清理处理器，按添加顺序执行
func (c *Dispose) AddCleanHandler(f func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanHandlers = append(c.cleanHandlers, f)
}

// GetErrors 获取清理过程中的错误
func (c *Dispose) GetErrors() []*DisposeError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// SetCtx 设置父上下文与清理回调；只能设置一次
func (c *Dispose) SetCtx(parent context.Context, onClose func() error) {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		logf(LevelWarn, "ctx already set")
		return
	}
	if parent == nil {
		parent = context.Background()
	}
	if onClose != nil {
		c.cleanHandlers = append(c.cleanHandlers, onClose)
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		if result := c.Close(); result.ActualDisposal && result.HasErrors() {
			logf(LevelError, "Context cancellation cleanup failed: %v", result.Error())
		}
	}()
}
