package wsbridge

import (
	"sync"

	corelog "miqo-core/internal/core/log"
)

// pendingTable 等待结果的 invoke 请求表
type pendingTable struct {
	mu       sync.Mutex
	requests map[string]chan *Frame
	closeErr error
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		requests: make(map[string]chan *Frame),
	}
}

// register 注册请求，返回结果通道；表已关闭时返回关闭原因
func (p *pendingTable) register(id string) (chan *Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closeErr != nil {
		return nil, p.closeErr
	}
	ch := make(chan *Frame, 1)
	p.requests[id] = ch
	return ch, nil
}

// unregister 注销请求
func (p *pendingTable) unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requests, id)
}

// resolve 投递结果，没有对应请求时返回 false
func (p *pendingTable) resolve(f *Frame) bool {
	p.mu.Lock()
	ch, ok := p.requests[f.ID]
	delete(p.requests, f.ID)
	p.mu.Unlock()

	if !ok {
		corelog.Debugf("wsbridge: no pending request for result %s", f.ID)
		return false
	}
	ch <- f
	return true
}

// failAll 关闭表并唤醒所有等待者
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closeErr != nil {
		return
	}
	p.closeErr = err
	for id, ch := range p.requests {
		close(ch)
		delete(p.requests, id)
	}
}

// count 当前等待中的请求数
func (p *pendingTable) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
