// Package ingest 接收引擎推送的 MQTT 消息并维护按到达顺序排列的缓冲区
package ingest

import (
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"miqo-core/internal/bridge"
	coreerrors "miqo-core/internal/core/errors"
	corelog "miqo-core/internal/core/log"
)

// DefaultTopicCacheSize 默认保留最近活跃的 topic 数
const DefaultTopicCacheSize = 256

// Options 管线选项
type Options struct {
	MaxPackets     int // 缓冲上限，0 表示不限
	TopicCacheSize int // 最近 topic 索引大小
}

// Disposer 停止接收；可重复调用
type Disposer func()

// TopicStat 某个 topic 的最近一条消息
type TopicStat struct {
	Topic  string
	Latest bridge.Packet
	Count  int
}

// Stats 计数
type Stats struct {
	Received  int // 已接收并入缓冲的消息
	Malformed int // 无法解码而丢弃的事件
	Evicted   int // 因缓冲上限被淘汰的消息
}

// Pipeline 消息采集管线，独占消息缓冲区
//
// 对外只提供快照副本。每次 Start 开启新的一代，
// 停止时在同一把锁内递增代数，因此停止返回后不会再有消息写入。
type Pipeline struct {
	mu      sync.Mutex
	b       bridge.Bridge
	opts    Options
	packets []bridge.Packet // 按到达顺序，最旧在前
	topics  *lru.Cache[string, TopicStat]
	gen     uint64
	running bool
	sub     *bridge.Subscription
	stats   Stats
	log     corelog.Logger
}

// New 创建管线
func New(b bridge.Bridge, opts Options) *Pipeline {
	if opts.MaxPackets < 0 {
		opts.MaxPackets = 0
	}
	if opts.TopicCacheSize <= 0 {
		opts.TopicCacheSize = DefaultTopicCacheSize
	}
	// size 为正时 lru.New 不会失败
	topics, _ := lru.New[string, TopicStat](opts.TopicCacheSize)

	return &Pipeline{
		b:      b,
		opts:   opts,
		topics: topics,
		log:    corelog.Component("ingest"),
	}
}

// Start 注册唯一的消息处理器
//
// 已在运行时返回 ALREADY_STARTED，不会注册第二个处理器。
// 返回的 Disposer 执行后可再次 Start。
func (p *Pipeline) Start() (Disposer, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil, coreerrors.New(coreerrors.CodeAlreadyStarted, "packet pipeline already started")
	}
	p.gen++
	gen := p.gen
	p.running = true
	p.mu.Unlock()

	sub, err := p.b.Subscribe(bridge.EventPacket, func(raw json.RawMessage) {
		p.handle(gen, raw)
	})
	if err != nil {
		p.mu.Lock()
		if p.gen == gen {
			p.running = false
		}
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	if p.gen != gen {
		// 订阅完成前已被 Stop
		p.mu.Unlock()
		sub.Unsubscribe()
		return nil, coreerrors.New(coreerrors.CodeResourceClosed, "packet pipeline stopped during start")
	}
	p.sub = sub
	p.mu.Unlock()

	p.log.Debugf("packet pipeline started (generation %d)", gen)

	var once sync.Once
	return func() {
		once.Do(func() { p.stop(gen) })
	}, nil
}

// Stop 停止当前一代；未运行时为空操作
func (p *Pipeline) Stop() {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	p.stop(gen)
}

func (p *Pipeline) stop(gen uint64) {
	p.mu.Lock()
	if p.gen != gen || !p.running {
		p.mu.Unlock()
		return
	}
	p.gen++
	p.running = false
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	p.log.Debugf("packet pipeline stopped (generation %d)", gen)
}

// Running 是否正在接收
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) handle(gen uint64, raw json.RawMessage) {
	pkt, err := bridge.Decode[bridge.Packet](raw)
	if err != nil {
		p.mu.Lock()
		p.stats.Malformed++
		p.mu.Unlock()
		p.log.Warnf("dropping malformed packet event: %v", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gen != gen {
		return
	}

	p.packets = append(p.packets, pkt)
	p.stats.Received++
	if limit := p.opts.MaxPackets; limit > 0 && len(p.packets) > limit {
		drop := len(p.packets) - limit
		p.stats.Evicted += drop
		p.packets = p.packets[drop:]
		// 前部已淘汰的空间过大时重新分配
		if cap(p.packets) > 2*limit {
			p.packets = append(make([]bridge.Packet, 0, limit+1), p.packets...)
		}
	}

	stat, _ := p.topics.Peek(pkt.Topic)
	p.topics.Add(pkt.Topic, TopicStat{Topic: pkt.Topic, Latest: pkt, Count: stat.Count + 1})
}

// Snapshot 返回缓冲区副本，最新的在前
func (p *Pipeline) Snapshot() []bridge.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]bridge.Packet, len(p.packets))
	for i, pkt := range p.packets {
		out[len(p.packets)-1-i] = pkt
	}
	return out
}

// Len 缓冲区中的消息数
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.packets)
}

// Clear 清空缓冲区与 topic 索引，不影响订阅
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packets = nil
	p.topics.Purge()
}

// Topics 最近活跃的 topic，最近的在前
func (p *Pipeline) Topics() []TopicStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := p.topics.Keys() // 最旧在前
	out := make([]TopicStat, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if stat, ok := p.topics.Peek(keys[i]); ok {
			out = append(out, stat)
		}
	}
	return out
}

// Stats 计数快照
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
