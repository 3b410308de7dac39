package metrics

import (
	"sort"
	"strings"
	"sync"
)

// MemoryMetrics 内存指标实现
type MemoryMetrics struct {
	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMemoryMetrics 创建内存指标收集器
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// IncrementCounter 计数器加一
func (m *MemoryMetrics) IncrementCounter(name string, labels map[string]string) {
	m.AddCounter(name, 1, labels)
}

// AddCounter 计数器增加指定值，负值被忽略
func (m *MemoryMetrics) AddCounter(name string, value float64, labels map[string]string) {
	if value < 0 {
		return
	}
	key := buildKey(name, labels)
	m.mu.Lock()
	m.counters[key] += value
	m.mu.Unlock()
}

// GetCounter 获取计数器值，不存在时为 0
func (m *MemoryMetrics) GetCounter(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[buildKey(name, labels)]
}

// SetGauge 设置 Gauge 值
func (m *MemoryMetrics) SetGauge(name string, value float64, labels map[string]string) {
	key := buildKey(name, labels)
	m.mu.Lock()
	m.gauges[key] = value
	m.mu.Unlock()
}

// AddGauge Gauge 增减
func (m *MemoryMetrics) AddGauge(name string, delta float64, labels map[string]string) {
	key := buildKey(name, labels)
	m.mu.Lock()
	m.gauges[key] += delta
	m.mu.Unlock()
}

// GetGauge 获取 Gauge 值
func (m *MemoryMetrics) GetGauge(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[buildKey(name, labels)]
}

// Snapshot 导出所有计数器与 Gauge 的副本
func (m *MemoryMetrics) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, v := range m.counters {
		out[k] = v
	}
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}

// buildKey 构建指标键名，标签按键名排序
func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+labels[k])
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}
