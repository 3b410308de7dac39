// Package metrics 进程内指标收集
package metrics

// Metrics 指标收集接口
type Metrics interface {
	// Counter 操作
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)
	GetCounter(name string, labels map[string]string) float64

	// Gauge 操作
	SetGauge(name string, value float64, labels map[string]string)
	AddGauge(name string, delta float64, labels map[string]string)
	GetGauge(name string, labels map[string]string) float64
}

// Snapshotter 可导出全部指标的实现，key 形如 name{label=value}
type Snapshotter interface {
	Snapshot() map[string]float64
}

// Nop 丢弃所有指标
type Nop struct{}

func (Nop) IncrementCounter(string, map[string]string)    {}
func (Nop) AddCounter(string, float64, map[string]string) {}
func (Nop) GetCounter(string, map[string]string) float64  { return 0 }
func (Nop) SetGauge(string, float64, map[string]string)   {}
func (Nop) AddGauge(string, float64, map[string]string)   {}
func (Nop) GetGauge(string, map[string]string) float64    { return 0 }
