package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miqo-core/internal/bridge"
	coreerrors "miqo-core/internal/core/errors"
)

// captureBridge 记录订阅的处理器，测试直接调用以模拟在途事件
type captureBridge struct {
	mu       sync.Mutex
	handlers map[int]bridge.Handler
	nextID   int
}

func newCaptureBridge() *captureBridge {
	return &captureBridge{handlers: make(map[int]bridge.Handler)}
}

func (b *captureBridge) Invoke(context.Context, string, any) (json.RawMessage, error) {
	return nil, nil
}

func (b *captureBridge) Emit(context.Context, string, any) error { return nil }

func (b *captureBridge) Subscribe(event string, h bridge.Handler) (*bridge.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	return bridge.NewSubscription(context.Background(), event, func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}), nil
}

func (b *captureBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func (b *captureBridge) only(t *testing.T) bridge.Handler {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.handlers, 1)
	for _, h := range b.handlers {
		return h
	}
	return nil
}

func raw(t *testing.T, p bridge.Packet) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

func pkt(topic string, ts int64) bridge.Packet {
	return bridge.Packet{Topic: topic, Payload: fmt.Sprintf("payload-%d", ts), Timestamp: ts}
}

func TestPipeline_NewestFirst(t *testing.T) {
	b := bridge.NewLocal(context.Background())
	defer b.Close()

	p := New(b, Options{})
	stop, err := p.Start()
	require.NoError(t, err)
	defer stop()

	p1, p2, p3 := pkt("a", 1), pkt("b", 2), pkt("a", 3)
	for _, x := range []bridge.Packet{p1, p2, p3} {
		require.NoError(t, b.Emit(context.Background(), bridge.EventPacket, x))
	}

	require.Eventually(t, func() bool { return p.Len() == 3 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []bridge.Packet{p3, p2, p1}, p.Snapshot())
}

func TestPipeline_DoubleStart(t *testing.T) {
	b := newCaptureBridge()
	p := New(b, Options{})

	stop, err := p.Start()
	require.NoError(t, err)

	_, err = p.Start()
	assert.ErrorIs(t, err, coreerrors.ErrAlreadyStarted)
	assert.Equal(t, 1, b.count())

	stop()
	assert.Equal(t, 0, b.count())
	assert.False(t, p.Running())

	// 停止后可重新开始
	stop2, err := p.Start()
	require.NoError(t, err)
	assert.Equal(t, 1, b.count())
	stop2()
}

func TestPipeline_DisposerIdempotent(t *testing.T) {
	b := newCaptureBridge()
	p := New(b, Options{})

	stop, err := p.Start()
	require.NoError(t, err)
	h := b.only(t)
	h(raw(t, pkt("a", 1)))

	stop()
	stop()
	assert.Equal(t, 0, b.count())

	// 在途事件在停止后到达
	h(raw(t, pkt("a", 2)))
	assert.Equal(t, []bridge.Packet{pkt("a", 1)}, p.Snapshot())

	// 旧的 disposer 不影响新一代
	stop2, err := p.Start()
	require.NoError(t, err)
	stop()
	assert.True(t, p.Running())
	assert.Equal(t, 1, b.count())

	b.only(t)(raw(t, pkt("b", 3)))
	h(raw(t, pkt("a", 4)))
	assert.Equal(t, []bridge.Packet{pkt("b", 3), pkt("a", 1)}, p.Snapshot())
	stop2()
}

func TestPipeline_StopMethod(t *testing.T) {
	b := newCaptureBridge()
	p := New(b, Options{})

	p.Stop()
	_, err := p.Start()
	require.NoError(t, err)
	p.Stop()
	p.Stop()
	assert.Equal(t, 0, b.count())
	assert.False(t, p.Running())
}

func TestPipeline_MalformedDropped(t *testing.T) {
	b := newCaptureBridge()
	p := New(b, Options{})
	_, err := p.Start()
	require.NoError(t, err)

	h := b.only(t)
	h(json.RawMessage(`{"topic":`))
	h(json.RawMessage(`[1,2]`))
	h(raw(t, pkt("ok", 1)))

	assert.Equal(t, 1, p.Len())
	assert.Equal(t, Stats{Received: 1, Malformed: 2}, p.Stats())
}

func TestPipeline_MaxPackets(t *testing.T) {
	b := newCaptureBridge()
	p := New(b, Options{MaxPackets: 3})
	_, err := p.Start()
	require.NoError(t, err)

	h := b.only(t)
	for i := int64(1); i <= 10; i++ {
		h(raw(t, pkt("t", i)))
	}

	assert.Equal(t, []bridge.Packet{pkt("t", 10), pkt("t", 9), pkt("t", 8)}, p.Snapshot())
	assert.Equal(t, 7, p.Stats().Evicted)
}

func TestPipeline_SnapshotIsCopy(t *testing.T) {
	b := newCaptureBridge()
	p := New(b, Options{})
	_, err := p.Start()
	require.NoError(t, err)
	h := b.only(t)

	h(raw(t, pkt("a", 1)))
	snap := p.Snapshot()
	snap[0].Topic = "mutated"
	h(raw(t, pkt("a", 2)))

	assert.Len(t, snap, 1)
	assert.Equal(t, "a", p.Snapshot()[1].Topic)
}

func TestPipeline_TopicsAndClear(t *testing.T) {
	b := newCaptureBridge()
	p := New(b, Options{TopicCacheSize: 2})
	_, err := p.Start()
	require.NoError(t, err)
	h := b.only(t)

	h(raw(t, pkt("a", 1)))
	h(raw(t, pkt("b", 2)))
	h(raw(t, pkt("a", 3)))
	h(raw(t, pkt("c", 4)))

	topics := p.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, "c", topics[0].Topic)
	assert.Equal(t, "a", topics[1].Topic)
	assert.Equal(t, 2, topics[1].Count)
	assert.Equal(t, int64(3), topics[1].Latest.Timestamp)

	p.Clear()
	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Topics())
	assert.True(t, p.Running())
}

func TestPipeline_ConcurrentDelivery(t *testing.T) {
	b := newCaptureBridge()
	p := New(b, Options{})
	stop, err := p.Start()
	require.NoError(t, err)
	h := b.only(t)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				data, _ := json.Marshal(pkt(fmt.Sprintf("w%d", w), int64(i)))
				h(data)
			}
		}(w)
	}
	stop()
	wg.Wait()

	// 停止后不再增长
	n := p.Len()
	h(raw(t, pkt("late", 0)))
	assert.Equal(t, n, p.Len())
}
