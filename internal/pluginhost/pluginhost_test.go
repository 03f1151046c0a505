package pluginhost

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	name string

	mu       sync.Mutex
	received []Event
}

func (p *fakePlugin) Name() string { return p.name }
func (p *fakePlugin) Handle(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, ev)
}

func (p *fakePlugin) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func TestQueueTaskDeliversInOrder(t *testing.T) {
	h := New(-1)
	defer h.Close()

	p := &fakePlugin{name: "greeter"}
	h.Load(p)

	h.QueueTask("greeter", Event{Kind: EventTextMessage, Args: "one"})
	h.QueueTask("greeter", Event{Kind: EventTextMessage, Args: "two"})

	require.Eventually(t, func() bool { return p.count() == 2 }, time.Second, time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "one", p.received[0].Args)
	assert.Equal(t, "two", p.received[1].Args)
}

func TestQueueTaskUnknownPluginIsNoop(t *testing.T) {
	h := New(-1)
	defer h.Close()
	h.QueueTask("nonexistent", Event{Kind: EventTick})
}

func TestQueueTaskAllCopiesArgsIndependently(t *testing.T) {
	h := New(-1)
	defer h.Close()

	a := &fakePlugin{name: "a"}
	b := &fakePlugin{name: "b"}
	h.Load(a)
	h.Load(b)

	type payload struct{ n int }
	src := &payload{n: 1}

	h.QueueTaskAll(Event{Kind: EventUserStats, Args: src}, func(v any) any {
		p := *v.(*payload)
		return &p
	})

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, time.Millisecond)

	a.mu.Lock()
	pa := a.received[0].Args.(*payload)
	a.mu.Unlock()
	b.mu.Lock()
	pb := b.received[0].Args.(*payload)
	b.mu.Unlock()

	assert.NotSame(t, pa, pb)
	assert.Equal(t, src.n, pa.n)
	assert.Equal(t, src.n, pb.n)
}

func TestLoadReplacesExistingPlugin(t *testing.T) {
	h := New(-1)
	defer h.Close()

	first := &fakePlugin{name: "dup"}
	h.Load(first)
	second := &fakePlugin{name: "dup"}
	h.Load(second)

	h.QueueTask("dup", Event{Kind: EventTick})
	require.Eventually(t, func() bool { return second.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, first.count())
}

func TestUnloadDropsFurtherTasks(t *testing.T) {
	h := New(-1)
	defer h.Close()

	p := &fakePlugin{name: "ephemeral"}
	h.Load(p)
	h.Unload("ephemeral")

	h.QueueTask("ephemeral", Event{Kind: EventTick})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, p.count())
	assert.False(t, h.Has("ephemeral"))
}

func TestTickFansOutToAllPlugins(t *testing.T) {
	h := New(1000) // 1ms tick, fast enough for a test
	defer h.Close()

	p := &fakePlugin{name: "ticker"}
	h.Load(p)
	h.StartTick()

	require.Eventually(t, func() bool { return p.count() > 0 }, time.Second, time.Millisecond)
}
