// Package pluginhost implements the concurrency scaffolding around loaded
// plugins: a private FIFO task queue and one dedicated worker goroutine per
// plugin, plus the QueueTask/QueueTaskAll fan-out the engine and audio
// pipelines use to hand plugins events without ever running plugin code on
// their own goroutines. The embedded scripting interpreter that actually
// executes plugin code lives behind the Plugin interface; this package only
// owns queueing, fan-out, and teardown ordering.
package pluginhost

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var logger = log.With("component", "pluginhost")

// EventKind identifies one of the fixed set of events plugins receive.
type EventKind int

const (
	EventUserJoinedServer EventKind = iota
	EventTextMessage
	EventCommandMessage
	EventPlayback
	EventUserStats
	EventTick
)

func (k EventKind) String() string {
	switch k {
	case EventUserJoinedServer:
		return "UserJoinedServer"
	case EventTextMessage:
		return "TextMessage"
	case EventCommandMessage:
		return "CommandMessage"
	case EventPlayback:
		return "Playback"
	case EventUserStats:
		return "UserStats"
	case EventTick:
		return "Tick"
	default:
		return "Unknown"
	}
}

// Event is one task handed to a plugin's worker.
type Event struct {
	Kind EventKind
	Args any
}

// TextMessage is the Args payload of an EventTextMessage task. It is a
// plain value, so QueueTaskAll can fan it out without a copy function.
type TextMessage struct {
	From    string
	Message string
}

// Plugin is the seam a real embedded-scripting-interpreter-backed
// implementation satisfies. Handle runs on that plugin's own dedicated
// goroutine; Host guarantees no two Handle calls for the same Plugin ever
// overlap.
type Plugin interface {
	Name() string
	Handle(Event)
}

// worker owns one plugin's FIFO task queue and the goroutine draining it.
type worker struct {
	plugin Plugin
	id     uuid.UUID

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	exiting bool
	done    chan struct{}
}

// Host owns every loaded plugin's worker and the periodic Tick fan-out.
type Host struct {
	mu      sync.Mutex
	workers map[string]*worker

	tickInterval time.Duration
	tickStop     chan struct{}
	tickWg       sync.WaitGroup
}

// defaultTickHz is the Tick event frequency when none is configured.
const defaultTickHz = 10

// New returns an empty Host. tickHz overrides the Tick event frequency; 0
// selects the default of 10 Hz, and a negative value disables Tick
// entirely.
func New(tickHz int) *Host {
	if tickHz == 0 {
		tickHz = defaultTickHz
	}
	h := &Host{workers: make(map[string]*worker)}
	if tickHz > 0 {
		h.tickInterval = time.Second / time.Duration(tickHz)
	}
	return h
}

// Load registers p and starts its worker goroutine, unloading any
// previously loaded plugin of the same name first, so reloading by name
// replaces rather than duplicates.
func (h *Host) Load(p Plugin) {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := p.Name()
	if old, ok := h.workers[name]; ok {
		stopAndJoin(old)
	}

	w := &worker{plugin: p, id: uuid.New(), done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	h.workers[name] = w

	go run(w)
	logger.Info("plugin loaded", "name", name, "instance", w.id)
}

// Unload stops name's worker and waits for it to drain.
func (h *Host) Unload(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.workers[name]
	if !ok {
		return
	}
	delete(h.workers, name)
	stopAndJoin(w)
	logger.Info("plugin unloaded", "name", name)
}

// Has reports whether name is currently loaded; the check the Controller's
// unknown-command-but-matches-plugin-name fan-out path needs.
func (h *Host) Has(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.workers[name]
	return ok
}

// Names returns every currently loaded plugin's name.
func (h *Host) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.workers))
	for n := range h.workers {
		names = append(names, n)
	}
	return names
}

// QueueTask hands ev to the named plugin's queue. A task for an unknown or
// already-shutting-down plugin is silently dropped.
func (h *Host) QueueTask(name string, ev Event) {
	h.mu.Lock()
	w, ok := h.workers[name]
	h.mu.Unlock()
	if !ok {
		return
	}
	enqueue(w, ev)
}

// QueueTaskAll fans ev out to every loaded plugin. copyArgs, if non-nil, is
// called once per recipient to give each its own independent Args value:
// plugin workers run concurrently, so handing them all a shared mutable
// Args would race. Pass nil only when Args is immutable or a plain value.
func (h *Host) QueueTaskAll(ev Event, copyArgs func(any) any) {
	h.mu.Lock()
	workers := make([]*worker, 0, len(h.workers))
	for _, w := range h.workers {
		workers = append(workers, w)
	}
	h.mu.Unlock()

	for _, w := range workers {
		e := ev
		if copyArgs != nil {
			e.Args = copyArgs(ev.Args)
		}
		enqueue(w, e)
	}
}

func enqueue(w *worker, ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exiting {
		return
	}
	w.queue = append(w.queue, ev)
	w.cond.Signal()
}

func run(w *worker) {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.exiting {
			w.cond.Wait()
		}
		if w.exiting && len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.plugin.Handle(ev)
	}
}

func stopAndJoin(w *worker) {
	w.mu.Lock()
	w.exiting = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}

// StartTick launches the periodic Tick fan-out goroutine, a no-op if Tick
// was disabled at New.
func (h *Host) StartTick() {
	if h.tickInterval <= 0 {
		return
	}
	h.tickStop = make(chan struct{})
	h.tickWg.Add(1)
	go func() {
		defer h.tickWg.Done()
		t := time.NewTicker(h.tickInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				h.QueueTaskAll(Event{Kind: EventTick}, nil)
			case <-h.tickStop:
				return
			}
		}
	}()
}

// Close stops the tick goroutine and every plugin worker, waiting for all
// of them to drain before returning.
func (h *Host) Close() {
	if h.tickStop != nil {
		close(h.tickStop)
		h.tickWg.Wait()
	}

	h.mu.Lock()
	workers := make([]*worker, 0, len(h.workers))
	for _, w := range h.workers {
		workers = append(workers, w)
	}
	h.workers = make(map[string]*worker)
	h.mu.Unlock()

	for _, w := range workers {
		stopAndJoin(w)
	}
}
