// Package monitor provides an optional local speaker output for whatever
// PCM the Mixer is producing, so an operator running the bot can listen in
// on the mixed whisper stream while debugging. Disabled unless a device is
// configured; a headless deployment never touches portaudio.
package monitor

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"mumblebot/internal/codec"
)

var logger = log.With("component", "monitor")

// Device describes one portaudio output device.
type Device struct {
	ID   int
	Name string
}

// Devices lists every portaudio device with at least one output channel.
func Devices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("monitor: list devices: %w", err)
	}
	var out []Device
	for i, d := range devices {
		if d.MaxOutputChannels > 0 {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out, nil
}

// Monitor plays frames fed to it through a local portaudio output stream.
// It is silent until Start is called and after Close. Feed still queues
// frames in those states: up to 32 frames fed before Start wait and play
// once Start runs, and frames beyond a full queue are dropped.
type Monitor struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	feed   chan []int16
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New opens a portaudio output stream on deviceID (or the system default
// when deviceID < 0). It must be closed with Close.
func New(deviceID int) (*Monitor, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("monitor: initialize portaudio: %w", err)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("monitor: list devices: %w", err)
	}

	dev, err := resolveDevice(devices, deviceID)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	buf := make([]float32, codec.FrameSize)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(codec.SampleRate),
		FramesPerBuffer: codec.FrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("monitor: open stream: %w", err)
	}

	m := &Monitor{
		stream: stream,
		buf:    buf,
		feed:   make(chan []int16, 32),
		stop:   make(chan struct{}),
	}
	return m, nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("monitor: default output device: %w", err)
	}
	return dev, nil
}

// Start begins playback, starting with any frames Feed queued before it.
func (m *Monitor) Start() error {
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("monitor: start stream: %w", err)
	}
	m.wg.Add(1)
	go m.run()
	logger.Info("monitor started")
	return nil
}

// Feed enqueues one frame of codec.FrameSize 16-bit PCM samples for
// playback. A full queue drops the frame rather than blocking the caller:
// a debugging aid must never become backpressure on the mixer.
func (m *Monitor) Feed(pcm []int16) {
	frame := make([]int16, len(pcm))
	copy(frame, pcm)
	select {
	case m.feed <- frame:
	default:
		logger.Warn("monitor queue full, dropping frame")
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case frame := <-m.feed:
			n := copy(m.buf, int16ToFloat32(frame))
			for i := n; i < len(m.buf); i++ {
				m.buf[i] = 0
			}
			if err := m.stream.Write(); err != nil {
				logger.Warn("monitor write failed", "err", err)
			}
		}
	}
}

func int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// Close stops playback and releases the stream. The stream is stopped
// first (which unblocks any blocking Write), then the run goroutine is
// told to exit and joined, and only then is the stream closed.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stream.Stop(); err != nil {
		logger.Warn("monitor stop failed", "err", err)
	}
	close(m.stop)
	m.wg.Wait()

	err := m.stream.Close()
	portaudio.Terminate()
	if err != nil {
		return fmt.Errorf("monitor: close stream: %w", err)
	}
	return nil
}
