// Package playback implements the file/buffer playback pipeline: a FIFO
// queue of playback requests, decoded and resampled to the negotiated audio
// format, sliced to the requested window, CELT-encoded in
// frames-per-packet-sized bundles at the live bandwidth tuning, and paced
// out in real time. Each input is decoded fully up front, then framed and
// sent; only the pacing is incremental.
package playback

import (
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"mumblebot/internal/audiopacket"
	"mumblebot/internal/codec"
	"mumblebot/internal/engine"
)

var logger = log.With("component", "playback")

const framesPerSecond = 1000 / 10 // 10ms frames

// VoiceSender is the subset of *engine.Engine the playback worker depends
// on: somewhere to hand off finished packets, and the live bitrate/
// frames-per-packet/codec-slot tuning the bandwidth governor and codec
// negotiation keep current. Decoupling from *engine.Engine directly keeps
// this package testable with a fake.
type VoiceSender interface {
	SendVoicePacket(pkt *audiopacket.Packet) error
	AudioState() engine.AudioState
	CodecSlot() engine.CodecSlot
}

// Input is one queued playback request: either a file path or an in-memory
// buffer, with an optional [From,To) window in seconds (negative means
// "unset", i.e. play the whole thing) and a per-request volume override
// (negative means "use the player's current volume").
type Input struct {
	Name string // display name; for a file queued by QueueFile, the path itself
	Path string
	Data []byte

	From, To float64
	Volume   float64

	// PluginTag, if non-empty, identifies the plugin this playback request
	// was queued on behalf of; the player's OnPlayback hook fires with it
	// when the request starts playing.
	PluginTag string
}

func (in *Input) isFile() bool { return in.Data == nil }

func (in *Input) open() (Source, error) {
	if in.isFile() {
		return OpenFile(in.Path)
	}
	return OpenBuffer(in.Name, in.Data)
}

// Player runs a single background worker draining a FIFO queue of Inputs,
// one at a time. Stop skips whatever is currently playing without touching
// the rest of the queue; Clear drops the queue too.
type Player struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Input
	running bool // worker goroutine should keep going
	skip    bool // skip the item currently playing
	volume  float64

	sender VoiceSender
	codecs *codec.Registry

	// OnPlayback fires once a queued Input with a non-empty PluginTag starts
	// playing, naming the tag and a display name for the item; the seam a
	// PluginHost wires its Playback event through.
	OnPlayback func(pluginTag, name string)

	wg sync.WaitGroup
}

// New returns a Player. Start must be called before anything queued will
// actually play.
func New(sender VoiceSender, codecs *codec.Registry) *Player {
	p := &Player{
		sender:  sender,
		codecs:  codecs,
		volume:  1.0,
		running: true,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker goroutine.
func (p *Player) Start() {
	p.wg.Add(1)
	go p.run()
}

// Close stops the worker after it finishes (or skips) whatever is currently
// playing, and waits for it to exit.
func (p *Player) Close() {
	p.mu.Lock()
	p.running = false
	p.skip = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueFile enqueues a playback request reading from a file path.
func (p *Player) QueueFile(path string, from, to, volume float64, pluginTag string) {
	p.enqueue(&Input{Name: path, Path: path, From: from, To: to, Volume: volume, PluginTag: pluginTag})
}

// QueueBuffer enqueues a playback request reading from an in-memory buffer.
// name is used only for display/logging and format-sniffing error messages.
func (p *Player) QueueBuffer(name string, data []byte, from, to, volume float64, pluginTag string) {
	p.enqueue(&Input{Name: name, Data: data, From: from, To: to, Volume: volume, PluginTag: pluginTag})
}

func (p *Player) enqueue(in *Input) {
	p.mu.Lock()
	p.queue = append(p.queue, in)
	p.cond.Signal()
	p.mu.Unlock()
}

// Stop skips whatever Input is currently playing; the rest of the queue is
// unaffected. A no-op if nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	p.skip = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Clear empties the queue and skips the currently playing Input.
func (p *Player) Clear() {
	p.mu.Lock()
	p.queue = nil
	p.skip = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// SetVolume replaces the player's volume outright, for applying a
// configured default at startup.
func (p *Player) SetVolume(v float64) {
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// VolumeUp and VolumeDown double/halve the player's volume. The volume is
// read when an Input starts playing, so they affect every Input without an
// explicit Volume that starts afterwards, including ones already queued;
// the Input currently playing keeps its volume.
func (p *Player) VolumeUp() {
	p.mu.Lock()
	p.volume *= 2
	p.mu.Unlock()
}

func (p *Player) VolumeDown() {
	p.mu.Lock()
	p.volume *= 0.5
	p.mu.Unlock()
}

func (p *Player) currentVolume(requested float64) float64 {
	if requested >= 0 {
		return requested
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *Player) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && p.running {
			p.cond.Wait()
		}
		if !p.running && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			continue
		}
		in := p.queue[0]
		p.queue = p.queue[1:]
		p.skip = false
		p.mu.Unlock()

		if in.PluginTag != "" && p.OnPlayback != nil {
			p.OnPlayback(in.PluginTag, in.Name)
		}

		p.play(in)

		p.mu.Lock()
		stillRunning := p.running
		p.mu.Unlock()
		if !stillRunning {
			return
		}
	}
}

func (p *Player) play(in *Input) {
	src, err := in.open()
	if err != nil {
		logger.Warn("failed to open playback input", "name", in.Name, "err", err)
		return
	}
	defer src.Close()

	raw, err := decodeAll(src)
	if err != nil {
		logger.Warn("failed to decode playback input", "name", in.Name, "err", err)
		return
	}

	mono := resample(raw, src.SampleRate(), src.Channels())
	frames := frameUp(mono)

	if in.From >= 0 && in.To >= 0 {
		start := int(in.From * framesPerSecond)
		end := int(in.To * framesPerSecond)
		if start > len(frames) {
			return
		}
		if end > len(frames) {
			end = len(frames)
		}
		if start >= end {
			return
		}
		frames = frames[start:end]
	}

	p.sendFrames(frames, p.currentVolume(in.Volume))
}

func decodeAll(src Source) ([]int16, error) {
	var out []int16
	buf := make([]int16, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

func frameUp(pcm []int16) [][]int16 {
	n := (len(pcm) + codec.FrameSize - 1) / codec.FrameSize
	frames := make([][]int16, n)
	for i := range frames {
		buf := make([]int16, codec.FrameSize)
		start := i * codec.FrameSize
		end := start + codec.FrameSize
		if end > len(pcm) {
			end = len(pcm)
		}
		copy(buf, pcm[start:end])
		frames[i] = buf
	}
	return frames
}

func (p *Player) selectVariant(slot engine.CodecSlot) (codec.Variant, bool) {
	bitstream := slot.Alpha
	if slot.Active == audiopacket.TypeCeltBeta {
		bitstream = slot.Beta
	}
	return p.codecs.Select(bitstream)
}

// sendFrames CELT-encodes and sends frames in frames-per-packet-sized
// bundles, re-reading the live bitrate/frames-per-packet/codec-slot tuning
// before every bundle (the governor and codec negotiation can both change
// mid-stream) and pacing sends against a rolling deadline so playback
// proceeds in real time regardless of encode cost.
func (p *Player) sendFrames(frames [][]int16, volume float64) {
	var enc codec.Encoder
	var encVariant codec.Variant
	defer func() {
		if enc != nil {
			enc.Close()
		}
	}()

	seq := uint64(0)
	deadline := time.Now()

	for i := 0; i < len(frames); {
		p.mu.Lock()
		running, skip := p.running, p.skip
		p.mu.Unlock()
		if !running || skip {
			return
		}

		slot := p.sender.CodecSlot()
		variant, ok := p.selectVariant(slot)
		if !ok {
			logger.Warn("no CELT codec available for playback")
			return
		}
		if variant != encVariant {
			if enc != nil {
				enc.Close()
			}
			var err error
			enc, err = variant.NewEncoder()
			if err != nil {
				logger.Warn("failed to create CELT encoder", "err", err)
				return
			}
			if err := enc.SetPrediction(false); err != nil {
				logger.Warn("failed to disable CELT prediction", "err", err)
			}
			encVariant = variant
		}

		state := p.sender.AudioState()
		if err := enc.SetBitrate(state.Bitrate); err != nil {
			logger.Warn("failed to set CELT bitrate", "err", err)
		}

		n := state.Frames
		if n <= 0 {
			n = 1
		}
		if i+n > len(frames) {
			n = len(frames) - i
		}

		maxBytes := state.Bitrate / 800
		if maxBytes > 127 {
			maxBytes = 127
		}
		if maxBytes < 1 {
			maxBytes = 1
		}

		last := i+n == len(frames)

		subframes := make([]audiopacket.Subframe, 0, n+1)
		for j := 0; j < n; j++ {
			pcm := scaleVolume(frames[i+j], volume)
			out := make([]byte, maxBytes)
			m, err := enc.Encode(pcm, out)
			if err != nil {
				logger.Warn("CELT encode failed", "err", err)
				continue
			}
			subframes = append(subframes, audiopacket.Subframe{
				Continuation: true,
				Data:         out[:m],
			})
		}
		if last {
			// A zero-length terminator subframe on the stream's final
			// packet tells receivers the stream has ended.
			subframes = append(subframes, audiopacket.Subframe{})
		}
		if len(subframes) > 0 {
			subframes[len(subframes)-1].Continuation = false
		}

		pkt := &audiopacket.Packet{
			Type:     slot.Active,
			Target:   audiopacket.TargetNormal,
			Sequence: seq,
			Frames:   subframes,
		}
		if err := p.sender.SendVoicePacket(pkt); err != nil {
			logger.Warn("failed to send voice packet", "err", err)
		}

		seq += uint64(n)
		i += n

		deadline = deadline.Add(time.Duration(n) * 10 * time.Millisecond)
		if d := time.Until(deadline); d > 0 {
			time.Sleep(d)
		}
	}
}

func scaleVolume(pcm []int16, volume float64) []int16 {
	if volume == 1 {
		return pcm
	}
	out := make([]int16, len(pcm))
	for i, s := range pcm {
		v := float64(s) * volume
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
