// Package mixer implements the shared playback stream multiple speaking
// sessions are blended into and re-broadcast as a single whispered voice
// feed; the "record a channel and relay it elsewhere" building block.
// Inbound packets are decoded per-session and mixed into a shared delay
// line; a writer goroutine pulls, re-encodes, and sends the result as one
// whisper-target stream.
package mixer

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"mumblebot/internal/audiopacket"
	"mumblebot/internal/codec"
	"mumblebot/internal/directory"
	"mumblebot/internal/engine"
	"mumblebot/internal/mumbleproto"
)

var logger = log.With("component", "mixer")

// VoiceSender is the subset of *engine.Engine the mixer depends on: a place
// to claim the VoiceTarget routing slot and hand off finished packets, plus
// the live bitrate/frames-per-packet/codec-slot tuning.
type VoiceSender interface {
	Send(msg any) error
	SendVoicePacket(pkt *audiopacket.Packet) error
	AudioState() engine.AudioState
	CodecSlot() engine.CodecSlot
}

// voiceTargetSlot is the whisper/shout routing slot id the mixer claims on
// creation.
const voiceTargetSlot = 1

// Mixer blends every speaking session's decoded audio into a shared delay
// line and re-encodes the mixed result as a single outgoing whisper-target
// stream aimed at one channel.
type Mixer struct {
	bufMu sync.Mutex // taken ahead of tracksMu in Close; ring has its own lock
	ring  *ring

	tracksMu sync.Mutex
	tracks   map[uint32]*track
	enabled  bool

	volMu  sync.Mutex
	volume float64

	delayMs int64
	target  *directory.Channel

	sender VoiceSender
	codecs *codec.Registry

	monMu   sync.Mutex
	onFrame func([]int16)

	wg sync.WaitGroup
}

// SetMonitor installs an optional sink that receives a copy of every mixed
// PCM frame just before it is CELT-encoded, letting an operator listen in
// on the relay locally (internal/monitor). Pass nil to detach.
func (m *Mixer) SetMonitor(fn func([]int16)) {
	m.monMu.Lock()
	m.onFrame = fn
	m.monMu.Unlock()
}

func (m *Mixer) monitorFrame(pcm []int16) {
	m.monMu.Lock()
	fn := m.onFrame
	m.monMu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

// Create builds a Mixer targeting channel, claims the whisper-channel
// VoiceTarget slot on the server, and starts the writer thread.
// delaySeconds sets how far behind real time the mixed stream plays, giving
// late-arriving frames from slower speakers room to land in the same mix
// window.
func Create(channel *directory.Channel, delaySeconds int, sender VoiceSender, codecs *codec.Registry) (*Mixer, error) {
	return CreateWithDelay(channel, time.Duration(delaySeconds)*time.Second, sender, codecs)
}

// CreateWithDelay is Create with sub-second delay resolution, for callers
// sizing the delay from measured link jitter rather than a whole-second
// setting.
func CreateWithDelay(channel *directory.Channel, delay time.Duration, sender VoiceSender, codecs *codec.Registry) (*Mixer, error) {
	channelID := channel.ID
	err := sender.Send(&mumbleproto.VoiceTarget{
		ID: voiceTargetSlot,
		Targets: []mumbleproto.VoiceTargetEntry{
			{ChannelID: &channelID, Children: true},
		},
	})
	if err != nil {
		return nil, err
	}

	m := &Mixer{
		ring:    newRing(),
		tracks:  make(map[uint32]*track),
		enabled: true,
		volume:  1.0,
		delayMs: delay.Milliseconds(),
		target:  channel,
		sender:  sender,
		codecs:  codecs,
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

// Close stops the writer thread and releases every track's decoder. The
// ring lock is taken before the tracks lock; this is the only place the two
// nest, and the order is fixed.
func (m *Mixer) Close() {
	m.tracksMu.Lock()
	m.enabled = false
	m.tracksMu.Unlock()
	m.wg.Wait()

	m.bufMu.Lock()
	m.tracksMu.Lock()
	for _, t := range m.tracks {
		if t.decoder != nil {
			t.decoder.Close()
		}
	}
	m.tracks = nil
	m.tracksMu.Unlock()
	m.bufMu.Unlock()
}

// SetVolume replaces the stream's output volume outright, for applying a
// configured default at startup.
func (m *Mixer) SetVolume(v float64) {
	m.volMu.Lock()
	m.volume = v
	m.volMu.Unlock()
}

// VolumeUp and VolumeDown double/halve the mixed stream's output volume.
func (m *Mixer) VolumeUp() {
	m.volMu.Lock()
	m.volume *= 2
	m.volMu.Unlock()
}

func (m *Mixer) VolumeDown() {
	m.volMu.Lock()
	m.volume *= 0.5
	m.volMu.Unlock()
}

func (m *Mixer) currentVolume() float64 {
	m.volMu.Lock()
	defer m.volMu.Unlock()
	return m.volume
}

// Feed delivers one decoded-track candidate: a raw voice packet received
// from session. It decodes every subframe with that session's own CELT
// decoder and mixes the result into the shared ring. Non-voice packet types
// (e.g. ping) are ignored.
func (m *Mixer) Feed(session uint32, pkt *audiopacket.Packet) {
	if pkt.Type != audiopacket.TypeCeltAlpha && pkt.Type != audiopacket.TypeCeltBeta {
		return
	}

	m.tracksMu.Lock()
	if !m.enabled {
		m.tracksMu.Unlock()
		return
	}

	t, ok := m.tracks[session]
	if !ok {
		t = &track{session: session}
		t.anchor = m.ring.anchor(m.delayMs)
		t.anchorSeq = pkt.Sequence
		m.tracks[session] = t
	} else if pkt.Sequence == 0 {
		t.anchor = m.ring.anchor(m.delayMs)
		t.anchorSeq = 0
	}

	if !m.updateDecoder(pkt.Type, t) {
		m.tracksMu.Unlock()
		return
	}

	decoded := make([][]int16, 0, len(pkt.Frames))
	for _, sf := range pkt.Frames {
		if len(sf.Data) == 0 {
			continue
		}
		pcm := make([]int16, codec.FrameSize)
		if _, err := t.decoder.Decode(sf.Data, pcm); err != nil {
			logger.Warn("CELT decode failed", "session", session, "err", err)
			continue
		}
		decoded = append(decoded, pcm)
	}
	sequence := pkt.Sequence
	logicalAt := t.logicalIndex
	m.tracksMu.Unlock()

	for i, pcm := range decoded {
		m.ring.mix(logicalAt(sequence, i), pcm)
	}
}

// updateDecoder ensures t's decoder matches the CELT variant the incoming
// packet type claims, (re)creating it when the server's negotiated codec
// slot changes.
func (m *Mixer) updateDecoder(t audiopacket.Type, tr *track) bool {
	slot := m.sender.CodecSlot()
	var bitstream int32
	switch t {
	case audiopacket.TypeCeltAlpha:
		bitstream = slot.Alpha
	case audiopacket.TypeCeltBeta:
		bitstream = slot.Beta
	default:
		return false
	}

	variant, ok := m.codecs.Select(bitstream)
	if !ok {
		return false
	}
	if tr.variant == variant && tr.decoder != nil {
		return true
	}

	if tr.decoder != nil {
		tr.decoder.Close()
	}
	dec, err := variant.NewDecoder()
	if err != nil {
		logger.Warn("failed to create CELT decoder", "err", err)
		return false
	}
	tr.decoder = dec
	tr.variant = variant
	return true
}

// writeLoop pulls frames-per-packet frames from the ring, CELT-encodes them
// at the live bitrate, and sends them as a whisper-channel voice packet,
// pacing itself against the ring's own due time rather than its own clock.
func (m *Mixer) writeLoop() {
	defer m.wg.Done()

	var enc codec.Encoder
	var encVariant codec.Variant
	defer func() {
		if enc != nil {
			enc.Close()
		}
	}()

	seq := uint64(0)
	for {
		m.tracksMu.Lock()
		enabled := m.enabled
		m.tracksMu.Unlock()
		if !enabled {
			return
		}

		slot := m.sender.CodecSlot()
		bitstream := slot.Alpha
		if slot.Active == audiopacket.TypeCeltBeta {
			bitstream = slot.Beta
		}
		variant, ok := m.codecs.Select(bitstream)
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if variant != encVariant {
			if enc != nil {
				enc.Close()
			}
			var err error
			enc, err = variant.NewEncoder()
			if err != nil {
				logger.Warn("failed to create CELT encoder", "err", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if err := enc.SetPrediction(false); err != nil {
				logger.Warn("failed to disable CELT prediction", "err", err)
			}
			encVariant = variant
		}

		state := m.sender.AudioState()
		if err := enc.SetBitrate(state.Bitrate); err != nil {
			logger.Warn("failed to set CELT bitrate", "err", err)
		}
		n := state.Frames
		if n <= 0 {
			n = 1
		}

		frames, due := m.ring.pop(n)
		if d := time.Until(due); d > 0 {
			time.Sleep(d)
		}

		maxBytes := state.Bitrate / 800
		if maxBytes > 127 {
			maxBytes = 127
		}
		if maxBytes < 1 {
			maxBytes = 1
		}

		volume := m.currentVolume()
		subframes := make([]audiopacket.Subframe, 0, n)
		for i, f := range frames {
			pcm := scaleVolume(f, volume)
			m.monitorFrame(pcm)
			out := make([]byte, maxBytes)
			written, err := enc.Encode(pcm, out)
			if err != nil {
				logger.Warn("CELT encode failed", "err", err)
				continue
			}
			subframes = append(subframes, audiopacket.Subframe{
				Continuation: i != len(frames)-1,
				Data:         out[:written],
			})
		}
		if len(subframes) > 0 {
			subframes[len(subframes)-1].Continuation = false
		}

		pkt := &audiopacket.Packet{
			Type:     slot.Active,
			Target:   audiopacket.TargetWhisperChannel,
			Sequence: seq,
			Frames:   subframes,
		}
		if err := m.sender.SendVoicePacket(pkt); err != nil {
			logger.Warn("failed to send mixed voice packet", "err", err)
		}
		seq += uint64(n)
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
