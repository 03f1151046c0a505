// Package engine drives one client session: the TLS/UDP startup sequence,
// the 5-second ping/dispatch main loop, bandwidth adaptation, and the
// UDP↔TCP voice fallback policy.
//
// Each raw I/O source (control stream, UDP socket) gets its own reader
// goroutine feeding a channel; Run's select over those channels, a ping
// ticker, and the send queue's wake channel is the one place that writes
// the control stream. Producers on other goroutines enqueue control
// messages and wake; voice datagrams (SendVoicePacket) are written to the
// UDP socket directly by the calling goroutine.
package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"mumblebot/internal/adapt"
	"mumblebot/internal/audiopacket"
	"mumblebot/internal/codec"
	"mumblebot/internal/crypto"
	"mumblebot/internal/directory"
	"mumblebot/internal/mumbleproto"
	"mumblebot/internal/wire"
)

var logger = log.With("component", "engine")

// pingInterval is the control/voice keepalive cadence.
const pingInterval = 5 * time.Second

// lossAlpha is the EWMA weight given to each new per-interval loss sample.
const lossAlpha = 0.3

// Config bundles everything Run needs to open a session. Codec is the
// protobuf serializer seam; a deployment supplies a real generated-protobuf
// implementation.
type Config struct {
	Addr           string // host:port
	Cert           *tls.Certificate
	Username       string
	Password       string
	Codec          mumbleproto.Codec
	Codecs         *codec.Registry
	InitialBitrate int
	InitialFrames  int
}

// Handlers are the downstream consumers this Engine drives. All are
// optional seams: the Mixer wires OnVoicePacket, the Controller wires
// OnTextCommand, and a PluginHost wires OnTextMessage/OnUserStats (its
// UserJoinedServer fan-out hangs off the Directory instead, which owns user
// creation).
type Handlers struct {
	OnVoicePacket func(session uint32, pkt *audiopacket.Packet)
	OnTextCommand func(actor *directory.User, command string)
	OnTextMessage func(actor *directory.User, message string)
	OnUserStats   func(user *directory.User)
}

// Engine owns one client session's control and voice subchannels.
type Engine struct {
	cfg      Config
	handlers Handlers

	control *tls.Conn
	sendQ   *wire.SendQueue
	voice   *wire.UDPChannel
	crypt   *crypto.State
	dir     *directory.Directory

	session     uint32
	hasSync     bool
	restart     bool
	voiceOn     bool
	maxBW       int
	audio       AudioState
	slot        CodecSlot
	controlPing PingStats
	voicePing   PingStats

	lossRate           float64
	lastGood, lastLost uint32

	start time.Time
}

// New builds an Engine ready for Connect + Run. dir is the Directory this
// session's ChannelState/UserState/UserRemove/UserStats messages feed.
func New(cfg Config, dir *directory.Directory, h Handlers) *Engine {
	return &Engine{
		cfg:      cfg,
		handlers: h,
		dir:      dir,
		sendQ:    wire.NewSendQueue(),
		maxBW:    -1,
		audio:    AudioState{Bitrate: cfg.InitialBitrate, Frames: cfg.InitialFrames},
		restart:  true,
		slot:     CodecSlot{Alpha: -1, Beta: -1, Active: audiopacket.TypeCeltAlpha},
	}
}

// Connect performs the strictly-ordered startup sequence: open the TLS
// control channel, send Version then Authenticate, then open the voice
// socket (a failure there is not fatal; the session proceeds TCP-only).
func (e *Engine) Connect(ctx context.Context) error {
	e.start = time.Now()

	conn, err := wire.DialControl(ctx, e.cfg.Addr, e.cfg.Cert)
	if err != nil {
		return fmt.Errorf("engine: connect: %w", err)
	}
	e.control = conn

	if err := e.send(mumbleproto.Version{Version: mumbleproto.PackVersion(1, 2, 4)}); err != nil {
		return err
	}

	var celtVersions []int32
	if e.cfg.Codecs != nil {
		celtVersions = e.cfg.Codecs.Available()
	}
	if err := e.send(mumbleproto.Authenticate{
		Username:     e.cfg.Username,
		Password:     e.cfg.Password,
		CeltVersions: celtVersions,
	}); err != nil {
		return err
	}

	voice, err := wire.DialUDP(e.cfg.Addr)
	if err != nil {
		logger.Warn("voice channel unavailable, proceeding TCP-only", "err", err)
		e.voiceOn = false
		return nil
	}
	e.voice = voice
	e.voiceOn = true

	return nil
}

// send packs and enqueues one control message for the engine's own write
// loop to flush; callers other than Run itself use this to stay off the raw
// TLS connection, per the single-writer invariant.
func (e *Engine) send(msg any) error {
	t, payload, err := e.cfg.Codec.Pack(msg)
	if err != nil {
		return fmt.Errorf("engine: pack %T: %w", msg, err)
	}
	var buf bytes.Buffer
	buf.Grow(wire.FrameHeaderSize + len(payload))
	if err := wire.WriteFrame(&buf, wire.Frame{Type: t, Payload: payload}); err != nil {
		return err
	}
	e.sendQ.Enqueue(buf.Bytes())
	return nil
}

// Run drives the main loop until ctx is cancelled or a fatal condition ends
// the session (Reject, ban, TLS error). It returns whether the caller's
// supervisor should restart the session: true normally, false after a
// rejection or a ban.
func (e *Engine) Run(ctx context.Context) (restart bool, err error) {
	controlCh := make(chan wire.Frame)
	controlErrCh := make(chan error, 1)
	go func() {
		for {
			f, rerr := wire.ReadFrame(e.control)
			if errors.Is(rerr, wire.ErrUnknownType) {
				continue
			}
			if rerr != nil {
				controlErrCh <- rerr
				return
			}
			controlCh <- f
		}
	}()

	var voiceCh chan []byte
	if e.voiceOn {
		voiceCh = make(chan []byte)
		go func() {
			buf := make([]byte, 2048)
			for {
				n, ok, rerr := e.voice.ReadDatagram(buf)
				if rerr != nil {
					return
				}
				if !ok {
					continue
				}
				cp := make([]byte, n)
				copy(cp, buf[:n])
				voiceCh <- cp
			}
		}()
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	e.restart = true
	running := true
	for running {
		select {
		case <-ctx.Done():
			running = false

		case rerr := <-controlErrCh:
			logger.Info("control channel closed", "err", rerr)
			running = false

		case f := <-controlCh:
			if e.dispatch(f) == errFatal {
				running = false
			}

		case dgram := <-voiceCh:
			e.handleVoiceDatagram(dgram)

		case <-e.sendQ.Wake:
			e.flushSendQueue()

		case <-ticker.C:
			e.sendPing()
		}
	}

	if e.voice != nil {
		e.voice.Close()
	}
	if e.control != nil {
		e.control.Close()
	}
	return e.restart, nil
}

type dispatchResult int

const (
	errNone dispatchResult = iota
	errFatal
)

// dispatch applies one control frame by type. Unknown types are dropped
// silently (the Wire layer has already flagged them).
func (e *Engine) dispatch(f wire.Frame) dispatchResult {
	if !f.Type.Known() {
		return errNone
	}
	msg, err := e.cfg.Codec.Unpack(f.Type, f.Payload)
	if err != nil {
		logger.Warn("failed to unpack control message", "type", f.Type, "err", err)
		return errNone
	}

	switch m := msg.(type) {
	case *mumbleproto.Ping:
		e.handlePing(m)
	case *mumbleproto.CryptSetup:
		e.handleCryptSetup(m)
	case *mumbleproto.ServerSync:
		e.session = m.Session
		e.hasSync = true
		e.dir.SetSelfSession(m.Session)
		if m.MaxBandwidth > 0 {
			e.setMaxBandwidth(int(m.MaxBandwidth))
		}
	case *mumbleproto.ServerConfig:
		if m.MaxBandwidth > 0 {
			e.setMaxBandwidth(int(m.MaxBandwidth))
		}
	case *mumbleproto.CodecVersion:
		e.handleCodecVersion(m)
	case *mumbleproto.Reject:
		e.restart = false
		logger.Error("server rejected connection", "reason", m.Reason)
		return errFatal
	case *mumbleproto.UserRemove:
		e.handleUserRemove(m)
	case *mumbleproto.ChannelState:
		e.dir.HandleChannelState(m)
	case *mumbleproto.ChannelRemove:
		e.dir.HandleChannelRemove(m)
	case *mumbleproto.UserState:
		e.dir.HandleUserState(m)
	case *mumbleproto.UserStats:
		if u, ok := e.dir.HandleUserStats(m); ok && e.handlers.OnUserStats != nil {
			e.handlers.OnUserStats(u)
		}
	case *mumbleproto.TextMessage:
		e.handleTextMessage(m)
	case *mumbleproto.PermissionDenied:
		logger.Warn("permission denied", "reason", m.Reason)
	}
	return errNone
}

func (e *Engine) handlePing(m *mumbleproto.Ping) {
	e.controlPing.Update(uint64(e.elapsedMicros()), m.Timestamp)

	if e.crypt == nil {
		return
	}
	age := e.elapsed()
	switch EvaluateLinkQuality(e.voiceOn, m.Good, e.crypt.Good, age) {
	case DisableUDP:
		e.voiceOn = false
		logger.Warn("switching to TCP mode", "peer_good", m.Good, "local_good", e.crypt.Good)
	case EnableUDP:
		e.voiceOn = true
		logger.Info("switching back to UDP mode")
	}

	e.adaptToLinkQuality()
}

// adaptToLinkQuality folds the ping interval's loss into the smoothed rate
// and steps the encoder bitrate along the quality ladder accordingly. The
// server's bandwidth ceiling still applies: whatever rung the ladder picks
// is re-run through AdjustBandwidth before it takes effect.
func (e *Engine) adaptToLinkQuality() {
	deltaGood := e.crypt.Good - e.lastGood
	deltaLost := e.crypt.Lost - e.lastLost
	e.lastGood, e.lastLost = e.crypt.Good, e.crypt.Lost

	var raw float64
	if total := deltaGood + deltaLost; total > 0 {
		raw = float64(deltaLost) / float64(total)
	}
	e.lossRate = adapt.SmoothLoss(e.lossRate, raw, lossAlpha)

	next := adapt.NextBitrate(e.audio.Bitrate, e.lossRate, e.controlPing.Avg)
	if next == e.audio.Bitrate {
		return
	}
	before := e.audio
	e.audio.Bitrate = next
	e.audio = AdjustBandwidth(e.audio, e.maxBW, e.voiceOn, false)
	if e.audio != before {
		logger.Info("adapting bitrate to link quality",
			"loss_pct", int(e.lossRate*100),
			"rtt_ms", int(e.controlPing.Avg),
			"bitrate_kbps", e.audio.Bitrate/1000)
	}
}

func (e *Engine) handleCryptSetup(m *mumbleproto.CryptSetup) {
	switch {
	case len(m.Key) == 16 && len(m.ClientNonce) == 16 && len(m.ServerNonce) == 16:
		var key, encIV, decIV [16]byte
		copy(key[:], m.Key)
		copy(encIV[:], m.ClientNonce)
		copy(decIV[:], m.ServerNonce)
		e.crypt = crypto.New(key, encIV, decIV, time.Now())
		e.voiceOn = e.voice != nil
	case len(m.ServerNonce) == 16 && e.crypt != nil:
		var decIV [16]byte
		copy(decIV[:], m.ServerNonce)
		e.crypt.UpdateDecryptIV(decIV)
	default:
		if e.crypt == nil {
			return
		}
		iv := e.crypt.EncryptIV()
		_ = e.send(mumbleproto.CryptSetup{ClientNonce: iv[:]})
	}
}

func (e *Engine) handleCodecVersion(m *mumbleproto.CodecVersion) {
	if e.cfg.Codecs == nil {
		return
	}
	slot, ok := SelectCodecSlot(e.cfg.Codecs, m.Alpha, m.Beta, m.PreferAlpha)
	e.slot = slot
	if !ok {
		logger.Warn("unable to find matching CELT codecs with other clients")
	}
}

func (e *Engine) handleUserRemove(m *mumbleproto.UserRemove) {
	if e.hasSync && m.Session == e.session {
		if m.Ban {
			logger.Info("banned from server", "reason", m.Reason)
			e.restart = false
		} else {
			logger.Info("kicked from server", "reason", m.Reason)
		}
	}
	e.dir.HandleUserRemove(m)
}

func (e *Engine) handleTextMessage(m *mumbleproto.TextMessage) {
	for _, s := range m.Sessions {
		if s != e.session {
			continue
		}
		actor, ok := e.dir.UserBySession(m.Actor)
		if !ok {
			return
		}
		logger.Info("text message", "from", actor.Name, "message", m.Message)
		if len(m.Message) > 0 && m.Message[0] == '.' {
			if e.handlers.OnTextCommand != nil {
				e.handlers.OnTextCommand(actor, m.Message[1:])
			}
		} else if e.handlers.OnTextMessage != nil {
			e.handlers.OnTextMessage(actor, m.Message)
		}
	}
}

func (e *Engine) handleVoiceDatagram(dgram []byte) {
	if e.crypt == nil {
		return
	}
	plain, ok := e.crypt.Decrypt(dgram, time.Now())
	if !ok {
		return
	}
	pkt, err := audiopacket.Deserialize(plain)
	if err != nil {
		return
	}
	if pkt.Type == audiopacket.TypePing {
		e.voicePing.Update(uint64(e.elapsedMicros()), pkt.Timestamp)
		return
	}
	if e.handlers.OnVoicePacket != nil {
		e.handlers.OnVoicePacket(uint32(pkt.Session), pkt)
	}
}

func (e *Engine) sendPing() {
	var good, late, lost, resync uint32
	if e.crypt != nil {
		good, late, lost, resync = e.crypt.Good, e.crypt.Late, e.crypt.Lost, e.crypt.Resync
	}
	_ = e.send(mumbleproto.Ping{
		Timestamp: uint64(e.elapsedMicros()),
		Good:      good, Late: late, Lost: lost, Resync: resync,
	})

	if e.voiceOn && e.crypt != nil {
		pkt := &audiopacket.Packet{Type: audiopacket.TypePing, Timestamp: uint64(e.elapsedMicros())}
		raw, err := audiopacket.Serialize(pkt)
		if err != nil {
			return
		}
		enc, err := e.crypt.Encrypt(raw)
		if err != nil {
			return
		}
		_ = e.voice.WriteDatagram(enc)
	}

	if e.crypt != nil && e.crypt.RequestResync {
		e.crypt.ResyncSent(time.Now())
		_ = e.send(mumbleproto.CryptSetup{})
	}
}

func (e *Engine) setMaxBandwidth(bw int) {
	if e.maxBW == bw {
		return
	}
	e.maxBW = bw
	before := e.audio
	e.audio = AdjustBandwidth(e.audio, e.maxBW, e.voiceOn, false)
	if before != e.audio {
		logger.Info("server bandwidth is limited",
			"max_bandwidth_kbps", bw/1000,
			"bitrate_kbps", e.audio.Bitrate/1000,
			"frame_ms", e.audio.Frames*10)
	}
}

func (e *Engine) flushSendQueue() {
	for _, frame := range e.sendQ.Drain() {
		if _, err := e.control.Write(frame); err != nil {
			logger.Error("control write failed", "err", err)
			return
		}
	}
}

func (e *Engine) elapsed() time.Duration { return time.Since(e.start) }
func (e *Engine) elapsedMicros() int64   { return time.Since(e.start).Microseconds() }

// AudioState returns the current bitrate/frames-per-packet tuning, for the
// Playback pipeline to read before encoding each block.
func (e *Engine) AudioState() AudioState { return e.audio }

// CodecSlot returns the currently active CELT codec slot.
func (e *Engine) CodecSlot() CodecSlot { return e.slot }

// Session returns the client's own session id, valid once ServerSync has
// been received.
func (e *Engine) Session() (uint32, bool) { return e.session, e.hasSync }

// LinkStats reports the smoothed packet loss rate and the round-trip jitter
// (ms, the ping stddev) observed on this session, preferring the voice
// channel's measurement when one exists. Callers use it to size delay
// buffers against real network conditions.
func (e *Engine) LinkStats() (lossRate, jitterMs float64) {
	jitter := e.voicePing.Var
	if jitter == 0 {
		jitter = e.controlPing.Var
	}
	return e.lossRate, jitter
}

// Send enqueues an arbitrary control message for the engine's write loop,
// exposing the internal send path to downstream collaborators (Controller
// replies, Mixer's VoiceTarget claim) that must never touch e.control
// directly; the single-writer invariant covers every caller, not just the
// Engine's own handlers.
func (e *Engine) Send(msg any) error { return e.send(msg) }

// SendVoicePacket serializes and delivers one outgoing audio packet,
// choosing UDP+OCB2 when the voice channel is up and falling back to the
// TCP-tunnelled UDPTunnel frame otherwise. Playback and Mixer both call
// this rather than reaching for e.voice/e.crypt themselves.
func (e *Engine) SendVoicePacket(pkt *audiopacket.Packet) error {
	raw, err := audiopacket.Serialize(pkt)
	if err != nil {
		return fmt.Errorf("engine: serialize voice packet: %w", err)
	}

	if e.voiceOn && e.crypt != nil {
		enc, err := e.crypt.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("engine: encrypt voice packet: %w", err)
		}
		if err := e.voice.WriteDatagram(enc); err != nil {
			return err
		}
		return nil
	}

	var buf bytes.Buffer
	buf.Grow(wire.FrameHeaderSize + len(raw))
	if err := wire.WriteFrame(&buf, wire.Frame{Type: mumbleproto.TypeUDPTunnel, Payload: raw}); err != nil {
		return err
	}
	e.sendQ.Enqueue(buf.Bytes())
	return nil
}
