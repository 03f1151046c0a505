package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mumblebot/internal/audiopacket"
	"mumblebot/internal/codec"
	"mumblebot/internal/crypto"
	"mumblebot/internal/directory"
	"mumblebot/internal/mumbleproto"
	"mumblebot/internal/wire"
)

// fakeCodec is a minimal mumbleproto.Codec that records every message it is
// asked to Pack and returns a preset value from Unpack, so tests can drive
// dispatch and assert on what the engine sent without a real protobuf
// implementation.
type fakeCodec struct {
	mu         sync.Mutex
	packed     []any
	nextUnpack any
}

func (f *fakeCodec) Pack(msg any) (mumbleproto.Type, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packed = append(f.packed, msg)
	return mumbleproto.TypePing, []byte{}, nil
}

func (f *fakeCodec) Unpack(mumbleproto.Type, []byte) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextUnpack, nil
}

func (f *fakeCodec) last() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.packed) == 0 {
		return nil
	}
	return f.packed[len(f.packed)-1]
}

func testKey() [16]byte {
	var k [16]byte
	for i := range k {
		k[i] = byte(i * 13)
	}
	return k
}

func newTestEngine() (*Engine, *fakeCodec) {
	fc := &fakeCodec{}
	e := New(Config{Codec: fc}, directory.New(), Handlers{})
	return e, fc
}

// TestHandleCryptSetupFirstMessage covers handleCryptSetup's first branch: a
// full {key, client_nonce, server_nonce} CryptSetup on initial connect seeds
// a fresh crypto.State and, since no voice socket is open in this test,
// leaves voiceOn false.
func TestHandleCryptSetupFirstMessage(t *testing.T) {
	e, _ := newTestEngine()
	key := testKey()
	clientNonce := [16]byte{1}
	serverNonce := [16]byte{2}

	e.handleCryptSetup(&mumbleproto.CryptSetup{
		Key:         key[:],
		ClientNonce: clientNonce[:],
		ServerNonce: serverNonce[:],
	})

	require.NotNil(t, e.crypt, "handleCryptSetup did not install crypto state on the first CryptSetup message")
	assert.Zero(t, e.crypt.Good)
	assert.Zero(t, e.crypt.Late)
	assert.Zero(t, e.crypt.Lost)
	assert.Zero(t, e.crypt.Resync)
	assert.False(t, e.voiceOn, "voiceOn should stay false when no voice socket was opened")
	assert.Equal(t, clientNonce, e.crypt.EncryptIV())
}

// TestHandleCryptSetupResyncResponsePreservesKeyAndCounters is the
// regression test for the key-corruption bug: a server-initiated resync
// response (a CryptSetup carrying only server_nonce) must rebase the
// receive IV and bump Resync, and must not touch the session key, the
// good/late/lost counters, or the replay history.
func TestHandleCryptSetupResyncResponsePreservesKeyAndCounters(t *testing.T) {
	e, _ := newTestEngine()
	key := testKey()
	e.crypt = crypto.New(key, [16]byte{}, [16]byte{}, time.Now())

	// Establish a successful decrypt so Good is non-zero before the resync,
	// proving the resync response doesn't reset it.
	plain := []byte("hello")
	packet, err := e.crypt.Encrypt(plain)
	require.NoError(t, err)
	// Encrypt advances the shared state's own encrypt IV, not decrypt IV, so
	// decrypt the same key/IV pairing via a second State sharing the key.
	dec := crypto.New(key, [16]byte{}, [16]byte{}, time.Now())
	_, ok := dec.Decrypt(packet, time.Now())
	require.True(t, ok, "setup: decrypt of freshly encrypted packet failed")
	e.crypt = dec
	require.EqualValues(t, 1, e.crypt.Good)

	newServerNonce := [16]byte{9, 9, 9}
	e.handleCryptSetup(&mumbleproto.CryptSetup{ServerNonce: newServerNonce[:]})

	assert.EqualValues(t, 1, e.crypt.Resync, "Resync must be bumped by a resync response")
	assert.EqualValues(t, 1, e.crypt.Good, "resync response must not touch the good counter")
	assert.Zero(t, e.crypt.Late, "resync response must not touch the late counter")
	assert.Zero(t, e.crypt.Lost, "resync response must not touch the lost counter")

	// The key must be intact: a packet freshly encrypted under the same key,
	// with an encrypt IV starting at the rebased decrypt IV (so the first
	// advance lands on decryptIV+1, the "normal advance" case Decrypt
	// expects), should still decrypt correctly.
	verify := crypto.New(key, newServerNonce, [16]byte{}, time.Now())
	packet2, err := verify.Encrypt([]byte("still works"))
	require.NoError(t, err)
	got, ok := e.crypt.Decrypt(packet2, time.Now())
	require.True(t, ok, "a packet matching the rebased decrypt IV was rejected; the session key was likely corrupted")
	assert.Equal(t, "still works", string(got))
}

// TestHandleCryptSetupResyncRequestSendsEmptyCryptSetup covers the third
// branch: an empty CryptSetup (no key/nonces at all) is the server's
// acknowledgement prompt that the client must reply to with its own current
// encrypt IV, carried in an otherwise-empty CryptSetup.
func TestHandleCryptSetupResyncRequestSendsEmptyCryptSetup(t *testing.T) {
	e, fc := newTestEngine()
	key := testKey()
	e.crypt = crypto.New(key, [16]byte{5}, [16]byte{}, time.Now())

	e.handleCryptSetup(&mumbleproto.CryptSetup{})

	sent, ok := fc.last().(mumbleproto.CryptSetup)
	require.True(t, ok, "expected a CryptSetup to be sent, got %#v", fc.last())
	assert.Empty(t, sent.Key, "resync request must carry only the client nonce")
	assert.Empty(t, sent.ServerNonce, "resync request must carry only the client nonce")
	assert.Equal(t, e.crypt.EncryptIV(), [16]byte(sent.ClientNonce))
}

// TestHandleCryptSetupResyncRequestNoopWithoutCrypto covers the default
// branch when no crypto state exists yet: there's nothing to resync, so
// nothing should be sent.
func TestHandleCryptSetupResyncRequestNoopWithoutCrypto(t *testing.T) {
	e, fc := newTestEngine()
	e.handleCryptSetup(&mumbleproto.CryptSetup{})
	assert.Nil(t, fc.last(), "expected no message sent without crypto state")
}

// TestAdjustBandwidthDownshift exercises four max_bandwidth caps against a
// fixed high-quality starting point ({Bitrate: 72000, Frames: 1}),
// hand-traced against the overhead formula (35 bytes of fixed header +
// 1 byte/frame, scaled to 800/frames packets per second).
func TestAdjustBandwidthDownshift(t *testing.T) {
	start := AudioState{Bitrate: 72000, Frames: 1}

	cases := []struct {
		maxBandwidth int
		want         AudioState
	}{
		{32000, AudioState{Bitrate: 24000, Frames: 4}},
		{48000, AudioState{Bitrate: 33000, Frames: 2}},
		{64000, AudioState{Bitrate: 49000, Frames: 2}},
		{100000, AudioState{Bitrate: 71000, Frames: 1}},
	}

	for _, c := range cases {
		got := AdjustBandwidth(start, c.maxBandwidth, true, false)
		assert.Equal(t, c.want, got, "AdjustBandwidth(%+v, %d)", start, c.maxBandwidth)
		assert.LessOrEqual(t, bandwidth(true, false, got), c.maxBandwidth,
			"AdjustBandwidth(%+v, %d): resulting bandwidth exceeds cap", start, c.maxBandwidth)
	}
}

// TestAdjustBandwidthUnlimitedIsNoop covers max_bandwidth's -1 "unlimited"
// sentinel, and the 8 kbps floor.
func TestAdjustBandwidthUnlimitedIsNoop(t *testing.T) {
	start := AudioState{Bitrate: 40000, Frames: 2}
	assert.Equal(t, start, AdjustBandwidth(start, -1, true, false))

	floored := AdjustBandwidth(AudioState{Bitrate: 9000, Frames: 1}, 1000, true, false)
	assert.Equal(t, minBitrate, floored.Bitrate)
}

// TestEvaluateLinkQualityTransitions covers the UDP↔TCP fallback policy's
// full transition table.
func TestEvaluateLinkQualityTransitions(t *testing.T) {
	cases := []struct {
		name      string
		voiceOn   bool
		peerGood  uint32
		localGood uint32
		age       time.Duration
		want      LinkQualityTransition
	}{
		{"too young to disable", true, 0, 5, 10 * time.Second, NoTransition},
		{"peer reports zero good after window", true, 0, 5, 25 * time.Second, DisableUDP},
		{"local reports zero good after window", true, 5, 0, 25 * time.Second, DisableUDP},
		{"steady link stays up", true, 5, 5, 25 * time.Second, NoTransition},
		{"re-enable once both sides recover", false, 4, 4, 25 * time.Second, EnableUDP},
		{"not enough good packets yet to re-enable", false, 2, 5, 25 * time.Second, NoTransition},
	}

	for _, c := range cases {
		got := EvaluateLinkQuality(c.voiceOn, c.peerGood, c.localGood, c.age)
		assert.Equal(t, c.want, got, c.name)
	}
}

// TestHandlePingDisablesVoiceExactlyOnce drives handlePing with a server
// report of zero good packets past the connection window and checks the
// transition fires once: after voiceOn flips false, repeating the same Ping
// must not re-trigger EvaluateLinkQuality's Disable branch (it requires
// voiceOn to still be true), matching "log state transitions exactly once".
func TestHandlePingDisablesVoiceExactlyOnce(t *testing.T) {
	e, _ := newTestEngine()
	e.crypt = crypto.New(testKey(), [16]byte{}, [16]byte{}, time.Now())
	e.voiceOn = true
	e.start = time.Now().Add(-25 * time.Second)

	e.handlePing(&mumbleproto.Ping{Good: 0})
	require.False(t, e.voiceOn, "expected voiceOn to flip false after a 0-good ping past the connection window")

	e.handlePing(&mumbleproto.Ping{Good: 0})
	assert.False(t, e.voiceOn, "voiceOn flipped back on unexpectedly")
}

// TestDispatchServerSyncAndCodecVersion: a ServerSync stores the client's
// session id and, given a CodecVersion advertising both slots, the client
// prefers alpha when it's registered.
func TestDispatchServerSyncAndCodecVersion(t *testing.T) {
	fc := &fakeCodec{}
	reg := codec.NewRegistry()
	reg.Add(fakeVariant{bitstream: -2147483637})
	e := New(Config{Codec: fc, Codecs: reg}, directory.New(), Handlers{})

	fc.nextUnpack = &mumbleproto.ServerSync{Session: 7, MaxBandwidth: 72000}
	e.dispatch(wire.Frame{Type: mumbleproto.TypeServerSync})

	session, ok := e.Session()
	require.True(t, ok)
	assert.EqualValues(t, 7, session)

	fc.nextUnpack = &mumbleproto.CodecVersion{Alpha: -2147483637, Beta: -2147483632, PreferAlpha: true}
	e.dispatch(wire.Frame{Type: mumbleproto.TypeCodecVersion})

	slot := e.CodecSlot()
	assert.Equal(t, audiopacket.TypeCeltAlpha, slot.Active)
	assert.EqualValues(t, -2147483637, slot.Alpha)
}

// TestDispatchRejectEndsSessionWithoutRestart covers the Reject branch of
// the error table: restart must be false after a server rejection.
func TestDispatchRejectEndsSessionWithoutRestart(t *testing.T) {
	fc := &fakeCodec{}
	e := New(Config{Codec: fc}, directory.New(), Handlers{})
	e.restart = true

	fc.nextUnpack = &mumbleproto.Reject{Reason: "invalid username"}
	result := e.dispatch(wire.Frame{Type: mumbleproto.TypeReject})

	assert.Equal(t, errFatal, result, "expected Reject to end the dispatch loop")
	assert.False(t, e.restart, "expected restart=false after a server Reject")
}

// TestAdaptToLinkQualityStepsDownUnderLoss: a lossy ping interval steps the
// encoder bitrate one rung down the quality ladder.
func TestAdaptToLinkQualityStepsDownUnderLoss(t *testing.T) {
	e, _ := newTestEngine()
	e.crypt = crypto.New(testKey(), [16]byte{}, [16]byte{}, time.Now())
	e.audio = AudioState{Bitrate: 40000, Frames: 2}
	e.crypt.Good, e.crypt.Lost = 50, 50 // 50% loss this interval

	e.adaptToLinkQuality()
	assert.Equal(t, 32000, e.audio.Bitrate)
}

// TestAdaptToLinkQualityHoldsWithoutRTT: a clean interval alone must not
// step up while no round-trip time has been measured yet.
func TestAdaptToLinkQualityHoldsWithoutRTT(t *testing.T) {
	e, _ := newTestEngine()
	e.crypt = crypto.New(testKey(), [16]byte{}, [16]byte{}, time.Now())
	e.audio = AudioState{Bitrate: 40000, Frames: 2}
	e.crypt.Good = 100

	e.adaptToLinkQuality()
	assert.Equal(t, 40000, e.audio.Bitrate)
}

// TestAdaptToLinkQualityRespectsBandwidthCap: a quality-driven step up is
// still clamped by the server's bandwidth ceiling.
func TestAdaptToLinkQualityRespectsBandwidthCap(t *testing.T) {
	e, _ := newTestEngine()
	e.crypt = crypto.New(testKey(), [16]byte{}, [16]byte{}, time.Now())
	e.voiceOn = true
	e.maxBW = 48000
	e.audio = AudioState{Bitrate: 32000, Frames: 2}
	e.crypt.Good = 100
	e.controlPing.Update(20000, 0) // one 20 ms round trip

	e.adaptToLinkQuality()
	assert.Equal(t, AudioState{Bitrate: 40000, Frames: 4}, e.audio)
	assert.LessOrEqual(t, bandwidth(true, false, e.audio), e.maxBW)
}

// fakeVariant is a minimal codec.Variant stand-in for codec-selection tests
// that never actually encodes or decodes anything.
type fakeVariant struct {
	bitstream int32
}

func (fakeVariant) ABIVersion() codec.Version          { return codec.Version0_11_0 }
func (f fakeVariant) BitstreamVersion() int32          { return f.bitstream }
func (fakeVariant) NewEncoder() (codec.Encoder, error) { return nil, nil }
func (fakeVariant) NewDecoder() (codec.Decoder, error) { return nil, nil }
func (fakeVariant) Close() error                       { return nil }
