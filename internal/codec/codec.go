// Package codec implements the CodecRegistry: at startup it attempts to
// resolve each known CELT bitstream variant (the audio codec Mumble 1.2.x
// negotiates) in preference order and builds a normalized function table
// over whichever ABI each resolved library exposes.
//
// The registry itself is pure Go and has no dynamic-library dependency; the
// actual dlopen/dlsym resolution of a concrete libcelt is supplied by the
// caller via the Loader seam. StubLoader is the only Loader this package
// provides, an always-unavailable stand-in a real deployment replaces.
package codec

import (
	"fmt"
	"sync"
)

// Version identifies one of the two CELT ABI generations this client knows
// how to drive.
type Version int

const (
	Version0_11_0 Version = iota
	Version0_7_0
	numKnownVersions
)

func (v Version) String() string {
	switch v {
	case Version0_11_0:
		return "0.11.0"
	case Version0_7_0:
		return "0.7.0"
	default:
		return fmt.Sprintf("Version(%d)", int(v))
	}
}

// preferenceOrder resolves newer bitstreams first: 0.11.0 before 0.7.0.
var preferenceOrder = []Version{Version0_11_0, Version0_7_0}

// SampleRate and FrameSize are the audio format this client negotiates end
// to end: 48 kHz, 16-bit signed mono PCM, 10 ms frames. Playback, Mixer,
// and every CELT encoder/decoder instance operate on exactly FrameSize
// samples per call.
const (
	SampleRate = 48000
	FrameSize  = SampleRate / 100
)

// Encoder is one CELT encoder instance. Encoders and decoders are stateful
// (the codec carries adaptive prediction state across frames), so the
// playback pipeline must hold one encoder per outgoing stream and one
// decoder per incoming speaker; never share an instance across frames from
// different logical streams.
type Encoder interface {
	// SetPrediction toggles inter-frame prediction; callers here always
	// disable it to bound worst-case frame size under packet loss.
	SetPrediction(enabled bool) error
	SetBitrate(bps int) error
	// Encode compresses one frame of 16-bit mono PCM (exactly FrameSize
	// samples) into out, returning the number of bytes written.
	Encode(pcm []int16, out []byte) (int, error)
	Close() error
}

// Decoder is one CELT decoder instance.
type Decoder interface {
	// Decode expands data (nil signals packet-loss concealment: produce a
	// best-effort frame from codec state alone) into exactly FrameSize
	// samples of mono PCM.
	Decode(data []byte, pcm []int16) (int, error)
	Close() error
}

// Variant is one successfully resolved CELT library: a bitstream version
// (probed from the library itself, not assumed from our Version constant)
// plus factories for encoder/decoder instances.
type Variant interface {
	ABIVersion() Version
	BitstreamVersion() int32
	NewEncoder() (Encoder, error)
	NewDecoder() (Decoder, error)
	Close() error
}

// Loader resolves one CELT ABI version against whatever concrete shared
// library the host provides. The dlopen/dlsym mechanics live behind this
// seam; StubLoader (below) is the only implementation this package
// provides, and a deployment that needs real CELT supplies its own.
type Loader interface {
	Load(v Version) (Variant, error)
}

// ErrUnavailable is returned by a Loader when the requested CELT version's
// shared library cannot be resolved on the host.
var ErrUnavailable = fmt.Errorf("codec: CELT shared library not available")

// StubLoader always reports every version unavailable. It exists so the
// registry and the rest of the pipeline can be built, wired, and tested
// without a real dynamic-library resolver; a deployment that needs actual
// CELT playback supplies its own Loader.
type StubLoader struct{}

func (StubLoader) Load(Version) (Variant, error) { return nil, ErrUnavailable }

// Registry holds every CELT variant this client could resolve at startup.
// It is append-only and read-mostly: Load populates it once; Select and
// First never mutate it, so no lock is needed after Load returns.
type Registry struct {
	mu       sync.Mutex // guards Load itself against concurrent calls
	variants []Variant
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Load attempts each known CELT variant, in preference order, via loader.
// It is not an error for some (or all) variants to be unavailable: a
// missing libcelt.so.* is the expected case on a system without it
// installed, and the engine proceeds with whatever Select later returns.
func (r *Registry) Load(loader Loader) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, v := range preferenceOrder {
		variant, err := loader.Load(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("codec: load CELT %s: %w", v, err))
			continue
		}
		r.variants = append(r.variants, variant)
	}
	return errs
}

// Add registers an already-resolved variant directly, for callers (tests,
// or a Loader-free deployment wiring a single known-good variant) that
// don't go through Load.
func (r *Registry) Add(v Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants = append(r.variants, v)
}

// Select returns the variant whose probed bitstream version matches v, or
// the first available variant if no exact match exists. Passing -1 (no
// version) returns the first available variant.
func (r *Registry) Select(bitstreamVersion int32) (Variant, bool) {
	if bitstreamVersion == -1 {
		return r.First()
	}
	for _, variant := range r.variants {
		if variant.BitstreamVersion() == bitstreamVersion {
			return variant, true
		}
	}
	return r.First()
}

// First returns the first available variant in preference order, or
// ok=false if none resolved.
func (r *Registry) First() (Variant, bool) {
	if len(r.variants) == 0 {
		return nil, false
	}
	return r.variants[0], true
}

// Has reports whether a variant advertising exactly this bitstream version
// was resolved, with none of Select's fallback-to-first behaviour. This is
// the form codec-slot negotiation needs.
func (r *Registry) Has(bitstreamVersion int32) bool {
	for _, v := range r.variants {
		if v.BitstreamVersion() == bitstreamVersion {
			return true
		}
	}
	return false
}

// Available reports the bitstream versions of every resolved variant.
func (r *Registry) Available() []int32 {
	versions := make([]int32, len(r.variants))
	for i, v := range r.variants {
		versions[i] = v.BitstreamVersion()
	}
	return versions
}
