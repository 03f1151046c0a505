package playback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrUnsupportedFormat is returned when a playback input's bytes don't
// sniff as any decodable format.
var ErrUnsupportedFormat = errors.New("playback: unsupported media format")

// Source is a decoded (but not yet resampled) PCM source: interleaved
// native-format samples at the source's own rate and channel count. The
// whole input is decoded before any framing or pacing happens.
type Source interface {
	SampleRate() int
	Channels() int
	// Read fills buf with interleaved samples, io.EOF-terminated like
	// io.Reader but over int16 instead of bytes.
	Read(buf []int16) (int, error)
	Close() error
}

// OpenFile reads path and returns a decoded Source, sniffing its format from
// content rather than extension.
func OpenFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playback: read %s: %w", path, err)
	}
	return openBytes(path, data)
}

// OpenBuffer decodes an in-memory buffer. name is used only in error
// messages.
func OpenBuffer(name string, data []byte) (Source, error) {
	return openBytes(name, data)
}

func openBytes(name string, data []byte) (Source, error) {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		src, err := newWAVSource(data)
		if err != nil {
			return nil, fmt.Errorf("playback: %s: %w", name, err)
		}
		return src, nil
	}
	if src, err := newMP3Source(data); err == nil {
		return src, nil
	}
	return nil, fmt.Errorf("playback: %s: %w", name, ErrUnsupportedFormat)
}

// wavSource decodes a WAV file fully into memory via go-audio/wav, then
// serves it as int16 samples (widening if the source is 8-bit, narrowing if
// it's 24/32-bit; go-audio's IntBuffer always stores full-range ints
// regardless of source bit depth).
type wavSource struct {
	buf *audio.IntBuffer
	pos int
}

func newWAVSource(data []byte) (*wavSource, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode WAV: %w", err)
	}
	return &wavSource{buf: buf}, nil
}

func (w *wavSource) SampleRate() int { return w.buf.Format.SampleRate }
func (w *wavSource) Channels() int   { return w.buf.Format.NumChannels }

func (w *wavSource) Read(out []int16) (int, error) {
	if w.pos >= len(w.buf.Data) {
		return 0, io.EOF
	}
	n := 0
	for n < len(out) && w.pos < len(w.buf.Data) {
		out[n] = int16(w.buf.Data[w.pos])
		n++
		w.pos++
	}
	return n, nil
}

func (w *wavSource) Close() error { return nil }

// mp3Source wraps hajimehoshi/go-mp3's streaming decoder, which always
// produces 16-bit little-endian stereo PCM at the file's native sample
// rate.
type mp3Source struct {
	dec *mp3.Decoder
	tmp []byte
}

func newMP3Source(data []byte) (*mp3Source, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &mp3Source{dec: dec}, nil
}

func (m *mp3Source) SampleRate() int { return m.dec.SampleRate() }
func (m *mp3Source) Channels() int   { return 2 }

func (m *mp3Source) Read(out []int16) (int, error) {
	need := len(out) * 2
	if cap(m.tmp) < need {
		m.tmp = make([]byte, need)
	}
	raw := m.tmp[:need]

	total := 0
	for total < need {
		n, err := m.dec.Read(raw[total:])
		total += n
		if err != nil {
			if err == io.EOF {
				break
			}
			return total / 2, err
		}
		if n == 0 {
			break
		}
	}
	total -= total % 2 // drop a dangling half-sample, if any

	samples := total / 2
	for i := 0; i < samples; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	if samples == 0 {
		return 0, io.EOF
	}
	return samples, nil
}

func (m *mp3Source) Close() error { return nil }
