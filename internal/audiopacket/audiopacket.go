// Package audiopacket implements the plaintext layout carried inside every
// UDP voice datagram (or its TCP-tunnel fallback, see internal/wire), once
// the crypto header has been stripped: a 1-byte type/target header, a
// varint timestamp for PING packets or a varint sequence plus a chain of
// length-prefixed CELT subframes for voice packets, and an optional
// 12-byte positional-audio trailer.
package audiopacket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"mumblebot/internal/varint"
)

// Type is the 3-bit audio payload type packed into the header byte.
type Type uint8

const (
	TypeCeltAlpha Type = 0
	TypePing      Type = 1
	TypeSpeex     Type = 2
	TypeCeltBeta  Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeCeltAlpha:
		return "CeltAlpha"
	case TypePing:
		return "Ping"
	case TypeSpeex:
		return "Speex"
	case TypeCeltBeta:
		return "CeltBeta"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Target is the 5-bit routing target packed into the header byte.
type Target uint8

const (
	TargetNormal           Target = 0
	TargetWhisperChannel   Target = 1
	TargetWhisperIncoming  Target = 2
	TargetLoopback         Target = 31
)

const (
	maxSubframeLen       = 0x7F // 7 bits
	positionalAudioBytes = 3 * 4
)

// Subframe is one chained CELT frame. Continuation mirrors the wire's
// continuation bit: true means another subframe follows; the chain ends at
// the first subframe with Continuation=false (which may still carry data;
// an empty, non-continuing subframe is merely the common case of "nothing
// more to send this packet").
type Subframe struct {
	Continuation bool
	Data         []byte // at most 127 bytes
}

// Positional is the optional trailing 3D listener position, sent as three
// native (little-endian) IEEE-754 float32 values.
type Positional struct {
	X, Y, Z float32
}

// Packet is a single deserialized audio datagram payload.
type Packet struct {
	Type   Type
	Target Target

	// Timestamp is meaningful only when Type == TypePing.
	Timestamp uint64

	// Session is populated by Deserialize on inbound packets (the server
	// prefixes the speaking session id); Serialize never emits it, since
	// outbound packets from this client carry only the sequence.
	HasSession bool
	Session    uint64

	Sequence uint64
	Frames   []Subframe

	Positional *Positional
}

// Serialize renders p as wire bytes. It does not write a session varint
// (outbound packets never carry one) and requires, for non-PING packets,
// that Frames end with a subframe whose Continuation is false.
func Serialize(p *Packet) ([]byte, error) {
	buf := []byte{byte(p.Type)<<5 | byte(p.Target)}

	if p.Type == TypePing {
		return append(buf, varint.Encode(p.Timestamp)...), nil
	}

	if len(p.Frames) == 0 {
		return nil, errors.New("audiopacket: voice packet has no subframes")
	}
	for i, f := range p.Frames {
		if len(f.Data) > maxSubframeLen {
			return nil, fmt.Errorf("audiopacket: subframe %d length %d exceeds %d", i, len(f.Data), maxSubframeLen)
		}
		if !f.Continuation && i != len(p.Frames)-1 {
			return nil, fmt.Errorf("audiopacket: subframe %d ends the chain but %d more were provided", i, len(p.Frames)-1-i)
		}
	}

	buf = append(buf, varint.Encode(p.Sequence)...)
	for _, f := range p.Frames {
		header := byte(len(f.Data))
		if f.Continuation {
			header |= 0x80
		}
		buf = append(buf, header)
		buf = append(buf, f.Data...)
	}

	if p.Positional != nil {
		var tail [positionalAudioBytes]byte
		binary.LittleEndian.PutUint32(tail[0:4], math.Float32bits(p.Positional.X))
		binary.LittleEndian.PutUint32(tail[4:8], math.Float32bits(p.Positional.Y))
		binary.LittleEndian.PutUint32(tail[8:12], math.Float32bits(p.Positional.Z))
		buf = append(buf, tail[:]...)
	}

	return buf, nil
}

// Deserialize parses a plaintext audio payload. For non-PING packets it
// always reads a leading session varint (the format inbound datagrams use);
// any bytes remaining after the subframe chain are interpreted as a
// positional-audio trailer; presence is inferred from the leftover length,
// not carried as a flag.
func Deserialize(buf []byte) (*Packet, error) {
	if len(buf) < 1 {
		return nil, errors.New("audiopacket: empty buffer")
	}

	p := &Packet{
		Type:   Type(buf[0] >> 5),
		Target: Target(buf[0] & 0x1F),
	}
	i := 1

	if p.Type == TypePing {
		ts, n := varint.Decode(buf[i:])
		if n == 0 {
			return nil, errors.New("audiopacket: truncated ping timestamp")
		}
		p.Timestamp = ts
		return p, nil
	}

	session, n := varint.Decode(buf[i:])
	if n == 0 {
		return nil, errors.New("audiopacket: truncated session varint")
	}
	p.HasSession = true
	p.Session = session
	i += n

	seq, n := varint.Decode(buf[i:])
	if n == 0 {
		return nil, errors.New("audiopacket: truncated sequence varint")
	}
	p.Sequence = seq
	i += n

	for {
		if i >= len(buf) {
			return nil, errors.New("audiopacket: truncated subframe chain (missing terminator)")
		}
		header := buf[i]
		i++
		frameLen := int(header & 0x7F)
		continuation := header&0x80 != 0

		if i+frameLen > len(buf) {
			return nil, errors.New("audiopacket: truncated subframe data")
		}
		data := make([]byte, frameLen)
		copy(data, buf[i:i+frameLen])
		i += frameLen

		p.Frames = append(p.Frames, Subframe{Continuation: continuation, Data: data})
		if !continuation {
			break
		}
	}

	if len(buf)-i >= positionalAudioBytes {
		x := math.Float32frombits(binary.LittleEndian.Uint32(buf[i : i+4]))
		y := math.Float32frombits(binary.LittleEndian.Uint32(buf[i+4 : i+8]))
		z := math.Float32frombits(binary.LittleEndian.Uint32(buf[i+8 : i+12]))
		p.Positional = &Positional{X: x, Y: y, Z: z}
		i += positionalAudioBytes
	}

	return p, nil
}
