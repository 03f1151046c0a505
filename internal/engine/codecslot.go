package engine

import (
	"mumblebot/internal/audiopacket"
	"mumblebot/internal/codec"
)

// CodecSlot is which of the server's two advertised CELT codec ids
// (alpha/beta) the client is currently encoding with.
type CodecSlot struct {
	Alpha, Beta int32 // -1 means "not in use"
	Active      audiopacket.Type
}

// SelectCodecSlot picks which advertised codec id to encode with: prefer
// alpha when the server does and the registry has it; otherwise fall back to
// beta, then to alpha regardless of preference, then finally give up and pin
// alpha with both ids marked unavailable. ok is false only in that last case,
// signalling "no matching CELT codec with other clients".
func SelectCodecSlot(reg *codec.Registry, alpha, beta int32, preferAlpha bool) (slot CodecSlot, ok bool) {
	switch {
	case preferAlpha && reg.Has(alpha):
		return CodecSlot{Alpha: alpha, Beta: -1, Active: audiopacket.TypeCeltAlpha}, true
	case reg.Has(beta):
		return CodecSlot{Alpha: -1, Beta: beta, Active: audiopacket.TypeCeltBeta}, true
	case !preferAlpha && reg.Has(alpha):
		return CodecSlot{Alpha: alpha, Beta: -1, Active: audiopacket.TypeCeltAlpha}, true
	default:
		return CodecSlot{Alpha: -1, Beta: -1, Active: audiopacket.TypeCeltAlpha}, false
	}
}
