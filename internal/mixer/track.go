package mixer

import "mumblebot/internal/codec"

// track is one speaking session's position in the shared ring, plus its own
// CELT decoder instance. CELT decoders are stateful (inter-frame
// prediction), so mixing two speakers through one decoder would corrupt
// both streams; every track owns and never shares its decoder.
type track struct {
	session uint32

	anchor    int64  // logical ring index this track's bookkeeping is anchored to
	anchorSeq uint64 // the packet sequence number recorded at that anchor

	variant codec.Variant
	decoder codec.Decoder
}

// logicalIndex returns the ring index the i-th decoded frame of a packet
// carrying the given sequence number lands at: the track's anchor, offset
// by how far the sequence has advanced since the anchor was set.
func (t *track) logicalIndex(sequence uint64, i int) int64 {
	return t.anchor + int64(i) + int64(sequence) - int64(t.anchorSeq)
}
