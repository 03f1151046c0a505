package wire

import (
	"bytes"
	"errors"
	"testing"

	"mumblebot/internal/mumbleproto"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: mumbleproto.TypePing, Payload: []byte{1, 2, 3, 4, 5}}

	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: mumbleproto.TypeUDPTunnel}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != want.Type || len(got.Payload) != 0 {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: mumbleproto.Type(200), Payload: []byte("x")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, err := ReadFrame(&buf)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("ReadFrame err = %v, want ErrUnknownType", err)
	}
}

func TestReadFrameClosedOnEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadFrame err = %v, want ErrClosed", err)
	}
}

func TestSendQueueFIFOAndWake(t *testing.T) {
	q := NewSendQueue()

	if drained := q.Drain(); drained != nil {
		t.Fatalf("Drain on empty queue returned %v, want nil", drained)
	}

	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	q.Enqueue([]byte("c"))

	select {
	case <-q.Wake:
	default:
		t.Fatal("expected a pending wake after enqueueing")
	}

	// No second wake is pending (coalesced, not queued per-item).
	select {
	case <-q.Wake:
		t.Fatal("wake channel should not have a second pending signal")
	default:
	}

	drained := q.Drain()
	if len(drained) != 3 {
		t.Fatalf("Drain returned %d items, want 3", len(drained))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(drained[i]) != want {
			t.Fatalf("drained[%d] = %q, want %q", i, drained[i], want)
		}
	}

	if drained := q.Drain(); drained != nil {
		t.Fatalf("second Drain returned %v, want nil", drained)
	}
}
