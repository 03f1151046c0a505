package codec

import (
	"errors"
	"testing"
)

type fakeVariant struct {
	abi       Version
	bitstream int32
}

func (f fakeVariant) ABIVersion() Version          { return f.abi }
func (f fakeVariant) BitstreamVersion() int32      { return f.bitstream }
func (f fakeVariant) NewEncoder() (Encoder, error) { return nil, errors.New("fakeVariant: no encoder") }
func (f fakeVariant) NewDecoder() (Decoder, error) { return nil, errors.New("fakeVariant: no decoder") }
func (f fakeVariant) Close() error                 { return nil }

// The bitstream version pair a 1.2.x server typically advertises:
// alpha=-2147483637 (0.11.0), beta=-2147483632 (0.7.0).
const (
	testAlpha = -2147483637
	testBeta  = -2147483632
)

func TestSelectExactMatch(t *testing.T) {
	r := NewRegistry()
	r.Add(fakeVariant{abi: Version0_11_0, bitstream: testAlpha})
	r.Add(fakeVariant{abi: Version0_7_0, bitstream: testBeta})

	v, ok := r.Select(testBeta)
	if !ok {
		t.Fatal("expected a match for testBeta")
	}
	if v.BitstreamVersion() != testBeta {
		t.Fatalf("Select(%d) = %d, want %d", testBeta, v.BitstreamVersion(), testBeta)
	}
}

func TestSelectFallsBackToFirst(t *testing.T) {
	r := NewRegistry()
	r.Add(fakeVariant{abi: Version0_11_0, bitstream: testAlpha})

	v, ok := r.Select(999) // no variant advertises this bitstream version
	if !ok {
		t.Fatal("expected Select to fall back to the first available variant")
	}
	if v.BitstreamVersion() != testAlpha {
		t.Fatalf("fallback variant bitstream = %d, want %d", v.BitstreamVersion(), testAlpha)
	}
}

func TestSelectNegativeOneReturnsFirst(t *testing.T) {
	r := NewRegistry()
	r.Add(fakeVariant{abi: Version0_11_0, bitstream: testAlpha})
	r.Add(fakeVariant{abi: Version0_7_0, bitstream: testBeta})

	v, ok := r.Select(-1)
	if !ok || v.BitstreamVersion() != testAlpha {
		t.Fatalf("Select(-1) = %+v, %v; want first-added variant", v, ok)
	}
}

func TestSelectEmptyRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Select(-1); ok {
		t.Fatal("Select on an empty registry should report no match")
	}
	if _, ok := r.First(); ok {
		t.Fatal("First on an empty registry should report no match")
	}
}

func TestLoadReportsEveryUnavailableVersion(t *testing.T) {
	r := NewRegistry()
	errs := r.Load(StubLoader{})
	if len(errs) != int(numKnownVersions) {
		t.Fatalf("Load with StubLoader returned %d errors, want %d", len(errs), numKnownVersions)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("error %v does not wrap ErrUnavailable", err)
		}
	}
	if _, ok := r.First(); ok {
		t.Fatal("registry should be empty after an all-unavailable Load")
	}
}

func TestAvailable(t *testing.T) {
	r := NewRegistry()
	r.Add(fakeVariant{abi: Version0_11_0, bitstream: testAlpha})
	r.Add(fakeVariant{abi: Version0_7_0, bitstream: testBeta})

	got := r.Available()
	if len(got) != 2 || got[0] != testAlpha || got[1] != testBeta {
		t.Fatalf("Available() = %v, want [%d %d]", got, testAlpha, testBeta)
	}
}
