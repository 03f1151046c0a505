package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInt16ToFloat32Range(t *testing.T) {
	out := int16ToFloat32([]int16{0, 32767, -32768})
	assert.InDelta(t, 0, out[0], 1e-9)
	assert.InDelta(t, 1.0, out[1], 1e-3)
	assert.InDelta(t, -1.0, out[2], 1e-3)
}
