package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFormat(t *testing.T) {
	f := DefaultFormat()
	require.NoError(t, f.Validate())
	assert.Equal(t, 8, f.BytesPerFrame())
	assert.Equal(t, 8192, f.ChunkBytes())
	assert.Equal(t, "S32_LE", f.ALSASampleFormat())
	assert.InDelta(t, float64(21333*time.Microsecond), float64(f.ChunkDuration()), float64(time.Microsecond))
}

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name   string
		format Format
	}{
		{"zero rate", Format{SampleRate: 0, Channels: 2, BitDepth: 16, ChunkSamples: 1}},
		{"zero channels", Format{SampleRate: 8000, Channels: 0, BitDepth: 16, ChunkSamples: 1}},
		{"odd depth", Format{SampleRate: 8000, Channels: 1, BitDepth: 12, ChunkSamples: 1}},
		{"zero chunk", Format{SampleRate: 8000, Channels: 1, BitDepth: 16, ChunkSamples: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.format.Validate())
		})
	}
}

func TestSampleRoundTripAcrossDepths(t *testing.T) {
	for _, depth := range []int{16, 24, 32} {
		f := Format{SampleRate: 8000, Channels: 2, BitDepth: depth, ChunkSamples: 2}
		chunk := make([]byte, f.ChunkBytes())
		values := []int64{f.maxSample(), -f.maxSample() - 1, -1, 42}
		width := depth / 8
		for i, v := range values {
			f.putSample(chunk[i*width:], v)
		}
		assert.Equal(t, values[0], f.Sample(chunk, 0, 0), "depth %d", depth)
		assert.Equal(t, values[1], f.Sample(chunk, 0, 1), "depth %d", depth)
		assert.Equal(t, values[2], f.Sample(chunk, 1, 0), "depth %d", depth)
		assert.Equal(t, values[3], f.Sample(chunk, 1, 1), "depth %d", depth)
	}
}
