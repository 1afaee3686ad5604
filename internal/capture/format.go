package capture

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Format describes the PCM layout produced by a capture device. Samples are
// interleaved, little-endian and signed.
type Format struct {
	SampleRate   int
	Channels     int
	BitDepth     int
	ChunkSamples int
}

// DefaultFormat matches the device's native configuration: 48 kHz stereo,
// 32-bit samples, 1024 frames per period.
func DefaultFormat() Format {
	return Format{SampleRate: 48000, Channels: 2, BitDepth: 32, ChunkSamples: 1024}
}

// Validate rejects layouts the drivers cannot produce.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	switch f.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth %d", f.BitDepth)
	}
	if f.ChunkSamples <= 0 {
		return fmt.Errorf("chunk samples must be positive, got %d", f.ChunkSamples)
	}
	return nil
}

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// ChunkBytes is the exact size of every chunk read from a device.
func (f Format) ChunkBytes() int {
	return f.ChunkSamples * f.BytesPerFrame()
}

// ChunkDuration is the wall-clock time one chunk represents.
func (f Format) ChunkDuration() time.Duration {
	return time.Duration(f.ChunkSamples) * time.Second / time.Duration(f.SampleRate)
}

// ALSASampleFormat names the format for arecord's -f flag.
func (f Format) ALSASampleFormat() string {
	switch f.BitDepth {
	case 16:
		return "S16_LE"
	case 24:
		return "S24_3LE"
	default:
		return "S32_LE"
	}
}

func (f Format) maxSample() int64 {
	return int64(1)<<(f.BitDepth-1) - 1
}

// putSample writes v as a little-endian sample of the format's bit depth.
func (f Format) putSample(dst []byte, v int64) {
	switch f.BitDepth {
	case 16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
	case 24:
		u := uint32(int32(v))
		dst[0] = byte(u)
		dst[1] = byte(u >> 8)
		dst[2] = byte(u >> 16)
	default:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	}
}

// Sample decodes the sample at frame index i and channel ch from a chunk.
func (f Format) Sample(chunk []byte, i, ch int) int64 {
	width := f.BitDepth / 8
	off := i*f.BytesPerFrame() + ch*width
	switch f.BitDepth {
	case 16:
		return int64(int16(binary.LittleEndian.Uint16(chunk[off:])))
	case 24:
		u := uint32(chunk[off]) | uint32(chunk[off+1])<<8 | uint32(chunk[off+2])<<16
		return int64(int32(u<<8) >> 8)
	default:
		return int64(int32(binary.LittleEndian.Uint32(chunk[off:])))
	}
}
