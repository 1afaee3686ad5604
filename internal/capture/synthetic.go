package capture

import (
	"context"
	"io"
	"math"
)

// SyntheticDriver generates a sine tone in real time. A zero frequency yields
// silence, which stands in for the device when no hardware is present.
type SyntheticDriver struct {
	Frequency float64
	// Amplitude is a fraction of full scale in (0, 1]. Zero means 0.5.
	Amplitude float64
}

func (d *SyntheticDriver) Name() string {
	if d.Frequency <= 0 {
		return "silence"
	}
	return "synthetic"
}

func (d *SyntheticDriver) Open(_ context.Context, format Format) (io.ReadCloser, error) {
	amplitude := d.Amplitude
	if amplitude <= 0 || amplitude > 1 {
		amplitude = 0.5
	}
	peak := float64(format.maxSample()) * amplitude
	step := 2 * math.Pi * d.Frequency / float64(format.SampleRate)
	width := format.BitDepth / 8
	frame := format.BytesPerFrame()
	var phase float64
	fill := func(buf []byte) {
		if d.Frequency <= 0 {
			return
		}
		for off := 0; off+frame <= len(buf); off += frame {
			v := int64(math.Round(peak * math.Sin(phase)))
			for ch := 0; ch < format.Channels; ch++ {
				format.putSample(buf[off+ch*width:], v)
			}
			phase += step
			if phase >= 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
	}
	return newPacedStream(format, fill), nil
}
