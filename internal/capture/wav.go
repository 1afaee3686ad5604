package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVDriver loops a WAV file at the device cadence. The file's sample rate
// must match the capture format; channel count and bit depth are converted.
type WAVDriver struct {
	Path string
}

func (d *WAVDriver) Name() string {
	return "wav"
}

func (d *WAVDriver) Open(_ context.Context, format Format) (io.ReadCloser, error) {
	pcm, err := loadWAV(d.Path, format)
	if err != nil {
		return nil, err
	}
	var pos int
	fill := func(buf []byte) {
		for n := 0; n < len(buf); {
			copied := copy(buf[n:], pcm[pos:])
			n += copied
			pos = (pos + copied) % len(pcm)
		}
	}
	return newPacedStream(format, fill), nil
}

func loadWAV(path string, format Format) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if int(decoder.SampleRate) != format.SampleRate {
		return nil, fmt.Errorf("wav sample rate %d does not match capture rate %d", decoder.SampleRate, format.SampleRate)
	}
	return convertPCM(buf, format)
}

// convertPCM re-encodes decoded samples into the capture layout. Mono sources
// are duplicated across channels and multi-channel sources are truncated or
// padded with their last channel.
func convertPCM(buf *audio.IntBuffer, format Format) ([]byte, error) {
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, errors.New("wav buffer has no channel layout")
	}
	srcChannels := buf.Format.NumChannels
	frames := len(buf.Data) / srcChannels
	if frames == 0 {
		return nil, errors.New("wav file holds no audio")
	}
	srcDepth := buf.SourceBitDepth
	if srcDepth == 0 {
		srcDepth = 16
	}
	shift := format.BitDepth - srcDepth
	width := format.BitDepth / 8
	out := make([]byte, frames*format.BytesPerFrame())
	for i := 0; i < frames; i++ {
		for ch := 0; ch < format.Channels; ch++ {
			src := min(ch, srcChannels-1)
			v := int64(buf.Data[i*srcChannels+src])
			if shift > 0 {
				v <<= shift
			} else if shift < 0 {
				v >>= -shift
			}
			format.putSample(out[i*format.BytesPerFrame()+ch*width:], v)
		}
	}
	return out, nil
}
