package main

import (
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/Normola/AudioPirate/internal/capture"
	"github.com/Normola/AudioPirate/internal/config"
)

const (
	defaultALSACommand   = "arecord"
	defaultSyntheticTone = 440.0
)

var lookPath = exec.LookPath

func captureFormat(cfg config.CaptureConfig) capture.Format {
	return capture.Format{
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		BitDepth:     cfg.BitDepth,
		ChunkSamples: cfg.ChunkSamples,
	}
}

// newCaptureDriver resolves the configured driver. "auto" uses ALSA when
// arecord is installed and streams silence otherwise, so the server still
// runs on machines without audio hardware.
func newCaptureDriver(cfg config.CaptureConfig, logger *slog.Logger) (capture.Driver, error) {
	switch cfg.Driver {
	case "alsa":
		return alsaDriver(cfg, logger), nil
	case "wav":
		return &capture.WAVDriver{Path: cfg.WAVPath}, nil
	case "synthetic":
		frequency := cfg.Frequency
		if frequency <= 0 {
			frequency = defaultSyntheticTone
		}
		return &capture.SyntheticDriver{Frequency: frequency, Amplitude: cfg.Amplitude}, nil
	case "silence":
		return &capture.SyntheticDriver{}, nil
	case "auto", "":
		command := cfg.Command
		if command == "" {
			command = defaultALSACommand
		}
		if _, err := lookPath(command); err != nil {
			logger.Warn("capture tool not found, streaming silence", "command", command, "error", err)
			return &capture.SyntheticDriver{}, nil
		}
		return alsaDriver(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported capture driver %q", cfg.Driver)
	}
}

func alsaDriver(cfg config.CaptureConfig, logger *slog.Logger) *capture.ALSADriver {
	return &capture.ALSADriver{
		Devices: cfg.Devices,
		Command: cfg.Command,
		Logger:  logger,
	}
}
