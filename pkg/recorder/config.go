package recorder

import (
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/recordkit/livekit-recorder/pkg/codec"
	"github.com/recordkit/livekit-recorder/pkg/container"
)

// Quality selects a bitrate/resolution preset.
type Quality string

const (
	QualityLow    Quality = "low"    // 1 Mbps, 720p
	QualityMedium Quality = "medium" // 2 Mbps, 1080p
	QualityHigh   Quality = "high"   // 4 Mbps, 1080p
)

// RecordingConfig is the immutable per-session configuration resolved
// when a recording starts.
type RecordingConfig struct {
	Container  container.Format
	VideoCodec codec.VideoCodec
	AudioCodec codec.AudioCodec

	VideoBitrate int // bits per second
	AudioBitrate int
	Width        int
	Height       int
	FrameRate    int
	GOPSize      int

	Accel codec.Acceleration

	OutputDir string

	// MemoryCeiling bounds the estimated bytes queued across all frame
	// queues; frames above it are dropped at enqueue time.
	MemoryCeiling int64

	GapWarnThreshold  time.Duration
	GapFatalThreshold time.Duration
}

// DefaultMemoryCeiling is the per-recorder queued-frame memory budget.
const DefaultMemoryCeiling = 64 << 20

// ReorderDelayTicks returns the encoder reorder delay in clock ticks:
// min(10, gop/2) frame intervals at the video clock rate.
func (c RecordingConfig) ReorderDelayTicks(clockRate int) int64 {
	frames := c.GOPSize / 2
	if frames > 10 {
		frames = 10
	}
	if frames < 1 || c.FrameRate <= 0 {
		return 0
	}
	return int64(frames) * int64(clockRate) / int64(c.FrameRate)
}

// applyDefaults fills unset fields.
func (c *RecordingConfig) applyDefaults() {
	if c.Container == "" {
		c.Container = container.FormatMP4
	}
	if c.VideoCodec == "" {
		c.VideoCodec = codec.VideoH264
	}
	if c.AudioCodec == "" {
		c.AudioCodec = codec.AudioOpus
	}
	if c.VideoBitrate <= 0 {
		c.VideoBitrate = 2_000_000
	}
	if c.AudioBitrate <= 0 {
		c.AudioBitrate = 128_000
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 1920, 1080
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}
	if c.GOPSize <= 0 {
		c.GOPSize = 60
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.MemoryCeiling <= 0 {
		c.MemoryCeiling = DefaultMemoryCeiling
	}
	if c.GapWarnThreshold <= 0 {
		c.GapWarnThreshold = DefaultGapWarnThreshold
	}
	if c.GapFatalThreshold <= 0 {
		c.GapFatalThreshold = DefaultGapFatalThreshold
	}
}

// codecToFormat maps raw codec names supplied where a container format
// was expected to the codec's natural container.
var codecToFormat = map[string]container.Format{
	"h264": container.FormatMP4,
	"avc":  container.FormatMP4,
	"vp8":  container.FormatWebM,
	"opus": container.FormatMKV,
}

// formatAliases are accepted spellings of the supported containers.
var formatAliases = map[string]container.Format{
	"mp4":    container.FormatMP4,
	"fmp4":   container.FormatMP4,
	"mpegts": container.FormatMPEGTS,
	"ts":     container.FormatMPEGTS,
	"webm":   container.FormatWebM,
	"mkv":    container.FormatMKV,
}

// resolveFormat normalizes a requested format string. A raw codec name
// maps to its natural container and anything unrecognized falls back
// to mp4, both with a logged warning: a start request is never failed
// over a cosmetic naming mismatch.
func resolveFormat(format string) container.Format {
	if f, ok := formatAliases[format]; ok {
		return f
	}
	if f, ok := codecToFormat[format]; ok {
		logger.Warnw("codec name supplied as container format, using its natural container", nil,
			"requested", format, "container", f)
		return f
	}
	logger.Warnw("unrecognized container format, defaulting to mp4", nil, "requested", format)
	return container.FormatMP4
}

// ResolveConfig turns symbolic format/quality names into a validated
// RecordingConfig. Codec/container incompatibilities are corrected to
// the container's natural codecs with a warning, never surfaced as an
// error.
func ResolveConfig(format string, quality Quality) RecordingConfig {
	cfg := RecordingConfig{Container: resolveFormat(format)}

	switch quality {
	case QualityLow:
		cfg.VideoBitrate = 1_000_000
		cfg.Width, cfg.Height = 1280, 720
	case QualityHigh:
		cfg.VideoBitrate = 4_000_000
		cfg.Width, cfg.Height = 1920, 1080
	case QualityMedium, "":
		cfg.VideoBitrate = 2_000_000
		cfg.Width, cfg.Height = 1920, 1080
	default:
		logger.Warnw("unrecognized quality preset, defaulting to medium", nil, "requested", quality)
		cfg.VideoBitrate = 2_000_000
		cfg.Width, cfg.Height = 1920, 1080
	}

	cfg.applyDefaults()
	cfg.correctCompatibility()
	return cfg
}

// correctCompatibility rewrites codec choices the container cannot
// carry. WebM only takes VP8 here; the other containers only take
// H.264. Opus is valid everywhere.
func (c *RecordingConfig) correctCompatibility() {
	switch c.Container {
	case container.FormatWebM:
		if c.VideoCodec != codec.VideoVP8 {
			logger.Warnw("video codec not valid in webm, corrected", nil,
				"requested", c.VideoCodec, "corrected", codec.VideoVP8)
			c.VideoCodec = codec.VideoVP8
		}
	case container.FormatMP4, container.FormatMPEGTS:
		if c.VideoCodec != codec.VideoH264 {
			logger.Warnw("video codec not valid in container, corrected", nil,
				"container", c.Container, "requested", c.VideoCodec, "corrected", codec.VideoH264)
			c.VideoCodec = codec.VideoH264
		}
	}
	if c.AudioCodec != codec.AudioOpus {
		logger.Warnw("audio codec not supported, corrected", nil,
			"requested", c.AudioCodec, "corrected", codec.AudioOpus)
		c.AudioCodec = codec.AudioOpus
	}
}
