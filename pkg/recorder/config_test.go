package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/recordkit/livekit-recorder/pkg/codec"
	"github.com/recordkit/livekit-recorder/pkg/container"
)

func TestResolveConfigPresets(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		quality Quality
		wantFmt container.Format
		bitrate int
		width   int
	}{
		{"mp4 low", "mp4", QualityLow, container.FormatMP4, 1_000_000, 1280},
		{"mp4 medium", "mp4", QualityMedium, container.FormatMP4, 2_000_000, 1920},
		{"mp4 high", "mp4", QualityHigh, container.FormatMP4, 4_000_000, 1920},
		{"mpegts", "mpegts", QualityMedium, container.FormatMPEGTS, 2_000_000, 1920},
		{"ts alias", "ts", QualityMedium, container.FormatMPEGTS, 2_000_000, 1920},
		{"webm", "webm", QualityMedium, container.FormatWebM, 2_000_000, 1920},
		{"mkv", "mkv", QualityHigh, container.FormatMKV, 4_000_000, 1920},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ResolveConfig(tt.format, tt.quality)
			assert.Equal(t, tt.wantFmt, cfg.Container)
			assert.Equal(t, tt.bitrate, cfg.VideoBitrate)
			assert.Equal(t, tt.width, cfg.Width)
		})
	}
}

func TestResolveConfigCodecNameAsFormat(t *testing.T) {
	cfg := ResolveConfig("h264", QualityMedium)
	assert.Equal(t, container.FormatMP4, cfg.Container)

	cfg = ResolveConfig("vp8", QualityMedium)
	assert.Equal(t, container.FormatWebM, cfg.Container)
	assert.Equal(t, codec.VideoVP8, cfg.VideoCodec)
}

func TestResolveConfigUnknownFormatDefaultsToMP4(t *testing.T) {
	cfg := ResolveConfig("quicktime", QualityMedium)
	assert.Equal(t, container.FormatMP4, cfg.Container)
}

func TestResolveConfigUnknownQualityDefaultsToMedium(t *testing.T) {
	cfg := ResolveConfig("mp4", Quality("ultra"))
	assert.Equal(t, 2_000_000, cfg.VideoBitrate)
	assert.Equal(t, 1920, cfg.Width)
}

func TestCompatibilityCorrection(t *testing.T) {
	// H.264 is not valid in WebM; silently corrected to VP8.
	cfg := RecordingConfig{
		Container:  container.FormatWebM,
		VideoCodec: codec.VideoH264,
	}
	cfg.applyDefaults()
	cfg.correctCompatibility()
	assert.Equal(t, codec.VideoVP8, cfg.VideoCodec)

	// VP8 is not valid in MP4/MPEG-TS.
	cfg = RecordingConfig{
		Container:  container.FormatMPEGTS,
		VideoCodec: codec.VideoVP8,
	}
	cfg.applyDefaults()
	cfg.correctCompatibility()
	assert.Equal(t, codec.VideoH264, cfg.VideoCodec)

	// MKV takes both.
	cfg = RecordingConfig{
		Container:  container.FormatMKV,
		VideoCodec: codec.VideoVP8,
	}
	cfg.applyDefaults()
	cfg.correctCompatibility()
	assert.Equal(t, codec.VideoVP8, cfg.VideoCodec)

	// Unknown audio codec corrected to opus.
	cfg = RecordingConfig{AudioCodec: codec.AudioCodec("aac")}
	cfg.applyDefaults()
	cfg.correctCompatibility()
	assert.Equal(t, codec.AudioOpus, cfg.AudioCodec)
}

func TestConfigDefaults(t *testing.T) {
	var cfg RecordingConfig
	cfg.applyDefaults()
	assert.Equal(t, container.FormatMP4, cfg.Container)
	assert.Equal(t, codec.VideoH264, cfg.VideoCodec)
	assert.Equal(t, codec.AudioOpus, cfg.AudioCodec)
	assert.Equal(t, 30, cfg.FrameRate)
	assert.Equal(t, 60, cfg.GOPSize)
	assert.EqualValues(t, DefaultMemoryCeiling, cfg.MemoryCeiling)
	assert.Equal(t, DefaultGapWarnThreshold, cfg.GapWarnThreshold)
	assert.Equal(t, DefaultGapFatalThreshold, cfg.GapFatalThreshold)
}

func TestReorderDelayTicks(t *testing.T) {
	cfg := RecordingConfig{GOPSize: 60, FrameRate: 30}
	// min(10, 60/2) = 10 frames at 90kHz/30fps.
	assert.EqualValues(t, 30000, cfg.ReorderDelayTicks(90000))

	cfg = RecordingConfig{GOPSize: 8, FrameRate: 30}
	// min(10, 4) = 4 frames.
	assert.EqualValues(t, 12000, cfg.ReorderDelayTicks(90000))

	cfg = RecordingConfig{GOPSize: 1, FrameRate: 30}
	assert.EqualValues(t, 0, cfg.ReorderDelayTicks(90000))
}
