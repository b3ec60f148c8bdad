package recorder

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/recordkit/livekit-recorder/pkg/codec"
	"github.com/recordkit/livekit-recorder/pkg/container"
)

// Flush cadence: whichever comes first, a fixed frame count (about half
// a second of video at 30 fps) or a wall interval. Periodic flushing is
// what keeps a crash mid-recording from losing the whole file: the
// output is playable up to the last flushed packet.
const (
	flushFrameInterval = 15
	flushWallInterval  = 500 * time.Millisecond
)

const videoClockRate = 90000

// mediaWriter owns the encoders and the container for one recording.
// Initialization is lazy, triggered by the first frame, because the
// true dimensions and sample rate are only known once data arrives.
// All methods run on the recorder's single encode goroutine; the mutex
// only guards the initialized flag against concurrent Status reads.
type mediaWriter struct {
	cfg      RecordingConfig
	path     string
	clock    *MediaClock
	stats    *RecordingStats
	hasVideo bool
	hasAudio bool

	mu          sync.Mutex
	initialized bool

	out      container.Writer
	videoEnc codec.VideoEncoder
	audioEnc codec.AudioEncoder

	videoTrackID string
	audioTrackID string

	framesSinceFlush int
	lastFlush        time.Time

	// onStall is invoked once when the zero-packet streak crosses the
	// warning threshold, letting the recorder request a keyframe.
	onStall func()
}

func newMediaWriter(cfg RecordingConfig, path string, clock *MediaClock, stats *RecordingStats, tracks []*TrackContext) *mediaWriter {
	w := &mediaWriter{
		cfg:       cfg,
		path:      path,
		clock:     clock,
		stats:     stats,
		lastFlush: time.Now(),
	}
	for _, tc := range tracks {
		switch tc.Kind {
		case KindVideo:
			w.hasVideo = true
			w.videoTrackID = tc.TrackID
		case KindAudio:
			w.hasAudio = true
			w.audioTrackID = tc.TrackID
		}
	}
	return w
}

// Initialized reports whether the container has been opened.
func (w *mediaWriter) Initialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialized
}

// initialize opens the container and constructs the encoders. The
// first video frame supplies the real geometry and parameter sets;
// when the trigger frame is audio, video falls back to the configured
// geometry (audio parameters are static for Opus).
func (w *mediaWriter) initialize(trigger *Frame) error {
	w.mu.Lock()
	if w.initialized {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	var video *container.VideoTrack
	var audio *container.AudioTrack

	if w.hasVideo {
		video = &container.VideoTrack{
			Codec:     w.cfg.VideoCodec,
			ClockRate: videoClockRate,
			Width:     w.cfg.Width,
			Height:    w.cfg.Height,
		}
		if trigger.Kind == KindVideo {
			if f := trigger.Video; f.Width > 0 && f.Height > 0 {
				video.Width, video.Height = f.Width, f.Height
			}
			if w.cfg.VideoCodec == codec.VideoH264 {
				video.SPS, video.PPS = codec.ExtractH264Params(trigger.Video.AU)
			}
		}
	}
	if w.hasAudio {
		audio = &container.AudioTrack{
			Codec:      w.cfg.AudioCodec,
			SampleRate: 48000,
			Channels:   2,
		}
		if trigger.Kind == KindAudio {
			audio.SampleRate = trigger.Audio.SampleRate
			audio.Channels = trigger.Audio.Channels
		}
	}

	if video != nil {
		enc, err := w.newVideoEncoder(video.Width, video.Height)
		if err != nil {
			return err
		}
		w.videoEnc = enc
	}
	if audio != nil {
		enc, err := codec.NewAudioEncoder(codec.AudioConfig{
			Codec:      w.cfg.AudioCodec,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			Bitrate:    w.cfg.AudioBitrate,
			Accel:      w.cfg.Accel,
		})
		if err != nil {
			w.closeEncoders()
			return err
		}
		w.audioEnc = enc
	}

	out, err := container.NewWriter(w.cfg.Container, w.path, video, audio)
	if err != nil {
		w.closeEncoders()
		return fmt.Errorf("open container: %w", err)
	}
	w.out = out

	w.mu.Lock()
	w.initialized = true
	w.mu.Unlock()

	logger.Infow("container writer initialized",
		"path", w.path, "format", w.cfg.Container,
		"video", video != nil, "audio", audio != nil)
	return nil
}

// newVideoEncoder constructs the video encoder, retrying once with the
// software path when hardware initialization fails.
func (w *mediaWriter) newVideoEncoder(width, height int) (codec.VideoEncoder, error) {
	cfg := codec.VideoConfig{
		Codec:   w.cfg.VideoCodec,
		Width:   width,
		Height:  height,
		Bitrate: w.cfg.VideoBitrate,
		GOPSize: w.cfg.GOPSize,
		Accel:   w.cfg.Accel,
	}
	enc, err := codec.NewVideoEncoder(cfg)
	if err == nil {
		return enc, nil
	}
	if codec.KindOf(err) != codec.KindHardwareInit {
		return nil, err
	}
	logger.Warnw("hardware encoder initialization failed, retrying with software", err,
		"codec", cfg.Codec)
	cfg.Accel = codec.AccelSoftware
	return codec.NewVideoEncoder(cfg)
}

// writeVideo encodes and muxes one video frame.
func (w *mediaWriter) writeVideo(tc *TrackContext, frame *codec.VideoFrame) (GapSeverity, error) {
	f := &Frame{Kind: KindVideo, Video: frame}
	if err := w.initialize(f); err != nil {
		return GapNone, err
	}

	if !w.clock.Registered(tc.TrackID) {
		w.clock.RegisterTrack(tc.TrackID, KindVideo, videoClockRate,
			w.cfg.ReorderDelayTicks(videoClockRate), frame.Timestamp)
	}

	pts, gap, err := w.clock.ToPTS(tc.TrackID, frame.Timestamp)
	if err != nil {
		return gap, err
	}
	dts, err := w.clock.ToDTS(tc.TrackID, pts)
	if err != nil {
		return gap, err
	}

	pkts, err := w.videoEnc.Encode(frame, pts, dts)
	if err != nil {
		return gap, fmt.Errorf("encode video: %w", err)
	}
	if w.stats.notePackets(len(pkts)) {
		logger.Warnw("encoder produced no packets for an extended run", nil,
			"trackID", tc.TrackID, "streak", w.stats.ZeroPacketStreak.Load())
		if w.onStall != nil {
			w.onStall()
		}
	}
	for i := range pkts {
		if err := w.out.WriteVideo(&pkts[i]); err != nil {
			return gap, fmt.Errorf("mux video: %w", err)
		}
	}

	tc.recordWrite(pts, dts)
	w.stats.VideoFramesWritten.Add(1)
	w.framesSinceFlush++
	return gap, w.maybeFlush()
}

// writeAudio encodes and muxes one audio frame.
func (w *mediaWriter) writeAudio(tc *TrackContext, frame *codec.AudioFrame) (GapSeverity, error) {
	f := &Frame{Kind: KindAudio, Audio: frame}
	if err := w.initialize(f); err != nil {
		return GapNone, err
	}

	if !w.clock.Registered(tc.TrackID) {
		w.clock.RegisterTrack(tc.TrackID, KindAudio, frame.SampleRate, 0, frame.Timestamp)
	}

	pts, gap, err := w.clock.AudioPTS(tc.TrackID, frame.Timestamp, frame.Samples)
	if err != nil {
		return gap, err
	}

	pkts, err := w.audioEnc.Encode(frame, pts)
	if err != nil {
		return gap, fmt.Errorf("encode audio: %w", err)
	}
	w.stats.notePackets(len(pkts))
	for i := range pkts {
		if err := w.out.WriteAudio(&pkts[i]); err != nil {
			return gap, fmt.Errorf("mux audio: %w", err)
		}
	}

	tc.recordWrite(pts, pts)
	w.stats.AudioFramesWritten.Add(1)
	return gap, w.maybeFlush()
}

// maybeFlush performs the periodic forced flush.
func (w *mediaWriter) maybeFlush() error {
	if w.framesSinceFlush < flushFrameInterval && time.Since(w.lastFlush) < flushWallInterval {
		return nil
	}
	return w.flush()
}

// flushIfStale applies the wall-interval flush when no frame write has
// driven maybeFlush recently, so buffered samples do not sit unflushed
// while the tracks idle. No-op before the first frame.
func (w *mediaWriter) flushIfStale() error {
	if w.out == nil || time.Since(w.lastFlush) < flushWallInterval {
		return nil
	}
	return w.flush()
}

// flush drains buffered encoder packets and forces the container to
// make everything written so far decodable.
func (w *mediaWriter) flush() error {
	if err := w.drainEncoders(); err != nil {
		return err
	}
	if err := w.out.Flush(); err != nil {
		return fmt.Errorf("container flush: %w", err)
	}
	w.framesSinceFlush = 0
	w.lastFlush = time.Now()
	w.stats.EncoderFlushCount.Add(1)
	return nil
}

func (w *mediaWriter) drainEncoders() error {
	if w.videoEnc != nil {
		pkts, err := w.videoEnc.Flush()
		if err != nil {
			return fmt.Errorf("video encoder flush: %w", err)
		}
		for i := range pkts {
			if err := w.out.WriteVideo(&pkts[i]); err != nil {
				return fmt.Errorf("mux video: %w", err)
			}
		}
		w.stats.PacketsWritten.Add(uint64(len(pkts)))
	}
	if w.audioEnc != nil {
		pkts, err := w.audioEnc.Flush()
		if err != nil {
			return fmt.Errorf("audio encoder flush: %w", err)
		}
		for i := range pkts {
			if err := w.out.WriteAudio(&pkts[i]); err != nil {
				return fmt.Errorf("mux audio: %w", err)
			}
		}
		w.stats.PacketsWritten.Add(uint64(len(pkts)))
	}
	return nil
}

// Close performs the final flush and finalizes the container. A flush
// failing with resource exhaustion is retried once after forcing a
// reclamation pass; a timestamp-range overflow at close is logged and
// tolerated, since the file on disk is likely still valid. The
// partially-written file is always preserved.
func (w *mediaWriter) Close() error {
	w.mu.Lock()
	initialized := w.initialized
	w.mu.Unlock()
	if !initialized {
		return nil
	}

	err := w.flush()
	if err != nil && codec.KindOf(err) == codec.KindResourceExhausted {
		logger.Warnw("final flush hit resource exhaustion, retrying after reclamation", err)
		debug.FreeOSMemory()
		err = w.flush()
	}
	if err != nil {
		logger.Errorw("final flush failed, preserving partial file", err, "path", w.path)
	}

	closeErr := w.out.Close()
	if closeErr != nil && codec.KindOf(closeErr) == codec.KindTimestampOverflow {
		logger.Warnw("container timestamp range exceeded at close, file likely still valid",
			closeErr, "path", w.path)
		closeErr = nil
	}

	w.closeEncoders()

	if err != nil {
		return err
	}
	return closeErr
}

func (w *mediaWriter) closeEncoders() {
	if w.videoEnc != nil {
		if err := w.videoEnc.Close(); err != nil {
			logger.Warnw("video encoder close failed", err)
		}
		w.videoEnc = nil
	}
	if w.audioEnc != nil {
		if err := w.audioEnc.Close(); err != nil {
			logger.Warnw("audio encoder close failed", err)
		}
		w.audioEnc = nil
	}
}
