package recorder

import (
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
)

// Native RTP-style timestamps are 32-bit and wrap; the clock unwraps
// them by picking the candidate nearest the previous value.
const rtpTimestampModulus = int64(1) << 32

// jitterWindowSize bounds the retained clamp-magnitude samples.
const jitterWindowSize = 100

// Gap thresholds on native-timestamp deltas: a gap above the warn
// threshold is logged, a gap above the fatal threshold signals the
// recorder to stop. An unrecoverable network stall is better reported
// than waited out indefinitely.
const (
	DefaultGapWarnThreshold  = 10 * time.Second
	DefaultGapFatalThreshold = 60 * time.Second
)

// GapSeverity classifies the native-timestamp gap observed between two
// consecutive frames of one track.
type GapSeverity int

const (
	GapNone GapSeverity = iota
	GapWarn
	GapFatal
)

// trackClock is the per-track state of the media clock.
type trackClock struct {
	kind          TrackKind
	clockRate     int64
	reorderDelay  int64 // ticks withheld from DTS
	firstNative   uint32
	firstWallTime time.Time

	lastDelta      int64 // last unwrapped native delta
	lastPTS        int64
	lastDTS        int64
	hasDTS         bool
	wrapCount      int
	samplesWritten int64 // audio only
	started        bool
}

// MediaClock maps native track timestamps to monotonic container
// timestamps. One clock per recording; both tracks share it so their
// zero points land in the same wall-clock neighborhood, which is what
// provides A/V sync in the output file.
//
// Monotonicity is enforced, not merely observed: a PTS that would not
// exceed the track's previous PTS is clamped to previous+1 and the
// clamp magnitude is recorded as a jitter sample.
type MediaClock struct {
	mu       sync.Mutex
	tracks   map[string]*trackClock
	jitter   []int64
	clamps   uint64
	gapWarn  time.Duration
	gapFatal time.Duration
}

// MediaClockOptions tunes gap detection. Zero values select defaults.
type MediaClockOptions struct {
	GapWarnThreshold  time.Duration
	GapFatalThreshold time.Duration
}

// NewMediaClock creates an empty clock.
func NewMediaClock(opts MediaClockOptions) *MediaClock {
	if opts.GapWarnThreshold <= 0 {
		opts.GapWarnThreshold = DefaultGapWarnThreshold
	}
	if opts.GapFatalThreshold <= 0 {
		opts.GapFatalThreshold = DefaultGapFatalThreshold
	}
	return &MediaClock{
		tracks:   make(map[string]*trackClock),
		gapWarn:  opts.GapWarnThreshold,
		gapFatal: opts.GapFatalThreshold,
	}
}

// RegisterTrack establishes the zero point for a track. clockRate is
// 90000 for video, the sample rate for audio. reorderDelay, in clock
// ticks, is withheld from video DTS to leave room for encoder
// reordering; it is ignored for audio.
func (c *MediaClock) RegisterTrack(trackID string, kind TrackKind, clockRate int, reorderDelay int64, firstNative uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks[trackID] = &trackClock{
		kind:          kind,
		clockRate:     int64(clockRate),
		reorderDelay:  reorderDelay,
		firstNative:   firstNative,
		firstWallTime: time.Now(),
	}
}

// Registered reports whether a track has been registered.
func (c *MediaClock) Registered(trackID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracks[trackID]
	return ok
}

// unwrap picks the representation of delta nearest prev among delta,
// delta-modulus and delta+modulus, correcting for 32-bit rollover.
func unwrap(delta, prev int64) int64 {
	best := delta
	bestDist := abs64(delta - prev)
	for _, cand := range []int64{delta - rtpTimestampModulus, delta + rtpTimestampModulus} {
		if d := abs64(cand - prev); d < bestDist {
			best = cand
			bestDist = d
		}
	}
	return best
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ToPTS maps a native video timestamp to a strictly-monotonic PTS in
// the track's clock units and reports any arrival gap.
func (c *MediaClock) ToPTS(trackID string, native uint32) (int64, GapSeverity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tracks[trackID]
	if !ok {
		return 0, GapNone, fmt.Errorf("media clock: track %q not registered", trackID)
	}

	delta := int64(native) - int64(tc.firstNative)
	if delta < 0 {
		delta += rtpTimestampModulus
	}
	if tc.started {
		unwrapped := unwrap(delta, tc.lastDelta)
		if unwrapped != delta {
			tc.wrapCount++
		}
		delta = unwrapped
	}

	gap := c.gapSeverityLocked(tc, trackID, delta)

	pts := delta
	if tc.started && pts <= tc.lastPTS {
		c.recordJitterLocked(tc.lastPTS + 1 - pts)
		pts = tc.lastPTS + 1
	}

	tc.lastDelta = delta
	tc.lastPTS = pts
	tc.started = true
	return pts, gap, nil
}

// ToDTS derives the decode timestamp for a video PTS: the PTS minus the
// reorder delay, floored at zero and kept monotonic against the
// previous DTS.
func (c *MediaClock) ToDTS(trackID string, pts int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tracks[trackID]
	if !ok {
		return 0, fmt.Errorf("media clock: track %q not registered", trackID)
	}

	dts := pts - tc.reorderDelay
	if dts < 0 {
		dts = 0
	}
	if tc.hasDTS && dts <= tc.lastDTS {
		dts = tc.lastDTS + 1
	}
	if dts > pts {
		dts = pts
	}
	tc.lastDTS = dts
	tc.hasDTS = true
	return dts, nil
}

// AudioPTS returns the PTS for an audio frame and advances the sample
// counter. Audio PTS is the cumulative samples written, independent of
// arrival timing: this keeps audio perfectly smooth under input jitter
// at the cost of drifting from wall time only under sustained loss.
// The native timestamp is still observed for gap detection.
func (c *MediaClock) AudioPTS(trackID string, native uint32, samples int) (int64, GapSeverity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tracks[trackID]
	if !ok {
		return 0, GapNone, fmt.Errorf("media clock: track %q not registered", trackID)
	}

	delta := int64(native) - int64(tc.firstNative)
	if delta < 0 {
		delta += rtpTimestampModulus
	}
	if tc.started {
		delta = unwrap(delta, tc.lastDelta)
	}
	gap := c.gapSeverityLocked(tc, trackID, delta)
	tc.lastDelta = delta
	tc.started = true

	pts := tc.samplesWritten
	tc.samplesWritten += int64(samples)
	tc.lastPTS = pts
	tc.lastDTS = pts
	tc.hasDTS = true
	return pts, gap, nil
}

func (c *MediaClock) gapSeverityLocked(tc *trackClock, trackID string, delta int64) GapSeverity {
	if !tc.started {
		return GapNone
	}
	gapTicks := delta - tc.lastDelta
	if gapTicks <= 0 {
		return GapNone
	}
	gapDur := time.Duration(gapTicks) * time.Second / time.Duration(tc.clockRate)
	switch {
	case gapDur >= c.gapFatal:
		logger.Errorw("frame gap exceeds hard threshold, stopping", nil,
			"trackID", trackID, "gap", gapDur)
		return GapFatal
	case gapDur >= c.gapWarn:
		logger.Warnw("frame gap detected", nil, "trackID", trackID, "gap", gapDur)
		return GapWarn
	}
	return GapNone
}

func (c *MediaClock) recordJitterLocked(magnitude int64) {
	c.clamps++
	if len(c.jitter) == jitterWindowSize {
		copy(c.jitter, c.jitter[1:])
		c.jitter[len(c.jitter)-1] = magnitude
		return
	}
	c.jitter = append(c.jitter, magnitude)
}

// JitterSamples returns a copy of the retained clamp magnitudes, newest
// last. The window holds at most the last 100 samples.
func (c *MediaClock) JitterSamples() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.jitter))
	copy(out, c.jitter)
	return out
}

// ClampCount returns the total number of monotonicity clamps applied.
func (c *MediaClock) ClampCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clamps
}

// WrapCount returns the rollover corrections applied for a track.
func (c *MediaClock) WrapCount(trackID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok := c.tracks[trackID]; ok {
		return tc.wrapCount
	}
	return 0
}
