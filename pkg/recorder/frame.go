package recorder

import (
	"fmt"
	"sync/atomic"

	"github.com/recordkit/livekit-recorder/pkg/codec"
)

// TrackKind distinguishes the two recordable track types.
type TrackKind int

const (
	KindVideo TrackKind = iota
	KindAudio
)

func (k TrackKind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Frame is the unit moved through a BoundedFrameQueue: a tagged union
// of exactly one video or one audio frame, resolved once at read time
// so downstream stages never re-inspect the track type.
type Frame struct {
	Kind  TrackKind
	Video *codec.VideoFrame
	Audio *codec.AudioFrame
}

// Size returns the payload size in bytes, used by the backpressure
// estimator.
func (f *Frame) Size() int {
	if f.Kind == KindAudio {
		return len(f.Audio.Data)
	}
	return f.Video.Size()
}

// TrackContext identifies one subscribed remote track for the lifetime
// of a recording. The underlying track handle stays owned by the media
// session; the context only references it. Counters are updated by the
// encode loop and read concurrently by status queries.
type TrackContext struct {
	TrackID string
	Kind    TrackKind

	// Video is non-nil for video tracks, Audio for audio tracks.
	Video VideoSource
	Audio AudioSource

	frameCount atomic.Uint64
	lastPTS    atomic.Int64
	lastDTS    atomic.Int64
	active     atomic.Bool
}

// NewTrackContext builds the context for a confirmed-subscribed track.
func NewTrackContext(participantID string, kind TrackKind, video VideoSource, audio AudioSource) *TrackContext {
	tc := &TrackContext{
		TrackID: fmt.Sprintf("%s_%s", participantID, kind),
		Kind:    kind,
		Video:   video,
		Audio:   audio,
	}
	tc.active.Store(true)
	return tc
}

// FrameCount returns the number of frames encoded for this track.
func (tc *TrackContext) FrameCount() uint64 { return tc.frameCount.Load() }

// LastPTS returns the last presentation timestamp written, in the
// track's native clock units.
func (tc *TrackContext) LastPTS() int64 { return tc.lastPTS.Load() }

// LastDTS returns the last decode timestamp written.
func (tc *TrackContext) LastDTS() int64 { return tc.lastDTS.Load() }

// Active reports whether the track is still being recorded.
func (tc *TrackContext) Active() bool { return tc.active.Load() }

func (tc *TrackContext) recordWrite(pts, dts int64) {
	tc.frameCount.Add(1)
	tc.lastPTS.Store(pts)
	tc.lastDTS.Store(dts)
}

func (tc *TrackContext) deactivate() { tc.active.Store(false) }
