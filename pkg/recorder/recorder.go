// Package recorder records live media sessions to container files.
//
// A Recorder drives one recording: it subscribes the target
// participant's tracks, pumps frames through per-track bounded queues
// into a single encode-and-mux loop, and produces a durable container
// file with monotonic timestamps. The Service orchestrates concurrent
// recordings keyed by stream id.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/logger"
	"golang.org/x/sync/errgroup"
)

// StopReason records why a recording reached StateStopped.
type StopReason string

const (
	ReasonNone         StopReason = ""
	ReasonRequested    StopReason = "requested"
	ReasonNetworkStall StopReason = "network_stall"
	ReasonError        StopReason = "error"
)

// Pump timing knobs. The encode loop polls each queue with a short
// timeout and then drains it in batches, so an idle track never holds
// back a busy one for long.
const (
	queuePollTimeout  = 5 * time.Millisecond
	queueDrainBatch   = 16
	defaultDrainLimit = 2 * time.Second
)

// ErrNotConnected is returned by Start when the underlying session is
// not connected.
var ErrNotConnected = errors.New("media session is not connected")

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	StreamID string
	Config   RecordingConfig

	// Session is the established media session to record from.
	Session MediaSession

	// OwnsSession makes the Recorder disconnect the session after it
	// fully stops. Set when the session was dialed solely for this
	// recording.
	OwnsSession bool

	// ParticipantIdentity targets a specific publisher; empty records
	// the first participant publishing tracks.
	ParticipantIdentity string

	// DrainLimit bounds the residual-queue drain on stop.
	DrainLimit time.Duration

	// SubscribeTimeout bounds the track discovery window.
	SubscribeTimeout time.Duration
}

// Recorder runs one recording session: a forward-only state machine
// from Disconnected to Stopped, one reader goroutine per subscribed
// track, and one encode goroutine draining the bounded queues.
type Recorder struct {
	recordingID string
	streamID    string
	cfg         RecordingConfig
	session     MediaSession
	ownsSession bool
	identity    string
	drainLimit  time.Duration
	subTimeout  time.Duration

	state atomic.Int32

	mu      sync.Mutex
	reason  StopReason
	lastErr error

	clock  *MediaClock
	stats  *RecordingStats
	writer *mediaWriter
	tracks []*TrackContext
	queues []*BoundedFrameQueue

	readerCancel context.CancelFunc
	readers      *errgroup.Group
	pumpsStarted bool
	drainStart   chan struct{}
	encodeDone   chan struct{}
	stoppedCh    chan struct{}
	teardownOnce sync.Once

	outputPath string
	startedAt  time.Time

	// avgFrameSize is an EWMA of recent frame payload sizes, the basis
	// of the backpressure memory estimate.
	avgFrameSize atomic.Int64
}

// NewRecorder creates a Recorder in StateDisconnected.
func NewRecorder(opts RecorderOptions) (*Recorder, error) {
	if opts.StreamID == "" {
		return nil, errors.New("stream id is required")
	}
	if opts.Session == nil {
		return nil, errors.New("media session is required")
	}

	cfg := opts.Config
	cfg.applyDefaults()
	cfg.correctCompatibility()

	drainLimit := opts.DrainLimit
	if drainLimit <= 0 {
		drainLimit = defaultDrainLimit
	}

	r := &Recorder{
		recordingID: uuid.NewString(),
		streamID:    opts.StreamID,
		cfg:         cfg,
		session:     opts.Session,
		ownsSession: opts.OwnsSession,
		identity:    opts.ParticipantIdentity,
		drainLimit:  drainLimit,
		subTimeout:  opts.SubscribeTimeout,
		clock: NewMediaClock(MediaClockOptions{
			GapWarnThreshold:  cfg.GapWarnThreshold,
			GapFatalThreshold: cfg.GapFatalThreshold,
		}),
		stats:      &RecordingStats{},
		drainStart: make(chan struct{}),
		encodeDone: make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
	r.state.Store(int32(StateDisconnected))
	return r, nil
}

// RecordingID returns the unique id assigned to this recording.
func (r *Recorder) RecordingID() string { return r.recordingID }

// StreamID returns the stream this recording captures.
func (r *Recorder) StreamID() string { return r.streamID }

// State returns the current lifecycle state.
func (r *Recorder) State() RecordingState {
	return RecordingState(r.state.Load())
}

// OutputPath returns the output file path, set once Start reaches
// StateSubscribed.
func (r *Recorder) OutputPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputPath
}

// transition moves the state machine one step forward, rejecting
// anything else.
func (r *Recorder) transition(next RecordingState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := RecordingState(r.state.Load())
	if !cur.canTransitionTo(next) {
		return fmt.Errorf("invalid state transition %s -> %s", cur, next)
	}
	r.state.Store(int32(next))
	logger.Infow("recording state changed",
		"streamID", r.streamID, "from", cur, "to", next)
	return nil
}

// Start drives the state machine to StateRecording and launches the
// pumps. Any failure before StateRecording aborts to StateStopped with
// full cleanup and is returned to the caller; errors after that are
// reported through Status.
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.transition(StateConnecting); err != nil {
		return err
	}
	if !r.session.IsConnected() {
		return r.abortStart(ErrNotConnected)
	}
	if err := r.transition(StateConnected); err != nil {
		return r.abortStart(err)
	}

	if err := r.transition(StateSubscribing); err != nil {
		return r.abortStart(err)
	}
	sm := NewSubscriptionManager(r.session, SubscriptionManagerOptions{
		ParticipantIdentity: r.identity,
		SubscribeTimeout:    r.subTimeout,
	})
	tracks, err := sm.Subscribe(ctx)
	if err != nil {
		return r.abortStart(fmt.Errorf("track subscription: %w", err))
	}
	r.mu.Lock()
	r.tracks = tracks
	r.mu.Unlock()
	if err := r.transition(StateSubscribed); err != nil {
		return r.abortStart(err)
	}

	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return r.abortStart(fmt.Errorf("create output directory: %w", err))
	}
	r.mu.Lock()
	r.outputPath = filepath.Join(r.cfg.OutputDir, fmt.Sprintf("%s_%s%s",
		r.streamID, time.Now().Format("20060102_150405"), r.cfg.Container.Extension()))

	// Container initialization stays deferred until the first frame.
	r.writer = newMediaWriter(r.cfg, r.outputPath, r.clock, r.stats, r.tracks)
	r.writer.onStall = r.requestKeyframe

	r.queues = make([]*BoundedFrameQueue, len(r.tracks))
	for i, tc := range r.tracks {
		capacity := DefaultVideoQueueCapacity
		if tc.Kind == KindAudio {
			capacity = DefaultAudioQueueCapacity
		}
		r.queues[i] = NewBoundedFrameQueue(capacity)
	}
	r.mu.Unlock()

	if err := r.transition(StateRecording); err != nil {
		return r.abortStart(err)
	}
	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()

	readerCtx, cancel := context.WithCancel(context.Background())
	r.readerCancel = cancel
	r.readers, _ = errgroup.WithContext(readerCtx)
	for i := range r.tracks {
		tc, q := r.tracks[i], r.queues[i]
		r.readers.Go(func() error {
			return r.readTrack(readerCtx, tc, q)
		})
	}
	r.pumpsStarted = true
	go r.encodeLoop()
	go r.supervise()

	logger.Infow("recording started",
		"streamID", r.streamID, "recordingID", r.recordingID,
		"path", r.outputPath, "tracks", len(r.tracks))
	return nil
}

// abortStart converts a pre-Recording failure into a clean terminal
// state. Partial initialization must never leak a half-open container
// or an orphaned goroutine.
func (r *Recorder) abortStart(err error) error {
	r.mu.Lock()
	r.reason = ReasonError
	r.lastErr = err
	r.mu.Unlock()
	r.teardown(ReasonError)
	return err
}

// readTrack pumps frames from one track into its queue until the
// context is cancelled or the track ends.
func (r *Recorder) readTrack(ctx context.Context, tc *TrackContext, q *BoundedFrameQueue) error {
	for {
		var f *Frame
		switch tc.Kind {
		case KindVideo:
			vf, err := tc.Video.NextFrame(ctx)
			if err != nil {
				return r.readerExit(tc, err)
			}
			r.stats.VideoFramesReceived.Add(1)
			f = &Frame{Kind: KindVideo, Video: vf}
		case KindAudio:
			af, err := tc.Audio.NextFrame(ctx)
			if err != nil {
				return r.readerExit(tc, err)
			}
			r.stats.AudioFramesReceived.Add(1)
			f = &Frame{Kind: KindAudio, Audio: af}
		}
		r.enqueue(q, f)
	}
}

func (r *Recorder) readerExit(tc *TrackContext, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, io.EOF):
		logger.Infow("track ended", "trackID", tc.TrackID)
	default:
		logger.Warnw("track read failed", err, "trackID", tc.TrackID)
	}
	tc.deactivate()
	return nil
}

// enqueue admits a frame unless the estimated queued memory would
// exceed the ceiling, in which case the frame is dropped here rather
// than buffered. This is the single mechanism bounding pipeline memory
// when the encode loop falls behind.
func (r *Recorder) enqueue(q *BoundedFrameQueue, f *Frame) {
	size := int64(f.Size())

	// EWMA with 1/16 weight on the new sample.
	avg := r.avgFrameSize.Load()
	if avg == 0 {
		avg = size
	} else {
		avg += (size - avg) / 16
	}
	r.avgFrameSize.Store(avg)

	queued := int64(1)
	for _, qq := range r.queues {
		queued += int64(qq.Size())
	}
	if avg*queued > r.cfg.MemoryCeiling {
		r.stats.DroppedBackpressure.Add(1)
		return
	}
	q.Put(f)
}

// encodeLoop is the single consumer of all queues: round-robin with a
// short per-queue timeout so no track starves another.
func (r *Recorder) encodeLoop() {
	defer close(r.encodeDone)
	for {
		select {
		case <-r.drainStart:
			r.drain()
			return
		default:
		}
		idle := true
		for i, q := range r.queues {
			f := q.Get(queuePollTimeout)
			if f == nil {
				continue
			}
			idle = false
			if r.writeFrame(r.tracks[i], f) {
				return
			}
			for n := 1; n < queueDrainBatch; n++ {
				if f = q.Get(0); f == nil {
					break
				}
				if r.writeFrame(r.tracks[i], f) {
					return
				}
			}
		}
		if idle {
			if err := r.writer.flushIfStale(); err != nil {
				logger.Errorw("idle flush failed", err, "streamID", r.streamID)
				r.noteFatal(ReasonError, err)
				return
			}
		}
	}
}

// writeFrame hands one frame to the writer. Returns true when the
// encode loop must stop (fatal write error or hard gap).
func (r *Recorder) writeFrame(tc *TrackContext, f *Frame) bool {
	var gap GapSeverity
	var err error
	switch f.Kind {
	case KindVideo:
		gap, err = r.writer.writeVideo(tc, f.Video)
	case KindAudio:
		gap, err = r.writer.writeAudio(tc, f.Audio)
	}
	if err != nil {
		logger.Errorw("frame write failed", err,
			"streamID", r.streamID, "trackID", tc.TrackID)
		r.noteFatal(ReasonError, err)
		return true
	}
	if gap == GapFatal {
		r.noteFatal(ReasonNetworkStall, nil)
		return true
	}
	return false
}

// drain pushes residual queued frames through the encode path within
// the bounded drain window.
func (r *Recorder) drain() {
	deadline := time.Now().Add(r.drainLimit)
	for time.Now().Before(deadline) {
		remaining := false
		for i, q := range r.queues {
			f := q.Get(0)
			if f == nil {
				continue
			}
			remaining = true
			if r.writeFrame(r.tracks[i], f) {
				return
			}
		}
		if !remaining {
			return
		}
	}
	logger.Warnw("drain window elapsed with frames still queued", nil,
		"streamID", r.streamID)
}

// noteFatal records the first terminal cause; later causes are kept
// only in logs.
func (r *Recorder) noteFatal(reason StopReason, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reason == ReasonNone {
		r.reason = reason
		r.lastErr = err
	}
}

// supervise tears the recording down when the encode loop exits on its
// own (fatal error or network stall) rather than by Stop.
func (r *Recorder) supervise() {
	<-r.encodeDone
	r.mu.Lock()
	reason := r.reason
	r.mu.Unlock()
	if reason != ReasonNone && reason != ReasonRequested {
		r.teardown(reason)
	}
}

// Stop ends the recording: cancels the readers, drains residual
// frames, flushes and closes the container, and reports the final
// status. Safe to call from any goroutine and more than once.
func (r *Recorder) Stop() Status {
	r.teardown(ReasonRequested)
	<-r.stoppedCh
	return r.Status()
}

// Done returns a channel closed when the recorder reaches StateStopped.
func (r *Recorder) Done() <-chan struct{} { return r.stoppedCh }

// teardown is the single cleanup path, guaranteed to run exactly once
// regardless of what triggered it.
func (r *Recorder) teardown(reason StopReason) {
	r.teardownOnce.Do(func() {
		r.mu.Lock()
		if r.reason == ReasonNone {
			r.reason = reason
		}
		r.mu.Unlock()

		if cur := r.State(); cur == StateRecording {
			_ = r.transition(StateStopping)
		}

		if r.pumpsStarted {
			r.readerCancel()
			_ = r.readers.Wait()
			close(r.drainStart)
			<-r.encodeDone
			for _, q := range r.queues {
				q.Clear()
			}
		}

		if r.writer != nil {
			if err := r.writer.Close(); err != nil {
				r.mu.Lock()
				if r.lastErr == nil {
					r.lastErr = err
				}
				r.mu.Unlock()
			}
		}

		for _, tc := range r.tracks {
			tc.deactivate()
		}
		if r.ownsSession {
			r.session.Disconnect()
		}

		r.state.Store(int32(StateStopped))
		r.mu.Lock()
		finalReason := r.reason
		r.mu.Unlock()
		logger.Infow("recording stopped",
			"streamID", r.streamID, "recordingID", r.recordingID,
			"reason", finalReason, "path", r.outputPath)
		close(r.stoppedCh)
	})
}

// requestKeyframe asks the video publisher for a keyframe; wired to
// the writer's stall detection.
func (r *Recorder) requestKeyframe() {
	for _, tc := range r.tracks {
		if tc.Kind == KindVideo && tc.Video != nil {
			tc.Video.RequestKeyframe()
			return
		}
	}
}

// TrackStatus is the per-track slice of a status snapshot.
type TrackStatus struct {
	TrackID      string `json:"track_id"`
	Kind         string `json:"kind"`
	FrameCount   uint64 `json:"frame_count"`
	LastPTS      int64  `json:"last_pts"`
	LastDTS      int64  `json:"last_dts"`
	Active       bool   `json:"active"`
	QueueSize    int    `json:"queue_size"`
	QueueDropped uint64 `json:"queue_dropped"`
}

// Status is a read-only snapshot of a recording, safe to take while
// the recording is active.
type Status struct {
	RecordingID string        `json:"recording_id"`
	StreamID    string        `json:"stream_id"`
	State       string        `json:"state"`
	Reason      StopReason    `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	OutputPath  string        `json:"output_path"`
	FileSize    int64         `json:"file_size"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Tracks      []TrackStatus `json:"tracks"`
	Stats       StatsSnapshot `json:"stats"`
}

// Status snapshots the recording without mutating it.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	reason := r.reason
	lastErr := r.lastErr
	outputPath := r.outputPath
	startedAt := r.startedAt
	tracks := r.tracks
	queues := r.queues
	r.mu.Unlock()

	st := Status{
		RecordingID: r.recordingID,
		StreamID:    r.streamID,
		State:       r.State().String(),
		Reason:      reason,
		OutputPath:  outputPath,
		StartedAt:   startedAt,
		Stats:       r.stats.Snapshot(),
	}
	if lastErr != nil {
		st.Error = lastErr.Error()
	}
	if !startedAt.IsZero() {
		st.Duration = time.Since(startedAt)
	}
	if outputPath != "" {
		if fi, err := os.Stat(outputPath); err == nil {
			st.FileSize = fi.Size()
		}
	}

	st.Stats.PTSClampCount = r.clock.ClampCount()
	st.Stats.JitterSamples = r.clock.JitterSamples()

	for i, tc := range tracks {
		ts := TrackStatus{
			TrackID:    tc.TrackID,
			Kind:       tc.Kind.String(),
			FrameCount: tc.FrameCount(),
			LastPTS:    tc.LastPTS(),
			LastDTS:    tc.LastDTS(),
			Active:     tc.Active(),
		}
		if i < len(queues) {
			ts.QueueSize = queues[i].Size()
			ts.QueueDropped = queues[i].Dropped()
			st.Stats.DroppedQueueFull += queues[i].Dropped()
		}
		st.Tracks = append(st.Tracks, ts)
	}
	return st
}
