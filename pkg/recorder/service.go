package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
)

// ErrAlreadyActive is returned when a start request names a stream that
// already has an active recording.
var ErrAlreadyActive = errors.New("recording already active")

// ErrNotFound is returned when a stream id has no active recording.
var ErrNotFound = errors.New("no active recording")

// ServiceOptions configures a Service. Zero values select defaults.
type ServiceOptions struct {
	// OutputDir is where recordings are written. Defaults to the
	// working directory.
	OutputDir string

	// MemoryCeiling is the per-recorder queued-frame memory budget.
	MemoryCeiling int64

	// OwnsSessions makes recorders disconnect their sessions on stop.
	// Set when the connector dials a dedicated session per recording.
	OwnsSessions bool

	GapWarnThreshold  time.Duration
	GapFatalThreshold time.Duration
}

// Service maps stream ids to at most one active Recorder each and
// exposes the start/stop/status/list surface consumed by the
// control-plane layer. The registry map is the only state shared
// across recordings; everything else is owned per-Recorder.
type Service struct {
	connector SessionConnector
	opts      ServiceOptions

	mu        sync.Mutex
	recorders map[string]*Recorder
}

// NewService creates a Service using connector to establish media
// sessions.
func NewService(connector SessionConnector, opts ServiceOptions) (*Service, error) {
	if connector == nil {
		return nil, errors.New("session connector is required")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	return &Service{
		connector: connector,
		opts:      opts,
		recorders: make(map[string]*Recorder),
	}, nil
}

// StartResult reports a successful start.
type StartResult struct {
	RecordingID string          `json:"recording_id"`
	OutputPath  string          `json:"output_path"`
	Config      RecordingConfig `json:"config"`
}

// StartRecording resolves the format/quality presets, establishes a
// session for the stream and starts a Recorder, registering it only on
// success. A stream with an active recording is rejected.
func (s *Service) StartRecording(ctx context.Context, streamID, format string, quality Quality) (*StartResult, error) {
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}

	// Reserve the id up front so concurrent starts cannot race past
	// the active check while we connect.
	s.mu.Lock()
	if _, exists := s.recorders[streamID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("stream %q: %w", streamID, ErrAlreadyActive)
	}
	s.recorders[streamID] = nil
	s.mu.Unlock()

	registered := false
	defer func() {
		if !registered {
			s.deregister(streamID)
		}
	}()

	cfg := ResolveConfig(format, quality)
	cfg.OutputDir = s.opts.OutputDir
	cfg.MemoryCeiling = s.opts.MemoryCeiling
	cfg.GapWarnThreshold = s.opts.GapWarnThreshold
	cfg.GapFatalThreshold = s.opts.GapFatalThreshold
	cfg.applyDefaults()

	session, err := s.connector.Connect(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("connect session for stream %q: %w", streamID, err)
	}

	rec, err := NewRecorder(RecorderOptions{
		StreamID:    streamID,
		Config:      cfg,
		Session:     session,
		OwnsSession: s.opts.OwnsSessions,
	})
	if err != nil {
		if s.opts.OwnsSessions {
			session.Disconnect()
		}
		return nil, err
	}
	if err := rec.Start(ctx); err != nil {
		// The recorder's teardown already released its resources.
		return nil, err
	}

	s.mu.Lock()
	s.recorders[streamID] = rec
	s.mu.Unlock()
	registered = true

	// Self-deregister when the recording ends on its own (network
	// stall, fatal error), so a dead entry never blocks a new start.
	go func() {
		<-rec.Done()
		s.deregisterIf(streamID, rec)
	}()

	logger.Infow("recording registered",
		"streamID", streamID, "recordingID", rec.RecordingID(), "path", rec.OutputPath())
	return &StartResult{
		RecordingID: rec.RecordingID(),
		OutputPath:  rec.OutputPath(),
		Config:      cfg,
	}, nil
}

// StopRecording stops and deregisters the stream's recording. The
// entry is removed regardless of the stop outcome: a failed stop must
// not leave a zombie registration behind.
func (s *Service) StopRecording(ctx context.Context, streamID string) (Status, error) {
	s.mu.Lock()
	rec, ok := s.recorders[streamID]
	s.mu.Unlock()
	if !ok || rec == nil {
		return Status{}, fmt.Errorf("stream %q: %w", streamID, ErrNotFound)
	}

	defer s.deregisterIf(streamID, rec)

	status := rec.Stop()
	if status.Error != "" {
		return status, fmt.Errorf("recording for stream %q stopped with error: %s", streamID, status.Error)
	}
	return status, nil
}

// GetStatus returns a snapshot of the stream's recording.
func (s *Service) GetStatus(streamID string) (Status, error) {
	s.mu.Lock()
	rec, ok := s.recorders[streamID]
	s.mu.Unlock()
	if !ok || rec == nil {
		return Status{}, fmt.Errorf("stream %q: %w", streamID, ErrNotFound)
	}
	return rec.Status(), nil
}

// ListActive snapshots all registered recordings, keyed by stream id.
func (s *Service) ListActive() map[string]Status {
	s.mu.Lock()
	recs := make(map[string]*Recorder, len(s.recorders))
	for id, rec := range s.recorders {
		if rec != nil {
			recs[id] = rec
		}
	}
	s.mu.Unlock()

	out := make(map[string]Status, len(recs))
	for id, rec := range recs {
		out[id] = rec.Status()
	}
	return out
}

// Shutdown stops every active recording.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	recs := make([]*Recorder, 0, len(s.recorders))
	for _, rec := range s.recorders {
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *Recorder) {
			defer wg.Done()
			rec.Stop()
			s.deregisterIf(rec.StreamID(), rec)
		}(rec)
	}
	wg.Wait()
}

func (s *Service) deregister(streamID string) {
	s.mu.Lock()
	delete(s.recorders, streamID)
	s.mu.Unlock()
}

// deregisterIf removes the entry only if it still points at rec, so a
// late cleanup cannot evict a newer recording under the same id.
func (s *Service) deregisterIf(streamID string, rec *Recorder) {
	s.mu.Lock()
	if cur, ok := s.recorders[streamID]; ok && cur == rec {
		delete(s.recorders, streamID)
	}
	s.mu.Unlock()
}
