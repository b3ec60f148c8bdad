package mocks

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recordkit/livekit-recorder/pkg/codec"
	"github.com/recordkit/livekit-recorder/pkg/recorder"
)

// MockVideoSource replays a scripted frame sequence. After the script
// is exhausted it returns io.EOF, or blocks until cancellation when
// HoldOpen is set.
type MockVideoSource struct {
	Frames   []*codec.VideoFrame
	Pace     time.Duration
	HoldOpen bool

	KeyframeRequests atomic.Int32

	mu   sync.Mutex
	next int
}

func (s *MockVideoSource) NextFrame(ctx context.Context) (*codec.VideoFrame, error) {
	if s.Pace > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Pace):
		}
	}
	s.mu.Lock()
	if s.next < len(s.Frames) {
		f := s.Frames[s.next]
		s.next++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	if !s.HoldOpen {
		return nil, io.EOF
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *MockVideoSource) RequestKeyframe() {
	s.KeyframeRequests.Add(1)
}

// MockAudioSource is the audio counterpart of MockVideoSource.
type MockAudioSource struct {
	Frames   []*codec.AudioFrame
	Pace     time.Duration
	HoldOpen bool

	mu   sync.Mutex
	next int
}

func (s *MockAudioSource) NextFrame(ctx context.Context) (*codec.AudioFrame, error) {
	if s.Pace > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Pace):
		}
	}
	s.mu.Lock()
	if s.next < len(s.Frames) {
		f := s.Frames[s.next]
		s.next++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	if !s.HoldOpen {
		return nil, io.EOF
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// MockRemoteTrack pairs a kind with its frame source.
type MockRemoteTrack struct {
	TrackID   string
	TrackKind recorder.TrackKind
	VideoSrc  recorder.VideoSource
	AudioSrc  recorder.AudioSource
}

func (t *MockRemoteTrack) ID() string                  { return t.TrackID }
func (t *MockRemoteTrack) Kind() recorder.TrackKind    { return t.TrackKind }
func (t *MockRemoteTrack) Video() recorder.VideoSource { return t.VideoSrc }
func (t *MockRemoteTrack) Audio() recorder.AudioSource { return t.AudioSrc }

// MockPublication simulates a remote track publication. DeclaredKind
// may deliberately disagree with the track's kind to exercise the
// cross-check. ReadyAfter delays track availability past subscription.
type MockPublication struct {
	TrackSID     string
	DeclaredKind recorder.TrackKind
	RemoteTrack  *MockRemoteTrack
	SubscribeErr error
	ReadyAfter   time.Duration

	subscribed   atomic.Bool
	subscribedAt atomic.Int64
}

func (p *MockPublication) SID() string              { return p.TrackSID }
func (p *MockPublication) Kind() recorder.TrackKind { return p.DeclaredKind }
func (p *MockPublication) IsSubscribed() bool       { return p.subscribed.Load() }

func (p *MockPublication) SetSubscribed(subscribed bool) error {
	if p.SubscribeErr != nil {
		return p.SubscribeErr
	}
	p.subscribed.Store(subscribed)
	if subscribed {
		p.subscribedAt.Store(time.Now().UnixNano())
	}
	return nil
}

func (p *MockPublication) Track() recorder.RemoteTrack {
	if !p.subscribed.Load() {
		return nil
	}
	if p.ReadyAfter > 0 {
		at := time.Unix(0, p.subscribedAt.Load())
		if time.Since(at) < p.ReadyAfter {
			return nil
		}
	}
	if p.RemoteTrack == nil {
		return nil
	}
	return p.RemoteTrack
}

// MockParticipant publishes a fixed set of tracks.
type MockParticipant struct {
	ParticipantIdentity string
	Publications        []*MockPublication
}

func (p *MockParticipant) Identity() string { return p.ParticipantIdentity }

func (p *MockParticipant) TrackPublications() []recorder.TrackPublication {
	out := make([]recorder.TrackPublication, 0, len(p.Publications))
	for _, pub := range p.Publications {
		out = append(out, pub)
	}
	return out
}

// MockMediaSession is a scripted media session.
type MockMediaSession struct {
	Connected        bool
	ParticipantsList []*MockParticipant

	Disconnected atomic.Int32
}

func (s *MockMediaSession) IsConnected() bool { return s.Connected }

func (s *MockMediaSession) Participants() []recorder.Participant {
	out := make([]recorder.Participant, 0, len(s.ParticipantsList))
	for _, p := range s.ParticipantsList {
		out = append(out, p)
	}
	return out
}

func (s *MockMediaSession) Disconnect() {
	s.Disconnected.Add(1)
}

// MockConnector hands out a prepared session per stream id.
type MockConnector struct {
	Sessions map[string]*MockMediaSession
	Err      error

	ConnectCalls atomic.Int32
}

func (c *MockConnector) Connect(_ context.Context, streamID string) (recorder.MediaSession, error) {
	c.ConnectCalls.Add(1)
	if c.Err != nil {
		return nil, c.Err
	}
	if s, ok := c.Sessions[streamID]; ok {
		return s, nil
	}
	return &MockMediaSession{Connected: true}, nil
}

// VideoScript generates count H.264 frames at the given fps, starting
// at the given native timestamp. Every gopSize-th frame is a keyframe
// carrying parameter sets.
func VideoScript(start uint32, count, fps, gopSize int) []*codec.VideoFrame {
	sps := []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	pps := []byte{0x08, 0x06, 0x07, 0x08}

	frames := make([]*codec.VideoFrame, count)
	step := uint32(90000 / fps)
	for i := range frames {
		keyframe := gopSize > 0 && i%gopSize == 0
		au := [][]byte{{0x41, 0x9a, byte(i), byte(i >> 8)}}
		if keyframe {
			au = [][]byte{sps, pps, {0x65, 0x88, byte(i), byte(i >> 8)}}
		}
		frames[i] = &codec.VideoFrame{
			Timestamp: start + uint32(i)*step,
			Width:     1280,
			Height:    720,
			AU:        au,
			Keyframe:  keyframe,
		}
	}
	return frames
}

// AudioScript generates count Opus frames of 20ms each at 48kHz.
func AudioScript(start uint32, count int) []*codec.AudioFrame {
	frames := make([]*codec.AudioFrame, count)
	for i := range frames {
		frames[i] = &codec.AudioFrame{
			Timestamp:  start + uint32(i)*960,
			SampleRate: 48000,
			Channels:   2,
			Samples:    960,
			Data:       []byte{0xfc, 0xff, 0xfe, byte(i)},
		}
	}
	return frames
}
