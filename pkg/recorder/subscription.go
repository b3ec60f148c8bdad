package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/livekit/protocol/logger"
)

// Subscription timing defaults. The poll interval is an empirical
// knob, not a correctness property; 250ms keeps discovery latency
// small without hammering the session.
const (
	DefaultSubscribeTimeout  = 10 * time.Second
	DefaultSubscribePoll     = 250 * time.Millisecond
	defaultTrackReadyTimeout = 3 * time.Second
)

// ErrNoTracks is returned when the subscription window elapses without
// a single track found. The most common cause is a stream that is not
// actually live.
var ErrNoTracks = errors.New("no tracks found for participant")

// SubscriptionManagerOptions configures a SubscriptionManager. Zero
// values select defaults.
type SubscriptionManagerOptions struct {
	// ParticipantIdentity targets a specific participant. Empty means
	// the first participant publishing any track.
	ParticipantIdentity string

	SubscribeTimeout time.Duration
	PollInterval     time.Duration
	TrackReadyWait   time.Duration
}

// SubscriptionManager locates the target participant's published
// tracks, subscribes explicitly, waits bounded for readiness, and
// resolves each track to its actual kind.
type SubscriptionManager struct {
	session MediaSession
	opts    SubscriptionManagerOptions
}

// NewSubscriptionManager creates a manager over an established session.
func NewSubscriptionManager(session MediaSession, opts SubscriptionManagerOptions) *SubscriptionManager {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultSubscribePoll
	}
	if opts.TrackReadyWait <= 0 {
		opts.TrackReadyWait = defaultTrackReadyTimeout
	}
	return &SubscriptionManager{session: session, opts: opts}
}

// Subscribe polls the session until a video and an audio track are
// subscribed or the window elapses. A single-kind result is degraded
// but acceptable (audio-only or video-only recording); zero tracks is
// an error.
func (m *SubscriptionManager) Subscribe(ctx context.Context) ([]*TrackContext, error) {
	deadline := time.Now().Add(m.opts.SubscribeTimeout)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	byKind := make(map[TrackKind]*TrackContext, 2)

	for {
		m.collect(ctx, byKind)
		if len(byKind) == 2 {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	if len(byKind) == 0 {
		return nil, ErrNoTracks
	}
	if len(byKind) == 1 {
		for kind := range byKind {
			logger.Warnw("only one track kind found, recording degraded", nil, "kind", kind)
		}
	}

	tracks := make([]*TrackContext, 0, 2)
	if tc, ok := byKind[KindVideo]; ok {
		tracks = append(tracks, tc)
	}
	if tc, ok := byKind[KindAudio]; ok {
		tracks = append(tracks, tc)
	}
	return tracks, nil
}

// collect makes one pass over the target participant's publications and
// fills byKind with any newly-ready tracks.
func (m *SubscriptionManager) collect(ctx context.Context, byKind map[TrackKind]*TrackContext) {
	participant := m.findParticipant()
	if participant == nil {
		return
	}

	for _, pub := range participant.TrackPublications() {
		declared := pub.Kind()
		if _, have := byKind[declared]; have {
			continue
		}

		if !pub.IsSubscribed() {
			if err := pub.SetSubscribed(true); err != nil {
				logger.Warnw("track subscription request failed", err, "trackSID", pub.SID())
				continue
			}
		}

		track := m.waitForTrack(ctx, pub)
		if track == nil {
			continue
		}

		// Signaling may misreport the kind; the actual track wins.
		actual := track.Kind()
		if actual != declared {
			logger.Warnw("publication kind disagrees with track, using track kind", nil,
				"trackSID", pub.SID(), "declared", declared, "actual", actual)
		}
		if _, have := byKind[actual]; have {
			continue
		}

		tc := NewTrackContext(participant.Identity(), actual, track.Video(), track.Audio())
		if actual == KindVideo && tc.Video != nil {
			tc.Video.RequestKeyframe()
		}
		byKind[actual] = tc
		logger.Infow("track subscribed",
			"trackID", tc.TrackID, "trackSID", pub.SID(), "kind", actual)
	}
}

// findParticipant returns the targeted participant, or the first one
// with publications when no identity was configured.
func (m *SubscriptionManager) findParticipant() Participant {
	for _, p := range m.session.Participants() {
		if m.opts.ParticipantIdentity != "" {
			if p.Identity() == m.opts.ParticipantIdentity {
				return p
			}
			continue
		}
		if len(p.TrackPublications()) > 0 {
			return p
		}
	}
	return nil
}

// waitForTrack waits bounded for the subscribed track handle to become
// available.
func (m *SubscriptionManager) waitForTrack(ctx context.Context, pub TrackPublication) RemoteTrack {
	deadline := time.Now().Add(m.opts.TrackReadyWait)
	for {
		if track := pub.Track(); track != nil {
			return track
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}
