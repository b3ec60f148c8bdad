package recorder

import (
	"context"

	"github.com/recordkit/livekit-recorder/pkg/codec"
)

// MediaSession is the upstream media-session collaborator: an already
// established connection to a room/session from which remote tracks can
// be discovered and subscribed. The recorder only reads from it;
// closing the connection is the owner's responsibility unless the
// session was dedicated to a single recording, in which case the
// Service disconnects it after the Recorder stops.
type MediaSession interface {
	// IsConnected reports whether the underlying transport is up.
	IsConnected() bool

	// Participants returns the remote participants currently visible in
	// the session.
	Participants() []Participant

	// Disconnect tears the session down. Only called by the component
	// that owns the connection.
	Disconnect()
}

// Participant is one remote peer publishing tracks.
type Participant interface {
	Identity() string
	TrackPublications() []TrackPublication
}

// TrackPublication is the advertisement of one remote track. The
// declared Kind comes from signaling and may disagree with the actual
// track; the subscription manager cross-checks and prefers the actual
// kind.
type TrackPublication interface {
	SID() string
	Kind() TrackKind
	IsSubscribed() bool

	// SetSubscribed requests or cancels the subscription.
	SetSubscribed(subscribed bool) error

	// Track returns the subscribed track handle, or nil while the
	// subscription is still being established.
	Track() RemoteTrack
}

// RemoteTrack is a subscribed track resolved to its actual kind.
// Exactly one of Video/Audio is non-nil, matching Kind.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	Video() VideoSource
	Audio() AudioSource
}

// VideoSource delivers decoded-order video frames from one track.
type VideoSource interface {
	// NextFrame blocks until the next frame arrives, the context is
	// cancelled, or the track ends (io.EOF).
	NextFrame(ctx context.Context) (*codec.VideoFrame, error)

	// RequestKeyframe asks the publisher for a keyframe (PLI). Best
	// effort; errors are ignored by callers.
	RequestKeyframe()
}

// AudioSource delivers audio frames from one track.
type AudioSource interface {
	NextFrame(ctx context.Context) (*codec.AudioFrame, error)
}

// SessionConnector establishes a dedicated media session for a stream.
// Implemented by the LiveKit adapter; mocked in tests.
type SessionConnector interface {
	Connect(ctx context.Context, streamID string) (MediaSession, error)
}
