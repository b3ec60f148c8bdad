package recorder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordkit/livekit-recorder/internal/test/mocks"
	"github.com/recordkit/livekit-recorder/pkg/recorder"
)

func newSessionWithTracks(video, audio bool) *mocks.MockMediaSession {
	participant := &mocks.MockParticipant{ParticipantIdentity: "alice"}
	if video {
		participant.Publications = append(participant.Publications, &mocks.MockPublication{
			TrackSID:     "TR_video",
			DeclaredKind: recorder.KindVideo,
			RemoteTrack: &mocks.MockRemoteTrack{
				TrackID:   "TR_video",
				TrackKind: recorder.KindVideo,
				VideoSrc:  &mocks.MockVideoSource{HoldOpen: true},
			},
		})
	}
	if audio {
		participant.Publications = append(participant.Publications, &mocks.MockPublication{
			TrackSID:     "TR_audio",
			DeclaredKind: recorder.KindAudio,
			RemoteTrack: &mocks.MockRemoteTrack{
				TrackID:   "TR_audio",
				TrackKind: recorder.KindAudio,
				AudioSrc:  &mocks.MockAudioSource{HoldOpen: true},
			},
		})
	}
	return &mocks.MockMediaSession{
		Connected:        true,
		ParticipantsList: []*mocks.MockParticipant{participant},
	}
}

func TestSubscribeBothKinds(t *testing.T) {
	session := newSessionWithTracks(true, true)
	sm := recorder.NewSubscriptionManager(session, recorder.SubscriptionManagerOptions{
		SubscribeTimeout: time.Second,
	})

	tracks, err := sm.Subscribe(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, recorder.KindVideo, tracks[0].Kind)
	assert.Equal(t, recorder.KindAudio, tracks[1].Kind)
	assert.Equal(t, "alice_video", tracks[0].TrackID)
	assert.True(t, tracks[0].Active())

	// Both publications were explicitly subscribed.
	for _, pub := range session.ParticipantsList[0].Publications {
		assert.True(t, pub.IsSubscribed())
	}
}

func TestSubscribeRequestsKeyframe(t *testing.T) {
	session := newSessionWithTracks(true, false)
	src := session.ParticipantsList[0].Publications[0].RemoteTrack.VideoSrc.(*mocks.MockVideoSource)

	sm := recorder.NewSubscriptionManager(session, recorder.SubscriptionManagerOptions{
		SubscribeTimeout: 200 * time.Millisecond,
	})
	_, err := sm.Subscribe(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.KeyframeRequests.Load())
}

func TestSubscribeZeroTracksFails(t *testing.T) {
	session := &mocks.MockMediaSession{Connected: true}
	sm := recorder.NewSubscriptionManager(session, recorder.SubscriptionManagerOptions{
		SubscribeTimeout: 100 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
	})

	_, err := sm.Subscribe(context.Background())
	require.ErrorIs(t, err, recorder.ErrNoTracks)
}

func TestSubscribeSingleKindIsDegraded(t *testing.T) {
	session := newSessionWithTracks(false, true)
	sm := recorder.NewSubscriptionManager(session, recorder.SubscriptionManagerOptions{
		SubscribeTimeout: 100 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
	})

	tracks, err := sm.Subscribe(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, recorder.KindAudio, tracks[0].Kind)
}

func TestSubscribePrefersActualKind(t *testing.T) {
	// The publication declares video but the actual track is audio.
	participant := &mocks.MockParticipant{
		ParticipantIdentity: "bob",
		Publications: []*mocks.MockPublication{{
			TrackSID:     "TR_lies",
			DeclaredKind: recorder.KindVideo,
			RemoteTrack: &mocks.MockRemoteTrack{
				TrackID:   "TR_lies",
				TrackKind: recorder.KindAudio,
				AudioSrc:  &mocks.MockAudioSource{HoldOpen: true},
			},
		}},
	}
	session := &mocks.MockMediaSession{
		Connected:        true,
		ParticipantsList: []*mocks.MockParticipant{participant},
	}

	sm := recorder.NewSubscriptionManager(session, recorder.SubscriptionManagerOptions{
		SubscribeTimeout: 100 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
	})
	tracks, err := sm.Subscribe(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, recorder.KindAudio, tracks[0].Kind)
	assert.Equal(t, "bob_audio", tracks[0].TrackID)
}

func TestSubscribeTargetsIdentity(t *testing.T) {
	wrong := &mocks.MockParticipant{
		ParticipantIdentity: "mallory",
		Publications: []*mocks.MockPublication{{
			TrackSID:     "TR_wrong",
			DeclaredKind: recorder.KindVideo,
			RemoteTrack: &mocks.MockRemoteTrack{
				TrackID:   "TR_wrong",
				TrackKind: recorder.KindVideo,
				VideoSrc:  &mocks.MockVideoSource{HoldOpen: true},
			},
		}},
	}
	session := &mocks.MockMediaSession{
		Connected:        true,
		ParticipantsList: []*mocks.MockParticipant{wrong},
	}

	sm := recorder.NewSubscriptionManager(session, recorder.SubscriptionManagerOptions{
		ParticipantIdentity: "alice",
		SubscribeTimeout:    100 * time.Millisecond,
		PollInterval:        10 * time.Millisecond,
	})
	_, err := sm.Subscribe(context.Background())
	require.ErrorIs(t, err, recorder.ErrNoTracks)
	assert.False(t, wrong.Publications[0].IsSubscribed())
}

func TestSubscribeSkipsFailingPublication(t *testing.T) {
	participant := &mocks.MockParticipant{
		ParticipantIdentity: "alice",
		Publications: []*mocks.MockPublication{
			{
				TrackSID:     "TR_broken",
				DeclaredKind: recorder.KindVideo,
				SubscribeErr: errors.New("permission denied"),
			},
			{
				TrackSID:     "TR_audio",
				DeclaredKind: recorder.KindAudio,
				RemoteTrack: &mocks.MockRemoteTrack{
					TrackID:   "TR_audio",
					TrackKind: recorder.KindAudio,
					AudioSrc:  &mocks.MockAudioSource{HoldOpen: true},
				},
			},
		},
	}
	session := &mocks.MockMediaSession{
		Connected:        true,
		ParticipantsList: []*mocks.MockParticipant{participant},
	}

	sm := recorder.NewSubscriptionManager(session, recorder.SubscriptionManagerOptions{
		SubscribeTimeout: 100 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
	})
	tracks, err := sm.Subscribe(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, recorder.KindAudio, tracks[0].Kind)
}

func TestSubscribeHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := &mocks.MockMediaSession{Connected: true}
	sm := recorder.NewSubscriptionManager(session, recorder.SubscriptionManagerOptions{
		SubscribeTimeout: 10 * time.Second,
	})
	_, err := sm.Subscribe(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
