package recorder_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordkit/livekit-recorder/internal/test/mocks"
	"github.com/recordkit/livekit-recorder/pkg/recorder"
)

func scriptedSession(video *mocks.MockVideoSource, audio *mocks.MockAudioSource) *mocks.MockMediaSession {
	participant := &mocks.MockParticipant{ParticipantIdentity: "alice"}
	if video != nil {
		participant.Publications = append(participant.Publications, &mocks.MockPublication{
			TrackSID:     "TR_video",
			DeclaredKind: recorder.KindVideo,
			RemoteTrack: &mocks.MockRemoteTrack{
				TrackID:   "TR_video",
				TrackKind: recorder.KindVideo,
				VideoSrc:  video,
			},
		})
	}
	if audio != nil {
		participant.Publications = append(participant.Publications, &mocks.MockPublication{
			TrackSID:     "TR_audio",
			DeclaredKind: recorder.KindAudio,
			RemoteTrack: &mocks.MockRemoteTrack{
				TrackID:   "TR_audio",
				TrackKind: recorder.KindAudio,
				AudioSrc:  audio,
			},
		})
	}
	return &mocks.MockMediaSession{
		Connected:        true,
		ParticipantsList: []*mocks.MockParticipant{participant},
	}
}

func TestRecorderFullSession(t *testing.T) {
	const videoFrames, audioFrames = 120, 200

	video := &mocks.MockVideoSource{
		Frames: mocks.VideoScript(0, videoFrames, 30, 30),
		Pace:   time.Millisecond,
	}
	audio := &mocks.MockAudioSource{
		Frames: mocks.AudioScript(0, audioFrames),
		Pace:   500 * time.Microsecond,
	}
	session := scriptedSession(video, audio)

	rec, err := recorder.NewRecorder(recorder.RecorderOptions{
		StreamID:    "stream-a",
		Config:      recorder.RecordingConfig{OutputDir: t.TempDir()},
		Session:     session,
		OwnsSession: true,
	})
	require.NoError(t, err)

	require.NoError(t, rec.Start(context.Background()))
	assert.Equal(t, recorder.StateRecording, rec.State())
	assert.NotEmpty(t, rec.OutputPath())

	// Every scripted frame should make it to the container.
	require.Eventually(t, func() bool {
		st := rec.Status()
		return st.Stats.VideoFramesWritten == videoFrames &&
			st.Stats.AudioFramesWritten == audioFrames
	}, 10*time.Second, 20*time.Millisecond)

	// Periodic flushes make the file non-empty while still recording.
	mid := rec.Status()
	assert.Equal(t, "recording", mid.State)
	assert.Greater(t, mid.FileSize, int64(0))
	assert.Zero(t, mid.Stats.DroppedBackpressure)
	assert.Zero(t, mid.Stats.DroppedQueueFull)

	final := rec.Stop()
	assert.Equal(t, recorder.StateStopped, rec.State())
	assert.Equal(t, recorder.ReasonRequested, final.Reason)
	assert.Empty(t, final.Error)

	require.Len(t, final.Tracks, 2)
	for _, ts := range final.Tracks {
		assert.False(t, ts.Active)
		switch ts.Kind {
		case "video":
			assert.EqualValues(t, videoFrames, ts.FrameCount)
			assert.EqualValues(t, (videoFrames-1)*3000, ts.LastPTS)
			assert.LessOrEqual(t, ts.LastDTS, ts.LastPTS)
		case "audio":
			assert.EqualValues(t, audioFrames, ts.FrameCount)
			assert.EqualValues(t, (audioFrames-1)*960, ts.LastPTS)
		}
	}

	fi, err := os.Stat(final.OutputPath)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), mid.FileSize/2)
	assert.Equal(t, ".mp4", filepath.Ext(final.OutputPath))
	assert.EqualValues(t, 1, session.Disconnected.Load())
}

func TestRecorderStopsOnTimestampGap(t *testing.T) {
	// A native timestamp jump past the fatal threshold must end the
	// recording on its own, preserving the file written so far.
	frames := mocks.VideoScript(0, 30, 30, 15)
	frames = append(frames, mocks.VideoScript(90*90000, 10, 30, 5)...)
	video := &mocks.MockVideoSource{Frames: frames, HoldOpen: true}
	session := scriptedSession(video, nil)

	rec, err := recorder.NewRecorder(recorder.RecorderOptions{
		StreamID:         "stream-gap",
		Config:           recorder.RecordingConfig{OutputDir: t.TempDir()},
		Session:          session,
		SubscribeTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, rec.Start(context.Background()))

	select {
	case <-rec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("recorder did not stop on fatal gap")
	}

	st := rec.Status()
	assert.Equal(t, recorder.StateStopped, rec.State())
	assert.Equal(t, recorder.ReasonNetworkStall, st.Reason)
	// The frame carrying the jump is still written; the stop follows it.
	assert.EqualValues(t, 31, st.Stats.VideoFramesWritten)

	fi, err := os.Stat(st.OutputPath)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))
}

func TestRecorderBackpressureDropsAtEnqueue(t *testing.T) {
	const videoFrames, audioFrames = 50, 80

	video := &mocks.MockVideoSource{Frames: mocks.VideoScript(0, videoFrames, 30, 10)}
	audio := &mocks.MockAudioSource{Frames: mocks.AudioScript(0, audioFrames)}
	session := scriptedSession(video, audio)

	rec, err := recorder.NewRecorder(recorder.RecorderOptions{
		StreamID: "stream-bp",
		Config: recorder.RecordingConfig{
			OutputDir: t.TempDir(),
			// A one-byte budget rejects every frame at enqueue time.
			MemoryCeiling: 1,
		},
		Session: session,
	})
	require.NoError(t, err)
	require.NoError(t, rec.Start(context.Background()))

	require.Eventually(t, func() bool {
		return rec.Status().Stats.DroppedBackpressure == videoFrames+audioFrames
	}, 5*time.Second, 10*time.Millisecond)

	st := rec.Stop()
	assert.Zero(t, st.Stats.VideoFramesWritten)
	assert.Zero(t, st.Stats.AudioFramesWritten)
	assert.Zero(t, st.Stats.DroppedQueueFull)
	for _, ts := range st.Tracks {
		assert.Zero(t, ts.QueueSize)
	}

	// Nothing reached the writer, so the container was never opened.
	_, err = os.Stat(st.OutputPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRecorderStartRequiresConnectedSession(t *testing.T) {
	session := &mocks.MockMediaSession{Connected: false}
	rec, err := recorder.NewRecorder(recorder.RecorderOptions{
		StreamID: "stream-x",
		Config:   recorder.RecordingConfig{OutputDir: t.TempDir()},
		Session:  session,
	})
	require.NoError(t, err)

	err = rec.Start(context.Background())
	require.ErrorIs(t, err, recorder.ErrNotConnected)
	assert.Equal(t, recorder.StateStopped, rec.State())
	assert.Equal(t, recorder.ReasonError, rec.Status().Reason)
}

func TestRecorderStartFailsWithoutTracks(t *testing.T) {
	session := &mocks.MockMediaSession{Connected: true}
	rec, err := recorder.NewRecorder(recorder.RecorderOptions{
		StreamID:         "stream-empty",
		Config:           recorder.RecordingConfig{OutputDir: t.TempDir()},
		Session:          session,
		SubscribeTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	err = rec.Start(context.Background())
	require.ErrorIs(t, err, recorder.ErrNoTracks)
	assert.Equal(t, recorder.StateStopped, rec.State())
}

func TestRecorderStartIsNotRepeatable(t *testing.T) {
	video := &mocks.MockVideoSource{HoldOpen: true}
	session := scriptedSession(video, nil)

	rec, err := recorder.NewRecorder(recorder.RecorderOptions{
		StreamID:         "stream-once",
		Config:           recorder.RecordingConfig{OutputDir: t.TempDir()},
		Session:          session,
		SubscribeTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, rec.Start(context.Background()))

	assert.Error(t, rec.Start(context.Background()))
	rec.Stop()
	assert.Error(t, rec.Start(context.Background()))
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	video := &mocks.MockVideoSource{
		Frames:   mocks.VideoScript(0, 10, 30, 5),
		HoldOpen: true,
	}
	session := scriptedSession(video, nil)

	rec, err := recorder.NewRecorder(recorder.RecorderOptions{
		StreamID:         "stream-stop2",
		Config:           recorder.RecordingConfig{OutputDir: t.TempDir()},
		Session:          session,
		SubscribeTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, rec.Start(context.Background()))

	first := rec.Stop()
	second := rec.Stop()
	assert.Equal(t, recorder.ReasonRequested, first.Reason)
	assert.Equal(t, first.Reason, second.Reason)
	assert.Equal(t, first.RecordingID, second.RecordingID)
	assert.Equal(t, recorder.StateStopped, rec.State())
}

func TestRecorderStatusDuringStart(t *testing.T) {
	video := &mocks.MockVideoSource{
		Frames:   mocks.VideoScript(0, 30, 30, 10),
		HoldOpen: true,
	}
	session := scriptedSession(video, nil)

	rec, err := recorder.NewRecorder(recorder.RecorderOptions{
		StreamID:         "stream-status",
		Config:           recorder.RecordingConfig{OutputDir: t.TempDir()},
		Session:          session,
		SubscribeTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	// Status is safe to poll on a bare recorder while Start is still
	// setting up; run it concurrently so the race detector can see any
	// unsynchronized field access.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			st := rec.Status()
			assert.Equal(t, "stream-status", st.StreamID)
			_ = rec.OutputPath()
		}
	}()

	require.NoError(t, rec.Start(context.Background()))
	<-done
	summary := rec.Stop()
	assert.Equal(t, recorder.ReasonRequested, summary.Reason)
}

func TestNewRecorderValidation(t *testing.T) {
	_, err := recorder.NewRecorder(recorder.RecorderOptions{
		Session: &mocks.MockMediaSession{Connected: true},
	})
	assert.Error(t, err)

	_, err = recorder.NewRecorder(recorder.RecorderOptions{StreamID: "s"})
	assert.Error(t, err)
}
