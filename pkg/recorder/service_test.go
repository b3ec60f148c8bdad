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

func newTestService(t *testing.T, connector *mocks.MockConnector) *recorder.Service {
	t.Helper()
	svc, err := recorder.NewService(connector, recorder.ServiceOptions{
		OutputDir:    t.TempDir(),
		OwnsSessions: true,
	})
	require.NoError(t, err)
	return svc
}

func liveSession() *mocks.MockMediaSession {
	return scriptedSession(
		&mocks.MockVideoSource{Frames: mocks.VideoScript(0, 30, 30, 15), HoldOpen: true},
		&mocks.MockAudioSource{Frames: mocks.AudioScript(0, 50), HoldOpen: true},
	)
}

func TestServiceStartRejectsSecondRecording(t *testing.T) {
	connector := &mocks.MockConnector{
		Sessions: map[string]*mocks.MockMediaSession{"stream-1": liveSession()},
	}
	svc := newTestService(t, connector)
	defer svc.Shutdown(context.Background())

	res, err := svc.StartRecording(context.Background(), "stream-1", "mp4", recorder.QualityMedium)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RecordingID)
	assert.NotEmpty(t, res.OutputPath)

	_, err = svc.StartRecording(context.Background(), "stream-1", "mp4", recorder.QualityMedium)
	require.ErrorIs(t, err, recorder.ErrAlreadyActive)

	// The rejected start must not have dialed a second session.
	assert.EqualValues(t, 1, connector.ConnectCalls.Load())
}

func TestServiceStopDeregisters(t *testing.T) {
	connector := &mocks.MockConnector{
		Sessions: map[string]*mocks.MockMediaSession{"stream-1": liveSession()},
	}
	svc := newTestService(t, connector)

	_, err := svc.StartRecording(context.Background(), "stream-1", "mkv", recorder.QualityLow)
	require.NoError(t, err)

	status, err := svc.StopRecording(context.Background(), "stream-1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", status.State)
	assert.Equal(t, recorder.ReasonRequested, status.Reason)

	_, err = svc.StopRecording(context.Background(), "stream-1")
	require.ErrorIs(t, err, recorder.ErrNotFound)

	// The id is free for a new recording.
	connector.Sessions["stream-1"] = liveSession()
	_, err = svc.StartRecording(context.Background(), "stream-1", "mp4", recorder.QualityMedium)
	require.NoError(t, err)
	svc.Shutdown(context.Background())
}

func TestServiceConnectorFailureReleasesReservation(t *testing.T) {
	connector := &mocks.MockConnector{Err: errors.New("dial refused")}
	svc := newTestService(t, connector)

	_, err := svc.StartRecording(context.Background(), "stream-1", "mp4", recorder.QualityMedium)
	require.Error(t, err)
	assert.NotErrorIs(t, err, recorder.ErrAlreadyActive)

	// The failed start left no reservation behind.
	connector.Err = nil
	connector.Sessions = map[string]*mocks.MockMediaSession{"stream-1": liveSession()}
	_, err = svc.StartRecording(context.Background(), "stream-1", "mp4", recorder.QualityMedium)
	require.NoError(t, err)
	svc.Shutdown(context.Background())
}

func TestServiceSelfDeregistersOnFatalStop(t *testing.T) {
	// A timestamp jump past the fatal gap threshold ends the recording
	// without a stop request; the registry entry must clear itself.
	frames := mocks.VideoScript(0, 20, 30, 10)
	frames = append(frames, mocks.VideoScript(90*90000, 5, 30, 5)...)
	session := scriptedSession(
		&mocks.MockVideoSource{Frames: frames, HoldOpen: true},
		&mocks.MockAudioSource{Frames: mocks.AudioScript(0, 20), HoldOpen: true},
	)
	connector := &mocks.MockConnector{
		Sessions: map[string]*mocks.MockMediaSession{"stream-1": session},
	}
	svc := newTestService(t, connector)

	_, err := svc.StartRecording(context.Background(), "stream-1", "mp4", recorder.QualityMedium)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := svc.GetStatus("stream-1")
		return errors.Is(err, recorder.ErrNotFound)
	}, 15*time.Second, 50*time.Millisecond)
}

func TestServiceGetStatusAndListActive(t *testing.T) {
	connector := &mocks.MockConnector{
		Sessions: map[string]*mocks.MockMediaSession{
			"stream-1": liveSession(),
			"stream-2": liveSession(),
		},
	}
	svc := newTestService(t, connector)
	defer svc.Shutdown(context.Background())

	_, err := svc.StartRecording(context.Background(), "stream-1", "mp4", recorder.QualityHigh)
	require.NoError(t, err)
	_, err = svc.StartRecording(context.Background(), "stream-2", "mkv", recorder.QualityLow)
	require.NoError(t, err)

	st, err := svc.GetStatus("stream-1")
	require.NoError(t, err)
	assert.Equal(t, "stream-1", st.StreamID)
	assert.Equal(t, "recording", st.State)
	assert.Len(t, st.Tracks, 2)

	_, err = svc.GetStatus("stream-3")
	require.ErrorIs(t, err, recorder.ErrNotFound)

	active := svc.ListActive()
	require.Len(t, active, 2)
	assert.Contains(t, active, "stream-1")
	assert.Contains(t, active, "stream-2")
}

func TestServiceShutdownStopsEverything(t *testing.T) {
	connector := &mocks.MockConnector{
		Sessions: map[string]*mocks.MockMediaSession{
			"stream-1": liveSession(),
			"stream-2": liveSession(),
		},
	}
	svc := newTestService(t, connector)

	_, err := svc.StartRecording(context.Background(), "stream-1", "mp4", recorder.QualityMedium)
	require.NoError(t, err)
	_, err = svc.StartRecording(context.Background(), "stream-2", "mp4", recorder.QualityMedium)
	require.NoError(t, err)

	svc.Shutdown(context.Background())
	assert.Empty(t, svc.ListActive())

	for id, session := range connector.Sessions {
		assert.EqualValues(t, 1, session.Disconnected.Load(), "session %s", id)
	}
}

func TestServiceStartValidation(t *testing.T) {
	svc := newTestService(t, &mocks.MockConnector{})
	_, err := svc.StartRecording(context.Background(), "", "mp4", recorder.QualityMedium)
	assert.Error(t, err)
}

func TestNewServiceRequiresConnector(t *testing.T) {
	_, err := recorder.NewService(nil, recorder.ServiceOptions{})
	assert.Error(t, err)
}
