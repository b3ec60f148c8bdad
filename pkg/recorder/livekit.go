package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/livekit/protocol/logger"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/recordkit/livekit-recorder/pkg/codec"
)

// samplebuilder depth in packets; large enough to reassemble a full
// keyframe under reordering.
const sampleBuilderMaxLate = 200

// rtpReadDeadline paces ReadRTP so frame sources notice context
// cancellation promptly.
const rtpReadDeadline = 200 * time.Millisecond

// LiveKitConnector dials a dedicated LiveKit room per recording,
// mapping the stream id to the room name. Auto-subscription is off;
// the subscription manager subscribes tracks explicitly.
type LiveKitConnector struct {
	URL       string
	APIKey    string
	APISecret string

	// Identity is the recorder's own participant identity in the room.
	// Empty derives one from the stream id.
	Identity string
}

// Connect implements SessionConnector.
func (c *LiveKitConnector) Connect(ctx context.Context, streamID string) (MediaSession, error) {
	identity := c.Identity
	if identity == "" {
		identity = "recorder-" + streamID
	}

	s := &liveKitSession{}
	cb := lksdk.NewRoomCallback()
	cb.OnDisconnected = func() {
		s.connected.Store(false)
		logger.Infow("room disconnected", "room", streamID)
	}

	room, err := lksdk.ConnectToRoom(c.URL, lksdk.ConnectInfo{
		APIKey:              c.APIKey,
		APISecret:           c.APISecret,
		RoomName:            streamID,
		ParticipantIdentity: identity,
	}, cb, lksdk.WithAutoSubscribe(false))
	if err != nil {
		return nil, fmt.Errorf("connect to room %q: %w", streamID, err)
	}

	s.room = room
	s.connected.Store(true)
	return s, nil
}

// liveKitSession adapts an lksdk room to the MediaSession interface.
type liveKitSession struct {
	room      *lksdk.Room
	connected atomic.Bool
}

func (s *liveKitSession) IsConnected() bool { return s.connected.Load() }

func (s *liveKitSession) Participants() []Participant {
	rps := s.room.GetRemoteParticipants()
	out := make([]Participant, 0, len(rps))
	for _, rp := range rps {
		out = append(out, &liveKitParticipant{rp: rp})
	}
	return out
}

func (s *liveKitSession) Disconnect() {
	s.connected.Store(false)
	s.room.Disconnect()
}

type liveKitParticipant struct {
	rp *lksdk.RemoteParticipant
}

func (p *liveKitParticipant) Identity() string { return p.rp.Identity() }

func (p *liveKitParticipant) TrackPublications() []TrackPublication {
	pubs := p.rp.TrackPublications()
	out := make([]TrackPublication, 0, len(pubs))
	for _, pub := range pubs {
		remote, ok := pub.(*lksdk.RemoteTrackPublication)
		if !ok {
			continue
		}
		switch remote.Kind() {
		case lksdk.TrackKindVideo, lksdk.TrackKindAudio:
			out = append(out, &liveKitPublication{pub: remote, rp: p.rp})
		}
	}
	return out
}

type liveKitPublication struct {
	pub *lksdk.RemoteTrackPublication
	rp  *lksdk.RemoteParticipant
}

func (p *liveKitPublication) SID() string { return p.pub.SID() }

func (p *liveKitPublication) Kind() TrackKind {
	if p.pub.Kind() == lksdk.TrackKindAudio {
		return KindAudio
	}
	return KindVideo
}

func (p *liveKitPublication) IsSubscribed() bool { return p.pub.IsSubscribed() }

func (p *liveKitPublication) SetSubscribed(subscribed bool) error {
	return p.pub.SetSubscribed(subscribed)
}

func (p *liveKitPublication) Track() RemoteTrack {
	track := p.pub.TrackRemote()
	if track == nil {
		return nil
	}
	return newLiveKitTrack(track, p.rp)
}

// liveKitTrack resolves a subscribed webrtc track to its actual kind
// and exposes the matching frame source.
type liveKitTrack struct {
	track *webrtc.TrackRemote
	kind  TrackKind
	video VideoSource
	audio AudioSource
}

func newLiveKitTrack(track *webrtc.TrackRemote, rp *lksdk.RemoteParticipant) *liveKitTrack {
	t := &liveKitTrack{track: track}
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		t.kind = KindAudio
		t.audio = newLiveKitAudioSource(track)
	} else {
		t.kind = KindVideo
		t.video = newLiveKitVideoSource(track, rp.WritePLI)
	}
	return t
}

func (t *liveKitTrack) ID() string         { return t.track.ID() }
func (t *liveKitTrack) Kind() TrackKind    { return t.kind }
func (t *liveKitTrack) Video() VideoSource { return t.video }
func (t *liveKitTrack) Audio() AudioSource { return t.audio }

// readSample pumps RTP packets into the sample builder until a full
// sample is assembled. Short read deadlines keep the loop responsive
// to cancellation.
func readSample(ctx context.Context, track *webrtc.TrackRemote, sb *samplebuilder.SampleBuilder) (data []byte, timestamp uint32, duration time.Duration, err error) {
	for {
		if sample := sb.Pop(); sample != nil {
			return sample.Data, sample.PacketTimestamp, sample.Duration, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, 0, err
		}

		_ = track.SetReadDeadline(time.Now().Add(rtpReadDeadline))
		var pkt *rtp.Packet
		pkt, _, err = track.ReadRTP()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil, 0, 0, io.EOF
			}
			return nil, 0, 0, err
		}
		sb.Push(pkt)
	}
}

// liveKitVideoSource reassembles H.264/VP8 frames from RTP.
type liveKitVideoSource struct {
	track    *webrtc.TrackRemote
	sb       *samplebuilder.SampleBuilder
	isH264   bool
	pliWrite func(webrtc.SSRC)
	width    int
	height   int
}

func newLiveKitVideoSource(track *webrtc.TrackRemote, pliWrite func(webrtc.SSRC)) *liveKitVideoSource {
	isH264 := track.Codec().MimeType == webrtc.MimeTypeH264
	var depacketizer rtp.Depacketizer
	if isH264 {
		depacketizer = &codecs.H264Packet{}
	} else {
		depacketizer = &codecs.VP8Packet{}
	}
	return &liveKitVideoSource{
		track:    track,
		sb:       samplebuilder.New(sampleBuilderMaxLate, depacketizer, track.Codec().ClockRate),
		isH264:   isH264,
		pliWrite: pliWrite,
	}
}

func (s *liveKitVideoSource) NextFrame(ctx context.Context) (*codec.VideoFrame, error) {
	for {
		data, timestamp, _, err := readSample(ctx, s.track, s.sb)
		if err != nil {
			return nil, err
		}

		frame := &codec.VideoFrame{Timestamp: timestamp}
		if s.isH264 {
			var annexb h264.AnnexB
			if err := annexb.Unmarshal(data); err != nil {
				logger.Warnw("dropping undecodable access unit", err, "trackID", s.track.ID())
				continue
			}
			frame.AU = [][]byte(annexb)
			frame.Keyframe = h264.IsRandomAccess(frame.AU)
			s.updateDimensions(frame.AU)
		} else {
			frame.AU = [][]byte{data}
			frame.Keyframe = codec.VP8IsKeyframe(data)
		}
		frame.Width, frame.Height = s.width, s.height
		return frame, nil
	}
}

// updateDimensions parses geometry out of in-band SPS units.
func (s *liveKitVideoSource) updateDimensions(au [][]byte) {
	for _, nalu := range au {
		if len(nalu) == 0 || h264.NALUType(nalu[0]&0x1F) != h264.NALUTypeSPS {
			continue
		}
		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			continue
		}
		s.width, s.height = sps.Width(), sps.Height()
	}
}

func (s *liveKitVideoSource) RequestKeyframe() {
	if s.pliWrite != nil {
		s.pliWrite(s.track.SSRC())
	}
}

// liveKitAudioSource delivers Opus packets from RTP. One RTP packet is
// one Opus frame, so the builder is only smoothing reordering.
type liveKitAudioSource struct {
	track *webrtc.TrackRemote
	sb    *samplebuilder.SampleBuilder
}

func newLiveKitAudioSource(track *webrtc.TrackRemote) *liveKitAudioSource {
	return &liveKitAudioSource{
		track: track,
		sb:    samplebuilder.New(sampleBuilderMaxLate, &codecs.OpusPacket{}, track.Codec().ClockRate),
	}
}

func (s *liveKitAudioSource) NextFrame(ctx context.Context) (*codec.AudioFrame, error) {
	data, timestamp, duration, err := readSample(ctx, s.track, s.sb)
	if err != nil {
		return nil, err
	}

	sampleRate := int(s.track.Codec().ClockRate)
	channels := int(s.track.Codec().Channels)
	if channels == 0 {
		channels = 2
	}

	// Derive the per-channel sample count from the assembled duration;
	// fall back to the 20ms Opus default when unknown.
	samples := int(duration * time.Duration(sampleRate) / time.Second)
	if samples <= 0 {
		samples = sampleRate / 50
	}

	return &codec.AudioFrame{
		Timestamp:  timestamp,
		SampleRate: sampleRate,
		Channels:   channels,
		Samples:    samples,
		Data:       data,
	}, nil
}
