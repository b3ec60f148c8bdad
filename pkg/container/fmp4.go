package container

import (
	"fmt"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"

	"github.com/recordkit/livekit-recorder/pkg/codec"
)

// Default H.264 parameters (1920x1080 baseline), used until real
// parameter sets arrive in the stream.
var (
	h264DefaultSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}

	h264DefaultPPS = []byte{0x08, 0x06, 0x07, 0x08}
)

const (
	fmp4VideoTrackID = 1
	fmp4AudioTrackID = 2
)

// fmp4TrackState accumulates samples of one track between flushes.
// Each sample is withheld until its successor arrives, since fMP4
// sample durations are defined by consecutive DTS deltas.
type fmp4TrackState struct {
	id         int
	pending    *fmp4.Sample
	pendingDTS int64
	lastDur    uint32
	samples    []*fmp4.Sample
	baseTime   int64
	haveBase   bool
}

func (t *fmp4TrackState) push(sample *fmp4.Sample, dts int64) {
	if t.pending != nil {
		dur := dts - t.pendingDTS
		if dur < 0 {
			dur = 0
		}
		t.pending.Duration = uint32(dur)
		t.lastDur = t.pending.Duration
		t.appendPending()
	}
	t.pending = sample
	t.pendingDTS = dts
}

func (t *fmp4TrackState) appendPending() {
	if !t.haveBase {
		t.baseTime = t.pendingDTS
		t.haveBase = true
	}
	t.samples = append(t.samples, t.pending)
	t.pending = nil
}

// fmp4Writer writes a fragmented MP4 file: an init segment followed by
// a sequence of parts, one appended per flush. A truncated file is
// playable up to the last complete part.
type fmp4Writer struct {
	fi       *os.File
	video    *fmp4TrackState
	audio    *fmp4TrackState
	videoDec *VideoTrack
	seq      uint32
}

func newFMP4Writer(path string, video *VideoTrack, audio *AudioTrack) (Writer, error) {
	var initTracks []*fmp4.InitTrack
	w := &fmp4Writer{videoDec: video}

	if video != nil {
		if video.Codec != codec.VideoH264 {
			return nil, fmt.Errorf("fmp4: unsupported video codec %q", video.Codec)
		}
		sps := video.SPS
		pps := video.PPS
		if len(sps) < 4 || len(pps) == 0 {
			sps = h264DefaultSPS
			pps = h264DefaultPPS
		}
		initTracks = append(initTracks, &fmp4.InitTrack{
			ID:        fmp4VideoTrackID,
			TimeScale: uint32(video.ClockRate),
			Codec: &fmp4.CodecH264{
				SPS: sps,
				PPS: pps,
			},
		})
		w.video = &fmp4TrackState{id: fmp4VideoTrackID}
	}

	if audio != nil {
		if audio.Codec != codec.AudioOpus {
			return nil, fmt.Errorf("fmp4: unsupported audio codec %q", audio.Codec)
		}
		initTracks = append(initTracks, &fmp4.InitTrack{
			ID:        fmp4AudioTrackID,
			TimeScale: uint32(audio.SampleRate),
			Codec: &fmp4.CodecOpus{
				ChannelCount: audio.Channels,
			},
		})
		w.audio = &fmp4TrackState{id: fmp4AudioTrackID}
	}

	fi, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	init := fmp4.Init{Tracks: initTracks}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		fi.Close()
		os.Remove(path)
		return nil, fmt.Errorf("fmp4: marshal init: %w", err)
	}
	if _, err := fi.Write(buf.Bytes()); err != nil {
		fi.Close()
		return nil, err
	}

	w.fi = fi
	return w, nil
}

func (w *fmp4Writer) WriteVideo(pkt *codec.Packet) error {
	if w.video == nil {
		return fmt.Errorf("fmp4: no video track")
	}
	sample, err := fmp4.NewSampleH264(int32(pkt.PTS-pkt.DTS), pkt.AU)
	if err != nil {
		return fmt.Errorf("fmp4: fill video sample: %w", err)
	}
	w.video.push(sample, pkt.DTS)
	return nil
}

func (w *fmp4Writer) WriteAudio(pkt *codec.Packet) error {
	if w.audio == nil {
		return fmt.Errorf("fmp4: no audio track")
	}
	w.audio.push(&fmp4.Sample{Payload: pkt.Payload()}, pkt.PTS)
	return nil
}

func (w *fmp4Writer) Flush() error {
	var partTracks []*fmp4.PartTrack

	for _, t := range []*fmp4TrackState{w.video, w.audio} {
		if t == nil || len(t.samples) == 0 {
			continue
		}
		partTracks = append(partTracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.baseTime),
			Samples:  t.samples,
		})
		t.samples = nil
		t.haveBase = false
	}

	if len(partTracks) == 0 {
		return nil
	}

	part := fmp4.Part{
		SequenceNumber: w.seq,
		Tracks:         partTracks,
	}
	w.seq++

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("fmp4: marshal part: %w", err)
	}
	if _, err := w.fi.Write(buf.Bytes()); err != nil {
		return err
	}
	return nil
}

func (w *fmp4Writer) Close() error {
	// release the withheld tail samples, reusing the previous duration
	for _, t := range []*fmp4TrackState{w.video, w.audio} {
		if t == nil || t.pending == nil {
			continue
		}
		t.pending.Duration = t.lastDur
		t.appendPending()
	}

	err := w.Flush()
	if err2 := w.fi.Close(); err == nil {
		err = err2
	}
	return err
}
