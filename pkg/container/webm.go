package container

import (
	"fmt"
	"os"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/recordkit/livekit-recorder/pkg/codec"
)

const (
	matroskaTimecodeScale = 1000000 // 1ms
	matroskaWritingApp    = "livekit-recorder"

	// how many blocks the cross-track sorter may hold back
	matroskaSorterDepth = 16
)

// matroskaWriter writes WebM and MKV files through ebml-go. Both
// formats share the muxer; they differ in the codecs allowed (WebM is
// restricted to VP8/Opus here, MKV additionally takes H.264).
type matroskaWriter struct {
	videoWriter webm.BlockWriteCloser
	audioWriter webm.BlockWriteCloser
	videoClock  int64
	audioClock  int64
	videoAVC    bool
}

// buildAVCDecoderConfig assembles the avcC box payload required as
// CodecPrivate for H.264 in Matroska.
func buildAVCDecoderConfig(sps, pps []byte) []byte {
	out := []byte{
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // lengthSizeMinusOne = 3
		0xE1,   // numOfSequenceParameterSets = 1
	}
	out = append(out, byte(len(sps)>>8), byte(len(sps)))
	out = append(out, sps...)
	out = append(out, 1) // numOfPictureParameterSets
	out = append(out, byte(len(pps)>>8), byte(len(pps)))
	out = append(out, pps...)
	return out
}

// auToAVCC converts an access unit to AVCC framing (4-byte NALU length
// prefixes), the block payload format for H.264 in Matroska.
func auToAVCC(au [][]byte) []byte {
	n := 0
	for _, nalu := range au {
		n += 4 + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range au {
		l := len(nalu)
		out = append(out, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		out = append(out, nalu...)
	}
	return out
}

func newMatroskaWriter(path string, video *VideoTrack, audio *AudioTrack) (Writer, error) {
	w := &matroskaWriter{}
	var tracks []webm.TrackEntry

	if video != nil {
		entry := webm.TrackEntry{
			Name:        "Video",
			TrackNumber: 1,
			TrackUID:    1,
			TrackType:   1,
			Video: &webm.Video{
				PixelWidth:  uint64(video.Width),
				PixelHeight: uint64(video.Height),
			},
		}
		switch video.Codec {
		case codec.VideoVP8:
			entry.CodecID = "V_VP8"
		case codec.VideoH264:
			sps := video.SPS
			pps := video.PPS
			// avcC needs the profile/level bytes, so a truncated
			// in-band SPS falls back to the defaults too.
			if len(sps) < 4 || len(pps) == 0 {
				sps = h264DefaultSPS
				pps = h264DefaultPPS
			}
			entry.CodecID = "V_MPEG4/ISO/AVC"
			entry.CodecPrivate = buildAVCDecoderConfig(sps, pps)
			w.videoAVC = true
		default:
			return nil, fmt.Errorf("matroska: unsupported video codec %q", video.Codec)
		}
		w.videoClock = int64(video.ClockRate)
		tracks = append(tracks, entry)
	}

	if audio != nil {
		if audio.Codec != codec.AudioOpus {
			return nil, fmt.Errorf("matroska: unsupported audio codec %q", audio.Codec)
		}
		tracks = append(tracks, webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: uint64(len(tracks) + 1),
			TrackUID:    2,
			TrackType:   2,
			CodecID:     "A_OPUS",
			Audio: &webm.Audio{
				SamplingFrequency: float64(audio.SampleRate),
				Channels:          uint64(audio.Channels),
			},
		})
		w.audioClock = int64(audio.SampleRate)
	}

	fi, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	interceptor, err := mkvcore.NewMultiTrackBlockSorter(
		mkvcore.WithMaxDelayedPackets(matroskaSorterDepth),
		mkvcore.WithSortRule(mkvcore.BlockSorterWriteOutdated),
	)
	if err != nil {
		fi.Close()
		os.Remove(path)
		return nil, fmt.Errorf("matroska: block sorter: %w", err)
	}

	writers, err := webm.NewSimpleBlockWriter(
		fi,
		tracks,
		mkvcore.WithSegmentInfo(&webm.Info{
			TimecodeScale: matroskaTimecodeScale,
			MuxingApp:     matroskaWritingApp,
			WritingApp:    matroskaWritingApp,
		}),
		mkvcore.WithBlockInterceptor(interceptor),
	)
	if err != nil {
		fi.Close()
		os.Remove(path)
		return nil, fmt.Errorf("matroska: block writer: %w", err)
	}

	i := 0
	if video != nil {
		w.videoWriter = writers[i]
		i++
	}
	if audio != nil {
		w.audioWriter = writers[i]
	}

	return w, nil
}

func (w *matroskaWriter) WriteVideo(pkt *codec.Packet) error {
	if w.videoWriter == nil {
		return fmt.Errorf("matroska: no video track")
	}
	data := pkt.Payload()
	if w.videoAVC {
		data = auToAVCC(pkt.AU)
	}
	_, err := w.videoWriter.Write(pkt.Keyframe, pkt.PTS*1000/w.videoClock, data)
	return err
}

func (w *matroskaWriter) WriteAudio(pkt *codec.Packet) error {
	if w.audioWriter == nil {
		return fmt.Errorf("matroska: no audio track")
	}
	_, err := w.audioWriter.Write(true, pkt.PTS*1000/w.audioClock, pkt.Payload())
	return err
}

// Flush is a no-op: blocks are written through to the file as they are
// released by the sorter.
func (w *matroskaWriter) Flush() error { return nil }

func (w *matroskaWriter) Close() error {
	var err error
	if w.audioWriter != nil {
		if err2 := w.audioWriter.Close(); err == nil {
			err = err2
		}
	}
	if w.videoWriter != nil {
		if err2 := w.videoWriter.Close(); err == nil {
			err = err2
		}
	}
	return err
}
