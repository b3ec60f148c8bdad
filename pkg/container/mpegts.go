package container

import (
	"bufio"
	"fmt"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/recordkit/livekit-recorder/pkg/codec"
)

const mpegtsBufferSize = 64 * 1024

// multiplyAndDivide computes v * m / d without overflowing on large
// timestamps.
func multiplyAndDivide(v, m, d int64) int64 {
	secs := v / d
	dec := v % d
	return secs*m + dec*m/d
}

// mpegtsWriter writes an MPEG-TS file. All MPEG-TS timestamps run at
// 90 kHz, so audio timestamps are rescaled from the sample rate.
type mpegtsWriter struct {
	fi         *os.File
	bw         *bufio.Writer
	mw         *mpegts.Writer
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track
	audioRate  int64
}

func newMPEGTSWriter(path string, video *VideoTrack, audio *AudioTrack) (Writer, error) {
	w := &mpegtsWriter{}
	var tracks []*mpegts.Track

	if video != nil {
		if video.Codec != codec.VideoH264 {
			return nil, fmt.Errorf("mpegts: unsupported video codec %q", video.Codec)
		}
		w.videoTrack = &mpegts.Track{Codec: &mpegts.CodecH264{}}
		tracks = append(tracks, w.videoTrack)
	}

	if audio != nil {
		if audio.Codec != codec.AudioOpus {
			return nil, fmt.Errorf("mpegts: unsupported audio codec %q", audio.Codec)
		}
		w.audioTrack = &mpegts.Track{Codec: &mpegts.CodecOpus{ChannelCount: audio.Channels}}
		w.audioRate = int64(audio.SampleRate)
		tracks = append(tracks, w.audioTrack)
	}

	fi, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w.fi = fi
	w.bw = bufio.NewWriterSize(fi, mpegtsBufferSize)
	w.mw = &mpegts.Writer{W: w.bw, Tracks: tracks}
	if err := w.mw.Initialize(); err != nil {
		fi.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mpegts: initialize writer: %w", err)
	}

	return w, nil
}

func (w *mpegtsWriter) WriteVideo(pkt *codec.Packet) error {
	if w.videoTrack == nil {
		return fmt.Errorf("mpegts: no video track")
	}
	return w.mw.WriteH264(w.videoTrack, pkt.PTS, pkt.DTS, pkt.AU)
}

func (w *mpegtsWriter) WriteAudio(pkt *codec.Packet) error {
	if w.audioTrack == nil {
		return fmt.Errorf("mpegts: no audio track")
	}
	pts := multiplyAndDivide(pkt.PTS, 90000, w.audioRate)
	return w.mw.WriteOpus(w.audioTrack, pts, [][]byte{pkt.Payload()})
}

func (w *mpegtsWriter) Flush() error {
	return w.bw.Flush()
}

func (w *mpegtsWriter) Close() error {
	err := w.bw.Flush()
	if err2 := w.fi.Close(); err == nil {
		err = err2
	}
	return err
}
