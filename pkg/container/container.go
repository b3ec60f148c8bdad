// Package container writes encoded packets to media container files.
// Every writer shares the same contract: tracks are declared at
// construction, packets arrive in DTS order per track, Flush makes the
// bytes written so far decodable, and Close finalizes the file.
package container

import (
	"fmt"

	"github.com/recordkit/livekit-recorder/pkg/codec"
)

// Format identifies a container format.
type Format string

// Supported container formats.
const (
	FormatMP4    Format = "mp4"
	FormatMPEGTS Format = "mpegts"
	FormatWebM   Format = "webm"
	FormatMKV    Format = "mkv"
)

// Extension returns the output file extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatMPEGTS:
		return ".ts"
	case FormatWebM:
		return ".webm"
	case FormatMKV:
		return ".mkv"
	default:
		return ".mp4"
	}
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	switch f {
	case FormatMP4, FormatMPEGTS, FormatWebM, FormatMKV:
		return true
	}
	return false
}

// VideoTrack declares the video track of a container. SPS and PPS are
// only meaningful for H.264; when nil, 1080p baseline defaults are
// used until real parameter sets are seen.
type VideoTrack struct {
	Codec     codec.VideoCodec
	ClockRate int
	Width     int
	Height    int
	SPS       []byte
	PPS       []byte
}

// AudioTrack declares the audio track of a container.
type AudioTrack struct {
	Codec      codec.AudioCodec
	SampleRate int
	Channels   int
}

// Writer muxes encoded packets into a single container file.
//
// Timestamps are in native track clock units: the video track's clock
// rate for video packets, the audio sample rate for audio packets.
// Writers are not safe for concurrent use; the recording pipeline
// serializes access through its encode loop.
type Writer interface {
	// WriteVideo muxes one video packet.
	WriteVideo(pkt *codec.Packet) error
	// WriteAudio muxes one audio packet.
	WriteAudio(pkt *codec.Packet) error
	// Flush forces buffered data to disk so the file is playable up to
	// the last flushed packet.
	Flush() error
	// Close flushes and finalizes the file.
	Close() error
}

// NewWriter opens a container file at path for the given tracks. At
// least one track must be declared.
func NewWriter(format Format, path string, video *VideoTrack, audio *AudioTrack) (Writer, error) {
	if video == nil && audio == nil {
		return nil, fmt.Errorf("container: at least one track is required")
	}

	switch format {
	case FormatMP4:
		return newFMP4Writer(path, video, audio)
	case FormatMPEGTS:
		return newMPEGTSWriter(path, video, audio)
	case FormatWebM, FormatMKV:
		return newMatroskaWriter(path, video, audio)
	default:
		return nil, fmt.Errorf("container: unsupported format %q", format)
	}
}
