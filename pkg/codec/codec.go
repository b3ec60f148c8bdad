// Package codec defines the boundary between the recording pipeline and
// the media encoders it drives. The pipeline hands frames in, encoders
// hand timed packets back; everything else (muxing, timing, flushing)
// stays on the pipeline side.
package codec

import (
	"fmt"
	"sync"
)

// VideoCodec identifies a video codec.
type VideoCodec string

// AudioCodec identifies an audio codec.
type AudioCodec string

// Supported codecs.
const (
	VideoH264 VideoCodec = "h264"
	VideoVP8  VideoCodec = "vp8"

	AudioOpus AudioCodec = "opus"
)

// Acceleration selects the encoder implementation class. Hardware
// acceleration is a hint: backends that have no hardware path treat it
// as Software.
type Acceleration int

const (
	// AccelAuto lets the backend pick hardware if available.
	AccelAuto Acceleration = iota
	// AccelHardware requires a hardware encoder.
	AccelHardware
	// AccelSoftware forces the software path. Used as the fallback after
	// a hardware initialization failure.
	AccelSoftware
)

// VideoFrame is one video frame as delivered by the media session.
// The payload is an H.264/VP8 access unit split into NAL units (a
// single element for VP8). Timestamp is the native RTP timestamp at
// the track's 90 kHz clock.
type VideoFrame struct {
	Timestamp uint32
	Width     int
	Height    int
	AU        [][]byte
	Keyframe  bool
}

// Size returns the payload size in bytes.
func (f *VideoFrame) Size() int {
	n := 0
	for _, nalu := range f.AU {
		n += len(nalu)
	}
	return n
}

// AudioFrame is one audio frame (a single Opus packet). Timestamp is
// the native RTP timestamp at the track's sample-rate clock; Samples is
// the number of samples the packet carries per channel.
type AudioFrame struct {
	Timestamp  uint32
	SampleRate int
	Channels   int
	Samples    int
	Data       []byte
}

// Packet is one encoded, timed unit ready for muxing. PTS and DTS are
// expressed in the clock units of the originating track (90 kHz for
// video, sample rate for audio). Audio packets carry a single AU
// element.
type Packet struct {
	PTS      int64
	DTS      int64
	Keyframe bool
	AU       [][]byte
}

// Payload returns the packet payload as a single buffer. For video
// this is only meaningful for single-NALU packets; audio packets always
// have exactly one element.
func (p *Packet) Payload() []byte {
	if len(p.AU) == 1 {
		return p.AU[0]
	}
	var out []byte
	for _, nalu := range p.AU {
		out = append(out, nalu...)
	}
	return out
}

// VideoConfig configures a video encoder.
type VideoConfig struct {
	Codec   VideoCodec
	Width   int
	Height  int
	Bitrate int // bits per second
	GOPSize int
	Accel   Acceleration
}

// AudioConfig configures an audio encoder.
type AudioConfig struct {
	Codec      AudioCodec
	SampleRate int
	Channels   int
	Bitrate    int
	Accel      Acceleration
}

// VideoEncoder consumes video frames and produces packets. Encoders may
// buffer internally (B-frame lookahead), so Encode can legitimately
// return zero packets for several consecutive calls; Flush drains
// whatever is buffered.
type VideoEncoder interface {
	// Encode submits one frame with its assigned timestamps and returns
	// any packets that became available.
	Encode(frame *VideoFrame, pts, dts int64) ([]Packet, error)
	// Flush drains buffered packets without submitting new input.
	Flush() ([]Packet, error)
	Close() error
}

// AudioEncoder is the audio counterpart of VideoEncoder.
type AudioEncoder interface {
	Encode(frame *AudioFrame, pts int64) ([]Packet, error)
	Flush() ([]Packet, error)
	Close() error
}

// VideoFactory builds a video encoder for a configuration.
type VideoFactory func(cfg VideoConfig) (VideoEncoder, error)

// AudioFactory builds an audio encoder for a configuration.
type AudioFactory func(cfg AudioConfig) (AudioEncoder, error)

var (
	registryMu     sync.RWMutex
	videoFactories = map[VideoCodec]VideoFactory{}
	audioFactories = map[AudioCodec]AudioFactory{}
)

// RegisterVideoFactory registers the encoder backend for a video codec,
// replacing any previous registration. Transcoding backends (GStreamer,
// x264) register themselves here; the built-in passthrough factories
// are registered by default.
func RegisterVideoFactory(codec VideoCodec, f VideoFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	videoFactories[codec] = f
}

// RegisterAudioFactory registers the encoder backend for an audio codec.
func RegisterAudioFactory(codec AudioCodec, f AudioFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	audioFactories[codec] = f
}

// NewVideoEncoder builds a video encoder using the registered backend
// for cfg.Codec.
func NewVideoEncoder(cfg VideoConfig) (VideoEncoder, error) {
	registryMu.RLock()
	f, ok := videoFactories[cfg.Codec]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no encoder backend registered for video codec %q", cfg.Codec)
	}
	return f(cfg)
}

// NewAudioEncoder builds an audio encoder using the registered backend
// for cfg.Codec.
func NewAudioEncoder(cfg AudioConfig) (AudioEncoder, error) {
	registryMu.RLock()
	f, ok := audioFactories[cfg.Codec]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no encoder backend registered for audio codec %q", cfg.Codec)
	}
	return f(cfg)
}

// Built-in passthrough backends, exposed so a caller that replaced a
// registration can restore the default.
var (
	DefaultH264Factory VideoFactory = newH264Passthrough
	DefaultVP8Factory  VideoFactory = newVP8Passthrough
	DefaultOpusFactory AudioFactory = newOpusPassthrough
)

func init() {
	RegisterVideoFactory(VideoH264, DefaultH264Factory)
	RegisterVideoFactory(VideoVP8, DefaultVP8Factory)
	RegisterAudioFactory(AudioOpus, DefaultOpusFactory)
}
