package codec

import (
	"errors"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// The default backends are passthroughs: LiveKit delivers tracks
// already encoded (H.264/VP8 video, Opus audio), so the common path
// repackages access units with assigned timestamps instead of
// transcoding. A passthrough never buffers, which means Encode always
// emits exactly one packet and Flush is a no-op.

type h264Passthrough struct {
	closed bool
}

func newH264Passthrough(_ VideoConfig) (VideoEncoder, error) {
	return &h264Passthrough{}, nil
}

func (e *h264Passthrough) Encode(frame *VideoFrame, pts, dts int64) ([]Packet, error) {
	if e.closed {
		return nil, NewError(KindInvalidInput, "h264 encode", errors.New("encoder closed"))
	}
	if len(frame.AU) == 0 {
		return nil, NewError(KindInvalidInput, "h264 encode", errors.New("empty access unit"))
	}
	return []Packet{{
		PTS:      pts,
		DTS:      dts,
		Keyframe: h264.IsRandomAccess(frame.AU),
		AU:       frame.AU,
	}}, nil
}

func (e *h264Passthrough) Flush() ([]Packet, error) { return nil, nil }

func (e *h264Passthrough) Close() error {
	e.closed = true
	return nil
}

// ExtractH264Params returns the SPS and PPS NAL units contained in an
// access unit, or nil for whichever is absent.
func ExtractH264Params(au [][]byte) (sps []byte, pps []byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps
}

type vp8Passthrough struct {
	closed bool
}

func newVP8Passthrough(_ VideoConfig) (VideoEncoder, error) {
	return &vp8Passthrough{}, nil
}

func (e *vp8Passthrough) Encode(frame *VideoFrame, pts, dts int64) ([]Packet, error) {
	if e.closed {
		return nil, NewError(KindInvalidInput, "vp8 encode", errors.New("encoder closed"))
	}
	if len(frame.AU) != 1 || len(frame.AU[0]) == 0 {
		return nil, NewError(KindInvalidInput, "vp8 encode", errors.New("expected a single non-empty frame payload"))
	}
	return []Packet{{
		PTS:      pts,
		DTS:      dts,
		Keyframe: VP8IsKeyframe(frame.AU[0]),
		AU:       frame.AU,
	}}, nil
}

func (e *vp8Passthrough) Flush() ([]Packet, error) { return nil, nil }

func (e *vp8Passthrough) Close() error {
	e.closed = true
	return nil
}

// VP8IsKeyframe reports whether a VP8 frame payload is a keyframe.
// Bit 0 of the first byte of the frame tag is the inverse keyframe
// flag.
func VP8IsKeyframe(frame []byte) bool {
	return len(frame) > 0 && (frame[0]&0x01) == 0
}

type opusPassthrough struct {
	closed bool
}

func newOpusPassthrough(_ AudioConfig) (AudioEncoder, error) {
	return &opusPassthrough{}, nil
}

func (e *opusPassthrough) Encode(frame *AudioFrame, pts int64) ([]Packet, error) {
	if e.closed {
		return nil, NewError(KindInvalidInput, "opus encode", errors.New("encoder closed"))
	}
	if len(frame.Data) == 0 {
		return nil, NewError(KindInvalidInput, "opus encode", errors.New("empty packet"))
	}
	return []Packet{{
		PTS:      pts,
		DTS:      pts,
		Keyframe: true,
		AU:       [][]byte{frame.Data},
	}}, nil
}

func (e *opusPassthrough) Flush() ([]Packet, error) { return nil, nil }

func (e *opusPassthrough) Close() error {
	e.closed = true
	return nil
}
