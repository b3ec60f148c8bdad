package recorder

import "sync/atomic"

// zeroPacketStreakWarn is the consecutive-zero-packet-encode count at
// which encoder starvation is reported. Encoders legitimately buffer
// several frames before emitting a packet, so a short streak is normal.
const zeroPacketStreakWarn = 30

// RecordingStats are the counters of one recording, updated by the
// pipeline and read concurrently by status queries.
type RecordingStats struct {
	VideoFramesReceived atomic.Uint64
	VideoFramesWritten  atomic.Uint64
	AudioFramesReceived atomic.Uint64
	AudioFramesWritten  atomic.Uint64

	// DroppedBackpressure counts frames rejected at enqueue time
	// because the estimated queue memory exceeded the ceiling. Queue
	// overflow evictions are counted by the queues themselves.
	DroppedBackpressure atomic.Uint64

	EncoderFlushCount atomic.Uint64
	PacketsWritten    atomic.Uint64

	// ZeroPacketStreak is the current run of encode calls that produced
	// no packet, used to detect encoder stalls.
	ZeroPacketStreak atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of RecordingStats plus the
// clock's jitter window, safe to hand across the control-plane
// boundary.
type StatsSnapshot struct {
	VideoFramesReceived uint64  `json:"video_frames_received"`
	VideoFramesWritten  uint64  `json:"video_frames_written"`
	AudioFramesReceived uint64  `json:"audio_frames_received"`
	AudioFramesWritten  uint64  `json:"audio_frames_written"`
	DroppedBackpressure uint64  `json:"dropped_frames_backpressure"`
	DroppedQueueFull    uint64  `json:"dropped_frames_queue_full"`
	EncoderFlushCount   uint64  `json:"encoder_flush_count"`
	PacketsWritten      uint64  `json:"packets_written"`
	ZeroPacketStreak    uint64  `json:"zero_packet_streak"`
	PTSClampCount       uint64  `json:"pts_clamp_count"`
	JitterSamples       []int64 `json:"jitter_samples,omitempty"`
}

// Snapshot copies the counters.
func (s *RecordingStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		VideoFramesReceived: s.VideoFramesReceived.Load(),
		VideoFramesWritten:  s.VideoFramesWritten.Load(),
		AudioFramesReceived: s.AudioFramesReceived.Load(),
		AudioFramesWritten:  s.AudioFramesWritten.Load(),
		DroppedBackpressure: s.DroppedBackpressure.Load(),
		EncoderFlushCount:   s.EncoderFlushCount.Load(),
		PacketsWritten:      s.PacketsWritten.Load(),
		ZeroPacketStreak:    s.ZeroPacketStreak.Load(),
	}
}

// notePackets updates the zero-packet streak after an encode call and
// reports whether the streak just crossed the warn threshold.
func (s *RecordingStats) notePackets(n int) bool {
	if n > 0 {
		s.PacketsWritten.Add(uint64(n))
		s.ZeroPacketStreak.Store(0)
		return false
	}
	return s.ZeroPacketStreak.Add(1) == zeroPacketStreakWarn
}
