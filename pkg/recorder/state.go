package recorder

// RecordingState is the lifecycle state of a Recorder.
//
// Transitions are strictly forward along the declared order, with one
// exception: any state may jump directly to StateStopped on a fatal
// error. StateStopped is terminal; a new Recorder must be created to
// record again.
type RecordingState int32

const (
	StateDisconnected RecordingState = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateSubscribed
	StateRecording
	StateStopping
	StateStopped
)

var stateNames = map[RecordingState]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateSubscribing:  "subscribing",
	StateSubscribed:   "subscribed",
	StateRecording:    "recording",
	StateStopping:     "stopping",
	StateStopped:      "stopped",
}

func (s RecordingState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// canTransitionTo reports whether moving from s to next is legal:
// exactly one step forward, or a jump to StateStopped.
func (s RecordingState) canTransitionTo(next RecordingState) bool {
	if s == StateStopped {
		return false
	}
	if next == StateStopped {
		return true
	}
	return next == s+1
}

// Terminal reports whether the state admits no further transitions.
func (s RecordingState) Terminal() bool {
	return s == StateStopped
}
