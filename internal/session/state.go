package session

import "fmt"

// State is the lifecycle position of a Machine.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StatePreviewing
	StateCapturingPhoto
	StateRecordingVideo
	StateAnalyzing
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StatePreviewing:
		return "previewing"
	case StateCapturingPhoto:
		return "capturing_photo"
	case StateRecordingVideo:
		return "recording_video"
	case StateAnalyzing:
		return "analyzing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText lets states appear by name in JSON events.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
