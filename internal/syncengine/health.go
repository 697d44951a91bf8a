package syncengine

import "time"

// State is the engine's position in its cycle.
type State string

const (
	StateIdle      State = "idle"
	StateUploading State = "uploading"
	StateMerging   State = "merging"
	StateError     State = "error"
)

// Health is a snapshot of the engine's sync status.
type Health struct {
	State               State     `json:"state"`
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Degraded            bool      `json:"degraded"`
	LastError           string    `json:"last_error,omitempty"`
	EnqueueFailures     int64     `json:"enqueue_failures"`
	Pending             int64     `json:"pending"`
}

// Backoff returns the wait before retry number failures (1-based):
// initial doubled per earlier failure, never more than maxDelay.
func Backoff(initial, maxDelay time.Duration, failures int) time.Duration {
	if failures < 1 || initial <= 0 {
		return initial
	}
	d := initial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
