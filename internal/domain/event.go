package domain

import (
	"fmt"
	"time"
)

// EventKind identifies how an event's value combines with the fold.
type EventKind string

const (
	// KindDelta adds Value to the running progress.
	KindDelta EventKind = "delta"

	// KindSet replaces the running progress with Value.
	KindSet EventKind = "set"

	// KindSnapshotSum is a compaction snapshot of purely additive events.
	KindSnapshotSum EventKind = "snapshot_sum"

	// KindSnapshotSet is a compaction snapshot of a key containing a set.
	KindSnapshotSet EventKind = "snapshot_set"
)

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindDelta, KindSet, KindSnapshotSum, KindSnapshotSet:
		return true
	}
	return false
}

// Additive reports whether events of this kind add to the fold.
func (k EventKind) Additive() bool {
	return k == KindDelta || k == KindSnapshotSum
}

// IsSnapshot reports whether k is a synthetic compaction kind.
// Snapshots are local only and never uploaded.
func (k EventKind) IsSnapshot() bool {
	return k == KindSnapshotSum || k == KindSnapshotSet
}

// ProgressEvent is one immutable entry in the progress log.
//
// Sequence is the ONLY ordering field. CreatedAt is kept for audit and for
// the compaction recency window; it never decides order.
type ProgressEvent struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	OriginUserID string    `json:"origin_user_id"`
	DeviceID     string    `json:"device_id"`
	HabitID      string    `json:"habit_id"`
	DateKey      DateKey   `json:"date_key"`
	Kind         EventKind `json:"kind"`
	Value        int64     `json:"value"`
	Sequence     int64     `json:"sequence"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stream returns the (origin user, device) pair the event's sequence belongs to.
func (e ProgressEvent) Stream() Stream {
	return Stream{OriginUserID: e.OriginUserID, DeviceID: e.DeviceID}
}

// Key returns the completion record key the event contributes to.
func (e ProgressEvent) Key() RecordKey {
	return RecordKey{UserID: e.UserID, HabitID: e.HabitID, DateKey: e.DateKey}
}

// WithID returns a copy of e with its content-addressed ID filled in.
func (e ProgressEvent) WithID() (ProgressEvent, error) {
	id, err := EventID(e)
	if err != nil {
		return e, err
	}
	e.ID = id
	return e, nil
}

// Validate checks the structural invariants of an event. It does not check
// the sequence against the stream head; the ledger does that.
func (e ProgressEvent) Validate() error {
	if err := ValidateUserID(e.UserID); err != nil {
		return err
	}
	if err := ValidateUserID(e.OriginUserID); err != nil {
		return err
	}
	if e.DeviceID == "" {
		return NewValidationError(CodeInvalidEvent, "device_id is required")
	}
	if e.HabitID == "" {
		return NewValidationError(CodeInvalidEvent, "habit_id is required")
	}
	if _, err := ParseDateKey(string(e.DateKey)); err != nil {
		return err
	}
	if !e.Kind.Valid() {
		return NewValidationError(CodeInvalidEvent, fmt.Sprintf("unknown event kind %q", e.Kind))
	}
	if e.Sequence <= 0 {
		return NewValidationError(CodeInvalidEvent, fmt.Sprintf("sequence must be positive, got %d", e.Sequence))
	}
	if e.ID != "" {
		want, err := EventID(e)
		if err != nil {
			return NewValidationError(CodeInvalidEvent, err.Error())
		}
		if e.ID != want && !e.Kind.IsSnapshot() {
			return &Error{
				Kind:    KindValidation,
				Code:    CodeInvalidEvent,
				Message: "event id does not match its content",
				Details: map[string]string{"id": e.ID, "expected": want},
			}
		}
	}
	return nil
}

// Stream identifies one sequence space: the user who created an event and the
// device it was created on. Re-tagging an event's owner never moves it to a
// different stream.
type Stream struct {
	OriginUserID string `json:"origin_user_id"`
	DeviceID     string `json:"device_id"`
}

func (s Stream) String() string {
	owner := s.OriginUserID
	if owner == GuestUserID {
		owner = "<guest>"
	}
	return owner + "/" + s.DeviceID
}
