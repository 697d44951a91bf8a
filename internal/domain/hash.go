package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent    = "habitledger/event/v1"
	DomainSnapshot = "habitledger/snapshot/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed ID of a progress event.
//
// The owner (UserID) is EXCLUDED. Guest migration re-tags the owner of an
// event, and the id must survive that so remote copies still deduplicate.
// OriginUserID never changes and takes its place in the hash.
func EventID(e ProgressEvent) (string, error) {
	obj := map[string]any{
		"origin_user_id": e.OriginUserID,
		"device_id":      e.DeviceID,
		"sequence":       e.Sequence,
		"habit_id":       e.HabitID,
		"date_key":       e.DateKey,
		"kind":           e.Kind,
		"value":          e.Value,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// SnapshotID computes the ID of a compaction snapshot from its key and the
// ids of the events it replaces. Compacting the same events twice yields the
// same snapshot.
func SnapshotID(key RecordKey, replaced []string) (string, error) {
	obj := map[string]any{
		"user_id":  key.UserID,
		"habit_id": key.HabitID,
		"date_key": key.DateKey,
		"replaces": replaced,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("SnapshotID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}
