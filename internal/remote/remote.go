// Package remote holds document store clients used by the sync engine.
//
// A document store is multi-writer across a user's devices. Put is an
// idempotent upsert by id: a second Put of the same id is acknowledged and
// changes nothing. Every accepted document gets a server-assigned offset that
// increases within its collection; Query pages through a collection by that
// offset.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/habitledger/internal/domain"
)

// Document is one stored document.
type Document struct {
	ID   string
	Seq  int64
	Data []byte
}

// DocumentStore is a remote document store client.
type DocumentStore interface {
	// Put stores data under id unless id is already present.
	Put(ctx context.Context, collection, id string, data []byte) error

	// Query returns up to limit documents with an offset greater than
	// since, ascending by offset.
	Query(ctx context.Context, collection string, since int64, limit int) ([]Document, error)
}

// EventsCollection names the collection holding a user's progress events.
func EventsCollection(prefix, userID string) string {
	return prefix + "progress_events/" + userID
}

// EncodeEvent produces the wire form of an event: its JSON encoding with
// snake_case keys.
func EncodeEvent(e domain.ProgressEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return data, nil
}

// DecodeEvent parses the wire form of an event.
func DecodeEvent(data []byte) (domain.ProgressEvent, error) {
	var e domain.ProgressEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return e, domain.NewSyncError(domain.CodeDecodeFailure, "decode remote event", err)
	}
	if e.ID == "" {
		return e, domain.NewSyncError(domain.CodeDecodeFailure, "remote event has no id", nil)
	}
	return e, nil
}
