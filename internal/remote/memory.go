package remote

import (
	"context"
	"sync"
)

// Memory is an in-process document store. Several ledgers may share one
// Memory to simulate devices syncing through the same backend.
//
// Hooks let tests inject failures or block a call until released.
type Memory struct {
	mu          sync.Mutex
	collections map[string]*memCollection
	putCalls    int

	putHook   func(ctx context.Context, collection, id string) error
	queryHook func(ctx context.Context, collection string) error
}

type memCollection struct {
	offsets map[string]int64
	docs    []Document
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{collections: map[string]*memCollection{}}
}

// SetPutHook installs fn to run before every Put. A non-nil error from fn
// fails the Put without storing anything.
func (m *Memory) SetPutHook(fn func(ctx context.Context, collection, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putHook = fn
}

// SetQueryHook installs fn to run before every Query.
func (m *Memory) SetQueryHook(fn func(ctx context.Context, collection string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryHook = fn
}

// Put implements DocumentStore.
func (m *Memory) Put(ctx context.Context, collection, id string, data []byte) error {
	m.mu.Lock()
	hook := m.putHook
	m.putCalls++
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, collection, id); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	if _, ok := c.offsets[id]; ok {
		return nil
	}
	seq := int64(len(c.docs) + 1)
	c.offsets[id] = seq
	c.docs = append(c.docs, Document{ID: id, Seq: seq, Data: append([]byte(nil), data...)})
	return nil
}

// Query implements DocumentStore.
func (m *Memory) Query(ctx context.Context, collection string, since int64, limit int) ([]Document, error) {
	m.mu.Lock()
	hook := m.queryHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, collection); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	out := []Document{}
	for _, d := range c.docs {
		if d.Seq <= since {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

// Len returns the number of documents in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collection(collection).docs)
}

// PutCalls returns how many times Put was called, failed calls included.
func (m *Memory) PutCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCalls
}

func (m *Memory) collection(name string) *memCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{offsets: map[string]int64{}}
		m.collections[name] = c
	}
	return c
}
