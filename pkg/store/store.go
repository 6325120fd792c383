package store

import (
	"context"
	"encoding/json"
	"fmt"

	"netsatbench/pkg/model"
)

// EventType classifies watch events. Watch loops switch on this instead of
// treating errors as control flow.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
	// EventResync tells the consumer its view may have gaps (reconnect,
	// compaction, dropped events); it should list-then-diff before resuming.
	EventResync
	// EventFatal means the watch cannot continue; Err carries the cause.
	EventFatal
)

// Event is one entry of an ordered watch stream. Rev is the commit revision;
// all keys touched by the same transaction share it.
type Event struct {
	Type  EventType
	Key   string
	Value []byte
	Rev   int64
	Err   error
}

// OpType is the kind of one transaction operation.
type OpType int

const (
	OpPut OpType = iota
	OpDelete
	OpDeletePrefix
)

// Op is one operation inside a transaction. Order is preserved so a batch
// can guarantee deletes-before-adds semantics for its watchers.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
}

// Txn is an ordered list of operations applied atomically under a single
// commit revision.
type Txn []Op

// PutJSON appends a put of the JSON encoding of v.
func (t Txn) PutJSON(key string, v any) Txn {
	b, _ := json.Marshal(v)
	return append(t, Op{Type: OpPut, Key: key, Value: b})
}

// Delete appends a delete.
func (t Txn) Delete(key string) Txn {
	return append(t, Op{Type: OpDelete, Key: key})
}

// DeletePrefix appends a range delete.
func (t Txn) DeletePrefix(prefix string) Txn {
	return append(t, Op{Type: OpDeletePrefix, Key: prefix})
}

// Store is the replicated key-value map every component coordinates
// through. Values are UTF-8 JSON. It is the only shared mutable resource in
// the system.
type Store interface {
	// Get returns the value and its mod revision, or nil when absent.
	Get(ctx context.Context, key string) ([]byte, int64, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all keys under prefix and the revision of the snapshot.
	List(ctx context.Context, prefix string) (map[string][]byte, int64, error)
	// Commit applies all operations atomically under one revision.
	Commit(ctx context.Context, txn Txn) error
	// Watch streams ordered events for a prefix starting after fromRev
	// (0 means from now). The channel closes when ctx is done.
	Watch(ctx context.Context, prefix string, fromRev int64) <-chan Event
	Close() error
}

// GetJSON unmarshals the value at key into out. Returns false when the key
// is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	b, _, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// PutJSON writes the JSON encoding of v at key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Put(ctx, key, b)
}

// ListValues returns raw values keyed by the last path segment, for
// prefixes holding plain strings (etchosts).
func ListValues(ctx context.Context, s Store, prefix string) (map[string]string, error) {
	kvs, _, err := s.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", model.ErrStore, prefix, err)
	}
	out := make(map[string]string, len(kvs))
	for k, v := range kvs {
		out[lastSegment(k)] = string(v)
	}
	return out, nil
}

// ListJSON decodes every value under prefix into T keyed by the last path
// segment, the shape all /config/* prefixes share.
func ListJSON[T any](ctx context.Context, s Store, prefix string) (map[string]*T, error) {
	kvs, _, err := s.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", model.ErrStore, prefix, err)
	}
	out := make(map[string]*T, len(kvs))
	for k, v := range kvs {
		name := lastSegment(k)
		item := new(T)
		if err := json.Unmarshal(v, item); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", k, err)
		}
		out[name] = item
	}
	return out, nil
}
