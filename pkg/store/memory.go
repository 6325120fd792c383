package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store with the same revision and watch semantics
// as the etcd backend. Tests for every component run against it.
type Memory struct {
	mu       sync.Mutex
	kv       map[string]entry
	rev      int64
	watchers []*memWatcher
}

type entry struct {
	value []byte
	rev   int64
}

type memWatcher struct {
	prefix string
	ch     chan Event
	ctx    context.Context
}

func NewMemory() *Memory {
	return &Memory{kv: make(map[string]entry)}
}

// Rev returns the current revision, for test assertions.
func (m *Memory) Rev() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rev
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), e.value...), e.rev, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	return m.Commit(ctx, Txn{{Type: OpPut, Key: key, Value: value}})
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	return m.Commit(ctx, Txn{{Type: OpDelete, Key: key}})
}

func (m *Memory) List(_ context.Context, prefix string) (map[string][]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]byte{}
	for k, e := range m.kv {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), e.value...)
		}
	}
	return out, m.rev, nil
}

func (m *Memory) Commit(_ context.Context, txn Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(txn) == 0 {
		return nil
	}
	m.rev++
	rev := m.rev
	var events []Event
	for _, op := range txn {
		switch op.Type {
		case OpPut:
			// like etcd, a put of an identical value still bumps the mod
			// revision and reaches watchers; callers that want
			// put-if-different must compare first
			m.kv[op.Key] = entry{value: append([]byte(nil), op.Value...), rev: rev}
			events = append(events, Event{Type: EventPut, Key: op.Key, Value: append([]byte(nil), op.Value...), Rev: rev})
		case OpDelete:
			if _, ok := m.kv[op.Key]; !ok {
				continue
			}
			delete(m.kv, op.Key)
			events = append(events, Event{Type: EventDelete, Key: op.Key, Rev: rev})
		case OpDeletePrefix:
			var keys []string
			for k := range m.kv {
				if strings.HasPrefix(k, op.Key) {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				delete(m.kv, k)
				events = append(events, Event{Type: EventDelete, Key: k, Rev: rev})
			}
		}
	}
	for _, w := range m.watchers {
		for _, ev := range events {
			if !strings.HasPrefix(ev.Key, w.prefix) {
				continue
			}
			select {
			case w.ch <- ev:
			case <-w.ctx.Done():
			default:
				// slow consumer: force a list-then-diff instead of blocking
				// the committer
				select {
				case w.ch <- Event{Type: EventResync, Rev: rev}:
				default:
				}
			}
		}
	}
	return nil
}

func (m *Memory) Watch(ctx context.Context, prefix string, _ int64) <-chan Event {
	w := &memWatcher{prefix: prefix, ch: make(chan Event, 256), ctx: ctx}
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, x := range m.watchers {
			if x == w {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(w.ch)
	}()
	return w.ch
}

func (m *Memory) Close() error { return nil }
