package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestMemoryGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v, _, err := m.Get(ctx, "/config/nodes/sat1")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, m.Put(ctx, "/config/nodes/sat1", []byte(`{"type":"satellite"}`)))
	v, rev, err := m.Get(ctx, "/config/nodes/sat1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"satellite"}`, string(v))
	assert.Equal(t, int64(1), rev)

	require.NoError(t, m.Delete(ctx, "/config/nodes/sat1"))
	v, _, err = m.Get(ctx, "/config/nodes/sat1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryTxnSingleRevision(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ch := m.Watch(ctx, "/config/links/", 0)

	txn := Txn{}.
		PutJSON("/config/links/sat1/vl_sat2_1", map[string]string{"a": "1"}).
		PutJSON("/config/links/sat2/vl_sat1_1", map[string]string{"a": "1"})
	require.NoError(t, m.Commit(ctx, txn))

	evs := collect(t, ch, 2)
	assert.Equal(t, evs[0].Rev, evs[1].Rev, "one txn, one revision")
	assert.Equal(t, EventPut, evs[0].Type)
}

func TestMemoryTxnOrderPreserved(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "/config/links/sat1/vl_sat2_1", []byte(`{}`)))

	ch := m.Watch(ctx, "/config/links/sat1/", 0)

	// re-homing: delete then add must arrive in that order
	txn := Txn{}.
		Delete("/config/links/sat1/vl_sat2_1").
		PutJSON("/config/links/sat1/vl_sat3_1", map[string]string{"b": "2"})
	require.NoError(t, m.Commit(ctx, txn))

	evs := collect(t, ch, 2)
	assert.Equal(t, EventDelete, evs[0].Type)
	assert.Equal(t, "/config/links/sat1/vl_sat2_1", evs[0].Key)
	assert.Equal(t, EventPut, evs[1].Type)
	assert.Equal(t, "/config/links/sat1/vl_sat3_1", evs[1].Key)
}

func TestMemoryRevisionsMonotonic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ch := m.Watch(ctx, "/", 0)

	require.NoError(t, m.Put(ctx, "/a", []byte("1")))
	require.NoError(t, m.Put(ctx, "/b", []byte("2")))
	require.NoError(t, m.Put(ctx, "/a", []byte("3")))

	evs := collect(t, ch, 3)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Rev, evs[i-1].Rev)
	}
}

func TestMemoryPutSameValueBumpsRevision(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "/a", []byte("same")))
	before := m.Rev()

	// etcd parity: an identical put is still a new revision and still
	// reaches watchers. Task lists rely on this for re-execution in loop
	// mode.
	ch := m.Watch(ctx, "/a", 0)
	require.NoError(t, m.Put(ctx, "/a", []byte("same")))
	_, rev, err := m.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Greater(t, rev, before)
	evs := collect(t, ch, 1)
	assert.Equal(t, EventPut, evs[0].Type)
}

func TestMemoryDeleteMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ch := m.Watch(ctx, "/", 0)

	require.NoError(t, m.Delete(ctx, "/gone"))
	require.NoError(t, m.Put(ctx, "/a", []byte("1")))

	evs := collect(t, ch, 1)
	assert.Equal(t, "/a", evs[0].Key, "missing delete emitted nothing")
}

func TestMemoryList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "/config/nodes/sat1", []byte("1")))
	require.NoError(t, m.Put(ctx, "/config/nodes/sat2", []byte("2")))
	require.NoError(t, m.Put(ctx, "/config/workers/host-1", []byte("3")))

	kvs, _, err := m.List(ctx, "/config/nodes/")
	require.NoError(t, err)
	assert.Len(t, kvs, 2)
}

func TestMemoryDeletePrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "/config/links/sat1/vl_sat2_1", []byte("1")))
	require.NoError(t, m.Put(ctx, "/config/links/sat2/vl_sat1_1", []byte("1")))
	require.NoError(t, m.Put(ctx, "/config/nodes/sat1", []byte("1")))

	require.NoError(t, m.Commit(ctx, Txn{}.DeletePrefix("/config/links/")))

	kvs, _, err := m.List(ctx, "/config/")
	require.NoError(t, err)
	assert.Len(t, kvs, 1)
}

func TestGetJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, PutJSON(ctx, m, "/config/nodes/sat1", payload{Name: "sat1"}))

	var got payload
	ok, err := GetJSON(ctx, m, "/config/nodes/sat1", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sat1", got.Name)

	ok, err = GetJSON(ctx, m, "/config/nodes/none", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, PutJSON(ctx, m, "/config/nodes/sat2", payload{Name: "sat2"}))
	all, err := ListJSON[payload](ctx, m, "/config/nodes/")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "sat2", all["sat2"].Name)
}
