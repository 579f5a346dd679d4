package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_DispatchesByCollection(t *testing.T) {
	profiles := NewMemoryStore()
	statuses := NewMemoryStore()
	router := NewRouter(profiles).Route("deviceStatus", statuses)
	ctx := context.Background()

	require.NoError(t, router.Patch(ctx, "braceletUsers", "u1", map[string]any{"name": "Eman"}))
	require.NoError(t, router.Patch(ctx, "deviceStatus", "d1", map[string]any{"battery": 80}))

	_, err := profiles.ReadOne(ctx, "deviceStatus", "d1")
	assert.ErrorIs(t, err, ErrNotFound)
	doc, err := statuses.ReadOne(ctx, "deviceStatus", "d1")
	require.NoError(t, err)
	assert.Equal(t, 80, doc.Data["battery"])

	require.NoError(t, router.Delete(ctx, "deviceStatus", "d1"))
}

func TestRouter_NoFallback(t *testing.T) {
	router := NewRouter(nil)
	_, err := router.ReadAll(context.Background(), "anything", nil)
	assert.Error(t, err)
}

func TestMemoryStore_SubscribeAndCancel(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var got [][]ChangeEvent
	var gotErr error
	cancel, err := store.Subscribe(ctx, "deviceStatus",
		func(batch []ChangeEvent) { got = append(got, batch) },
		func(err error) { gotErr = err },
	)
	require.NoError(t, err)

	require.NoError(t, store.Patch(ctx, "deviceStatus", "d1", map[string]any{"battery": 1}))
	require.NoError(t, store.Patch(ctx, "deviceStatus", "d1", map[string]any{"sos": true}))
	store.FailSubscriptions("deviceStatus", errors.New("boom"))
	cancel()
	require.NoError(t, store.Patch(ctx, "deviceStatus", "d1", map[string]any{"battery": 2}))

	require.Len(t, got, 2)
	assert.Equal(t, ChangeAdded, got[0][0].Type)
	assert.Equal(t, ChangeModified, got[1][0].Type)
	assert.Equal(t, map[string]any{"battery": 1, "sos": true}, got[1][0].Doc.Data)
	assert.EqualError(t, gotErr, "boom")
}

func TestMemoryStore_ReadAllFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Patch(ctx, "braceletUsers", id, map[string]any{"name": id}))
	}

	docs, err := store.ReadAll(ctx, "braceletUsers", []string{"c", "a"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "c", docs[1].ID)

	store.FailReads(errors.New("offline"))
	_, err = store.ReadAll(ctx, "braceletUsers", nil)
	assert.Error(t, err)
}
