package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Mhacccc/tracking-app/internal/kv"
	"github.com/Mhacccc/tracking-app/internal/models"
	"github.com/Mhacccc/tracking-app/internal/roster"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const logKey = "pingme_geofence_alerts"

var at = time.Date(2026, 6, 1, 14, 5, 9, 0, time.UTC)

func TestLog_AppendNewDedupsByMessage(t *testing.T) {
	log := NewLog(kv.NewMemoryStore(), logKey, 0, zap.NewNop())
	ctx := context.Background()

	added, err := log.AppendNew(ctx, []AlertRecord{
		NewAlert(TitleGeofence, "Eman entered Home", "a.png", "u1", at),
		NewAlert(TitleGeofence, "Eman entered Home", "a.png", "u1", at),
	})
	require.NoError(t, err)
	assert.Len(t, added, 1)

	added, err = log.AppendNew(ctx, []AlertRecord{
		NewAlert(TitleGeofence, "Eman entered Home", "a.png", "u1", at),
		NewAlert(TitleGeofence, "Lola entered School", "b.png", "u2", at),
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "Lola entered School", added[0].Message)

	records, err := log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Lola entered School", records[0].Message, "newest first")
	assert.Equal(t, "2:05:09 PM", records[0].Time)
	assert.Empty(t, records[0].EntityID, "entity id is not persisted")
}

func TestLog_PersistedShape(t *testing.T) {
	store := kv.NewMemoryStore()
	log := NewLog(store, logKey, 0, zap.NewNop())
	ctx := context.Background()

	rec := NewAlert(TitleSOS, "Eman triggered SOS.", "a.png", "u1", at)
	require.NoError(t, log.Append(ctx, []AlertRecord{rec}))

	raw, err := store.Get(ctx, logKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"`+rec.ID.String()+`","title":"SOS Alert","message":"Eman triggered SOS.","time":"2:05:09 PM","icon":"a.png","unread":true}]`, raw)
}

func TestLog_ReadsLegacyNumericIDsAndSkipsMalformed(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, logKey, `[
		{"id": 1714000000000.123, "title": "Geofence Alert", "message": "Eman entered Home", "time": "9:00:00 AM", "icon": "", "unread": true},
		{"id": {"bad": true}, "title": "broken"},
		"not an object"
	]`, 0))
	log := NewLog(store, logKey, 0, zap.NewNop())

	records, err := log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1714000000000.123", records[0].ID.String())

	require.NoError(t, log.MarkRead(ctx, "1714000000000.123"))
	n, err := log.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLog_KeepsLegacyNumericIDsOnWrite(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, logKey, `[{"id": 1, "title": "Geofence Alert", "message": "Eman entered Home", "time": "9:00:00 AM", "icon": "", "unread": true}]`, 0))
	log := NewLog(store, logKey, 0, zap.NewNop())

	added, err := log.AppendNew(ctx, []AlertRecord{NewAlert(TitleSOS, "Eman triggered SOS.", "", "u1", at)})
	require.NoError(t, err)
	require.Len(t, added, 1)

	raw, err := store.Get(ctx, logKey)
	require.NoError(t, err)
	var stored []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Len(t, stored, 2)
	assert.Equal(t, added[0].ID.String(), stored[0]["id"])
	assert.Equal(t, float64(1), stored[1]["id"])

	require.NoError(t, log.MarkRead(ctx, "1"))
	raw, err = store.Get(ctx, logKey)
	require.NoError(t, err)
	assert.Contains(t, raw, `"id":1,`)
}

func TestLog_SeparatedPerCaregiver(t *testing.T) {
	store := kv.NewMemoryStore()
	log := NewLog(store, logKey, 0, zap.NewNop())
	ctx := context.Background()

	log.HandleSnapshot(roster.Snapshot{CaregiverID: "cg-1", State: roster.StateLoading})
	require.NoError(t, log.Append(ctx, []AlertRecord{NewAlert(TitleSOS, "Eman triggered SOS.", "", "u1", at)}))

	log.HandleSnapshot(roster.Snapshot{CaregiverID: "cg-2", State: roster.StateReady})
	records, err := log.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	added, err := log.AppendNew(ctx, []AlertRecord{NewAlert(TitleSOS, "Eman triggered SOS.", "", "u1", at)})
	require.NoError(t, err)
	assert.Len(t, added, 1, "dedup only looks at the caregiver's own log")

	log.HandleSnapshot(roster.Snapshot{CaregiverID: "cg-1", State: roster.StateReady})
	records, err = log.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = store.Get(ctx, logKey+":cg-2")
	assert.NoError(t, err)
}

func TestLog_MarkReadAndTrim(t *testing.T) {
	log := NewLog(kv.NewMemoryStore(), logKey, 2, zap.NewNop())
	ctx := context.Background()

	first := NewAlert(TitleGeofence, "a", "", "", at)
	second := NewAlert(TitleGeofence, "b", "", "", at)
	third := NewAlert(TitleGeofence, "c", "", "", at)
	require.NoError(t, log.Append(ctx, []AlertRecord{first}))
	require.NoError(t, log.Append(ctx, []AlertRecord{second}))
	require.NoError(t, log.Append(ctx, []AlertRecord{third}))

	records, err := log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].Message)
	assert.Equal(t, "b", records[1].Message)

	require.NoError(t, log.MarkRead(ctx, third.ID.String()))
	assert.ErrorIs(t, log.MarkRead(ctx, first.ID.String()), ErrAlertNotFound)

	n, err := log.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	changed, err := log.MarkAllRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	changed, err = log.MarkAllRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestMonitor_SOSAndLowBattery(t *testing.T) {
	log := NewLog(kv.NewMemoryStore(), logKey, 0, zap.NewNop())
	monitor := NewMonitor(log, 20, zap.NewNop())
	monitor.clock = func() time.Time { return at }
	ctx := context.Background()

	seen := at
	snap := func(version uint64, battery int, sos bool) roster.Snapshot {
		return roster.Snapshot{
			Version:     version,
			CaregiverID: "cg-1",
			State:       roster.StateReady,
			Entities: []models.TrackedEntity{
				{ID: "u1", Name: "Eman", Battery: battery, SOS: sos, LastSeen: &seen},
				{ID: "u2", Name: "Never seen"},
			},
		}
	}

	monitor.HandleSnapshot(snap(1, 24, false))
	records, err := log.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	monitor.HandleSnapshot(snap(2, 19, true))
	monitor.HandleSnapshot(snap(3, 18, true))
	records, err = log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	messages := []string{records[0].Message, records[1].Message}
	assert.ElementsMatch(t, []string{"Eman triggered SOS.", "Eman's bracelet is at 19%."}, messages)

	// 电量回升后重新布防，SOS 解除后再次触发
	monitor.HandleSnapshot(snap(4, 60, false))
	monitor.HandleSnapshot(snap(5, 15, true))
	records, err = log.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 4)

	// 加载中的快照忽略
	loading := snap(6, 5, false)
	loading.State = roster.StateLoading
	monitor.HandleSnapshot(loading)
	records, err = log.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}
