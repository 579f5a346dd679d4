package roster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mhacccc/tracking-app/internal/merge"
	"github.com/Mhacccc/tracking-app/internal/models"
	"github.com/Mhacccc/tracking-app/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	caregivers = "appUsers"
	profiles   = "braceletUsers"
	statuses   = "deviceStatus"
)

type fixture struct {
	docs     *repository.MemoryStore
	store    *Store
	now      time.Time
	mu       sync.Mutex
	received []Snapshot
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		docs: repository.NewMemoryStore(),
		now:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	merger := merge.NewMerger(time.Minute, func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	})
	f.store = NewStore(Config{
		CaregiverCollection: caregivers,
		ProfileCollection:   profiles,
		StatusCollection:    statuses,
	}, f.docs, merger, zap.NewNop())
	t.Cleanup(func() { f.store.Close() })

	f.store.Subscribe(func(s Snapshot) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.received = append(f.received, s)
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fixture) seed(t *testing.T, linked ...any) {
	ctx := context.Background()
	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-1", map[string]any{"name": "Ana", "linkedBraceletsID": linked}))
	require.NoError(t, f.docs.Patch(ctx, profiles, "u1", map[string]any{"name": "Eman"}))
	require.NoError(t, f.docs.Patch(ctx, profiles, "u2", map[string]any{"name": "Lola", "avatar": "lola.png"}))
	require.NoError(t, f.docs.Patch(ctx, profiles, "u3", map[string]any{"name": "Not linked"}))
}

func TestLoad_MergesLinkedEntities(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u2", "u1")
	ctx := context.Background()
	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-1", map[string]any{
		"userId":     "u1",
		"battery":    80,
		"isDeviceOn": true,
		"lastSeen":   f.clock(),
		"location":   map[string]any{"lat": 14.6, "lng": 121.0},
	}))
	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-3", map[string]any{"userId": "u3", "battery": 10}))

	require.NoError(t, f.store.Load(ctx, "cg-1"))

	snap := f.store.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	require.Len(t, snap.Entities, 2)
	assert.Equal(t, "u2", snap.Entities[0].ID)
	assert.Equal(t, "lola.png", snap.Entities[0].AvatarRef)
	assert.False(t, snap.Entities[0].Online)

	eman := snap.Entities[1]
	assert.Equal(t, 80, eman.Battery)
	assert.True(t, eman.Online)
	assert.True(t, eman.DeviceOn)
	require.NotNil(t, eman.Position)
	assert.Equal(t, models.LatLng{Lat: 14.6, Lng: 121.0}, *eman.Position)

	// loading + ready
	assert.Equal(t, 2, f.publishCount())
	f.mu.Lock()
	loading := f.received[0]
	f.mu.Unlock()
	assert.Equal(t, StateLoading, loading.State)
	assert.NotNil(t, loading.Entities)
	assert.Empty(t, loading.Entities)
}

func TestLoad_NoLinkedEntitiesPublishesEmpty(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	require.NoError(t, f.store.Load(context.Background(), "cg-1"))

	snap := f.store.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Empty(t, snap.Entities)
	assert.Equal(t, Conditions{}, snap.Conditions)
}

func TestLoad_ProfileMissing(t *testing.T) {
	f := newFixture(t)

	err := f.store.Load(context.Background(), "ghost")

	assert.ErrorIs(t, err, ErrProfileMissing)
	snap := f.store.Snapshot()
	assert.True(t, snap.Conditions.ProfileMissing)
	assert.Empty(t, snap.Conditions.LoadError)
	assert.Empty(t, snap.Entities)
}

func TestLoad_FailureLeavesRosterEmpty(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	f.docs.FailReads(errors.New("unavailable"))

	err := f.store.Load(context.Background(), "cg-1")

	require.Error(t, err)
	snap := f.store.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Empty(t, snap.Entities)
	assert.Contains(t, snap.Conditions.LoadError, "unavailable")
}

func TestIncrementalBatch_CollapsesPerEntity(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", "u2")
	ctx := context.Background()
	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-1", map[string]any{
		"userId": "u1", "battery": 90, "lastSeen": f.clock(), "location": []any{14.6, 121.0},
	}))
	require.NoError(t, f.store.Load(ctx, "cg-1"))
	before := f.publishCount()

	f.docs.Emit(statuses, []repository.ChangeEvent{
		{Type: repository.ChangeModified, Doc: repository.Document{ID: "dev-1", Data: map[string]any{"userId": "u1", "battery": 70, "lastSeen": f.clock()}}},
		{Type: repository.ChangeModified, Doc: repository.Document{ID: "dev-1", Data: map[string]any{"userId": "u1", "battery": 60, "lastSeen": f.clock()}}},
		{Type: repository.ChangeAdded, Doc: repository.Document{ID: "dev-2", Data: map[string]any{"userId": "u2", "battery": 40, "sos": map[string]any{"active": true}, "lastSeen": f.clock()}}},
		{Type: repository.ChangeAdded, Doc: repository.Document{ID: "dev-9", Data: map[string]any{"userId": "stranger", "battery": 5}}},
	})

	assert.Equal(t, before+1, f.publishCount())
	snap := f.store.Snapshot()
	u1, _ := snap.Entity("u1")
	u2, _ := snap.Entity("u2")
	assert.Equal(t, 60, u1.Battery)
	require.NotNil(t, u1.Position, "position falls back to the last known value")
	assert.Equal(t, 14.6, u1.Position.Lat)
	assert.Equal(t, 40, u2.Battery)
	assert.True(t, u2.SOS)
	assert.True(t, u2.Online)

	// 与花名册无关的批次不发布
	f.docs.Emit(statuses, []repository.ChangeEvent{
		{Type: repository.ChangeModified, Doc: repository.Document{ID: "dev-9", Data: map[string]any{"userId": "stranger"}}},
	})
	assert.Equal(t, before+1, f.publishCount())
}

func TestIncrementalBatch_TombstoneKeepsPosition(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	ctx := context.Background()
	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-1", map[string]any{
		"userId": "u1", "battery": 90, "isDeviceOn": true, "sos": true,
		"lastSeen": f.clock(), "location": map[string]any{"latitude": 14.6, "longitude": 121.0},
	}))
	require.NoError(t, f.store.Load(ctx, "cg-1"))

	require.NoError(t, f.docs.Delete(ctx, statuses, "dev-1"))

	u1, ok := f.store.Snapshot().Entity("u1")
	require.True(t, ok)
	assert.Equal(t, 0, u1.Battery)
	assert.False(t, u1.DeviceOn)
	assert.False(t, u1.SOS)
	assert.Nil(t, u1.LastSeen)
	require.NotNil(t, u1.Position)
	assert.Equal(t, models.LatLng{Lat: 14.6, Lng: 121.0}, *u1.Position)
}

func TestSweep_PublishesOnlyOnTransition(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	ctx := context.Background()
	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-1", map[string]any{
		"userId": "u1", "isDeviceOn": true, "lastSeen": f.clock(),
	}))
	require.NoError(t, f.store.Load(ctx, "cg-1"))
	before := f.publishCount()

	f.advance(30 * time.Second)
	assert.False(t, f.store.Sweep())
	assert.Equal(t, before, f.publishCount())

	f.advance(31 * time.Second)
	assert.True(t, f.store.Sweep())
	assert.Equal(t, before+1, f.publishCount())
	u1, _ := f.store.Snapshot().Entity("u1")
	assert.False(t, u1.Online)
	assert.False(t, u1.DeviceOn)

	assert.False(t, f.store.Sweep())
	assert.Equal(t, before+1, f.publishCount())
}

func TestSubscriptionError_KeepsDataAndRecovers(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	ctx := context.Background()
	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-1", map[string]any{"userId": "u1", "battery": 50, "lastSeen": f.clock()}))
	require.NoError(t, f.store.Load(ctx, "cg-1"))

	f.docs.FailSubscriptions(statuses, errors.New("stream reset"))

	snap := f.store.Snapshot()
	assert.True(t, snap.Conditions.Degraded)
	assert.Equal(t, "stream reset", snap.Conditions.DegradedReason)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, 50, snap.Entities[0].Battery)

	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-1", map[string]any{"battery": 45}))
	snap = f.store.Snapshot()
	assert.False(t, snap.Conditions.Degraded)
	assert.Equal(t, 45, snap.Entities[0].Battery)
}

func TestSwitchCaregiver_ReloadsAndDropsOldSubscription(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	ctx := context.Background()
	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-2", map[string]any{"linkedBraceletsID": []any{"u2"}}))
	require.NoError(t, f.store.Load(ctx, "cg-1"))

	require.NoError(t, f.store.SwitchCaregiver(ctx, "cg-1"))
	count := f.publishCount()

	require.NoError(t, f.store.SwitchCaregiver(ctx, "cg-2"))
	assert.Greater(t, f.publishCount(), count)

	snap := f.store.Snapshot()
	assert.Equal(t, "cg-2", snap.CaregiverID)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, "u2", snap.Entities[0].ID)

	count = f.publishCount()
	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-1", map[string]any{"userId": "u1", "battery": 12}))
	assert.Equal(t, count, f.publishCount())
}

func TestLinkedSetChange_ReloadsRoster(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	ctx := context.Background()
	require.NoError(t, f.store.Load(ctx, "cg-1"))
	require.Len(t, f.store.Snapshot().Entities, 1)

	// 名字变化、其他看护人变化都不触发重新加载
	count := f.publishCount()
	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-1", map[string]any{"name": "Ana M."}))
	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-9", map[string]any{"linkedBraceletsID": []any{"u3"}}))
	assert.Equal(t, count, f.publishCount())

	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-1", map[string]any{"linkedBraceletsID": []any{"u1", "u2"}}))
	require.Eventually(t, func() bool {
		snap := f.store.Snapshot()
		return snap.State == StateReady && len(snap.Entities) == 2
	}, time.Second, 10*time.Millisecond)

	snap := f.store.Snapshot()
	assert.Equal(t, "u1", snap.Entities[0].ID)
	assert.Equal(t, "u2", snap.Entities[1].ID)

	// 重新加载后的状态订阅仍然有效
	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-2", map[string]any{"userId": "u2", "battery": 33}))
	e, ok := f.store.Snapshot().Entity("u2")
	require.True(t, ok)
	assert.Equal(t, 33, e.Battery)

	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-1", map[string]any{"linkedBraceletsID": []any{"u2"}}))
	require.Eventually(t, func() bool {
		snap := f.store.Snapshot()
		return snap.State == StateReady && len(snap.Entities) == 1 && snap.Entities[0].ID == "u2"
	}, time.Second, 10*time.Millisecond)
}

func TestLinkedSetChange_ProfileCreatedAfterMissing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	ctx := context.Background()
	require.ErrorIs(t, f.store.Load(ctx, "cg-new"), ErrProfileMissing)

	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-new", map[string]any{"linkedBraceletsID": []any{"u1"}}))
	require.Eventually(t, func() bool {
		snap := f.store.Snapshot()
		return snap.State == StateReady && len(snap.Entities) == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, f.store.Snapshot().Conditions.ProfileMissing)
}

func TestLinkedSetChange_IgnoredAfterSwitch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	ctx := context.Background()
	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-2", map[string]any{"linkedBraceletsID": []any{"u2"}}))
	require.NoError(t, f.store.Load(ctx, "cg-1"))
	require.NoError(t, f.store.SwitchCaregiver(ctx, "cg-2"))
	count := f.publishCount()

	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-1", map[string]any{"linkedBraceletsID": []any{"u1", "u2"}}))
	assert.Equal(t, count, f.publishCount())
	snap := f.store.Snapshot()
	assert.Equal(t, "cg-2", snap.CaregiverID)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, "u2", snap.Entities[0].ID)
}

func TestClose_StopsUpdates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	ctx := context.Background()
	require.NoError(t, f.store.Load(ctx, "cg-1"))
	require.NoError(t, f.store.Close())
	count := f.publishCount()

	require.NoError(t, f.docs.Patch(ctx, statuses, "dev-1", map[string]any{"userId": "u1", "battery": 12}))
	require.NoError(t, f.docs.Patch(ctx, caregivers, "cg-1", map[string]any{"linkedBraceletsID": []any{"u1", "u2"}}))
	assert.False(t, f.store.Sweep())
	assert.Equal(t, count, f.publishCount())
	assert.ErrorIs(t, f.store.Load(ctx, "cg-1"), ErrClosed)
}

func TestSubscribe_ReceivesLatestAndVersionsIncrease(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1")
	require.NoError(t, f.store.Load(context.Background(), "cg-1"))

	var got []Snapshot
	cancel := f.store.Subscribe(func(s Snapshot) { got = append(got, s) })
	require.Len(t, got, 1)
	assert.Equal(t, f.store.Snapshot().Version, got[0].Version)
	cancel()

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 1; i < len(f.received); i++ {
		assert.Greater(t, f.received[i].Version, f.received[i-1].Version)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.store.cfg.SweepInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.store.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFocusPoint(t *testing.T) {
	at := func(lat, lng float64) *models.LatLng { return &models.LatLng{Lat: lat, Lng: lng} }
	entities := []models.TrackedEntity{
		{ID: "offline", Position: at(1, 1)},
		{ID: "online", Online: true, Position: at(2, 2)},
		{ID: "sos-offline", SOS: true, Position: at(3, 3)},
		{ID: "sos-online", SOS: true, Online: true, Position: at(4, 4)},
		{ID: "sos-no-position", SOS: true, Online: true},
	}

	p, id := FocusPoint(entities, DefaultCenter)
	assert.Equal(t, "sos-online", id)
	assert.Equal(t, models.LatLng{Lat: 4, Lng: 4}, p)

	p, id = FocusPoint(entities[:3], DefaultCenter)
	assert.Equal(t, "online", id)
	assert.Equal(t, 2.0, p.Lat)

	_, id = FocusPoint(entities[:1], DefaultCenter)
	assert.Equal(t, "offline", id)

	p, id = FocusPoint(nil, DefaultCenter)
	assert.Empty(t, id)
	assert.Equal(t, DefaultCenter, p)
}
