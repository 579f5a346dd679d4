// Package geofence 围栏区域管理与进入检测。
// 区域按看护人保存在本地 KV 中，与远端文档存储无关；每次花名册或区域变化都会重新计算包含关系。
package geofence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mhacccc/tracking-app/internal/kv"
	"github.com/Mhacccc/tracking-app/internal/metrics"
	"github.com/Mhacccc/tracking-app/internal/models"
	"github.com/Mhacccc/tracking-app/internal/notify"
	"github.com/Mhacccc/tracking-app/internal/roster"

	"go.uber.org/zap"
)

// Config 围栏配置
type Config struct {
	ZonesKey string
	// MarkerBuffer 头像标记的显示半径（米），边界附近按用户看到的效果判定为在区域内
	MarkerBuffer float64
}

// Engine 围栏引擎
type Engine struct {
	cfg       Config
	store     kv.KVStore
	alerts    *notify.Log
	authoring *Authoring
	clock     func() time.Time
	timeout   time.Duration
	logger    *zap.Logger

	mu           sync.Mutex
	zones        []models.GeofenceZone
	loadErr      error // 最近一次读取区域失败时，修改前需先重新读取
	lastID       int64
	caregiverID  string
	entities     []models.TrackedEntity
	visited      map[string]struct{}
	containments []models.Containment
}

func NewEngine(cfg Config, store kv.KVStore, alerts *notify.Log, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		alerts:    alerts,
		authoring: NewAuthoring(),
		clock:     time.Now,
		timeout:   5 * time.Second,
		logger:    logger,
		visited:   make(map[string]struct{}),
	}
}

// Authoring 区域创建状态机
func (e *Engine) Authoring() *Authoring {
	return e.authoring
}

// storedZone 兼容旧数据：中心点可能保存在 latlngs 字段
type storedZone struct {
	ID      json.Number    `json:"id"`
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Center  *models.LatLng `json:"center"`
	LatLngs *models.LatLng `json:"latlngs"`
	Radius  float64        `json:"radius"`
}

// Load 从 KV 读取当前看护人的区域；格式错误的区域跳过并记录警告
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(ctx)
}

func (e *Engine) loadLocked(ctx context.Context) error {
	key := kv.ScopedKey(e.cfg.ZonesKey, e.caregiverID)
	var raw []json.RawMessage
	if _, err := kv.GetJSON(ctx, e.store, key, &raw); err != nil {
		e.zones = nil
		e.loadErr = fmt.Errorf("failed to load geofences: %w", err)
		return e.loadErr
	}

	zones := make([]models.GeofenceZone, 0, len(raw))
	seen := make(map[int64]struct{}, len(raw))
	var lastID int64
	for i, item := range raw {
		zone, err := decodeZone(item)
		if err != nil {
			e.logger.Warn("Skipping malformed geofence", zap.Int("index", i), zap.Error(err))
			continue
		}
		if _, dup := seen[zone.ID]; dup {
			e.logger.Warn("Skipping duplicate geofence", zap.Int64("zone_id", zone.ID))
			continue
		}
		seen[zone.ID] = struct{}{}
		if zone.ID > lastID {
			lastID = zone.ID
		}
		zones = append(zones, zone)
	}

	e.zones = zones
	e.loadErr = nil
	if lastID > e.lastID {
		e.lastID = lastID
	}

	metrics.SetZones(len(zones))
	e.logger.Info("Geofences loaded",
		zap.String("caregiver_id", e.caregiverID),
		zap.Int("zones", len(zones)),
		zap.Int("skipped", len(raw)-len(zones)),
	)
	return nil
}

// ensureLoadedLocked 上次读取失败时重试，避免用空列表覆盖已保存的区域
func (e *Engine) ensureLoadedLocked(ctx context.Context) error {
	if e.loadErr == nil {
		return nil
	}
	return e.loadLocked(ctx)
}

func decodeZone(item json.RawMessage) (models.GeofenceZone, error) {
	var sz storedZone
	if err := json.Unmarshal(item, &sz); err != nil {
		return models.GeofenceZone{}, err
	}
	id, err := sz.ID.Int64()
	if err != nil {
		f, ferr := sz.ID.Float64()
		if ferr != nil {
			return models.GeofenceZone{}, fmt.Errorf("invalid zone id %q", sz.ID)
		}
		id = int64(f)
	}
	if sz.Type != "" && sz.Type != models.ZoneTypeCircle {
		return models.GeofenceZone{}, fmt.Errorf("unsupported zone type %q", sz.Type)
	}
	center := sz.Center
	if center == nil {
		center = sz.LatLngs
	}
	if center == nil {
		return models.GeofenceZone{}, fmt.Errorf("zone %d has no center", id)
	}
	if !(sz.Radius > 0) {
		return models.GeofenceZone{}, fmt.Errorf("zone %d: %w", id, ErrInvalidRadius)
	}
	return models.GeofenceZone{
		ID:     id,
		Name:   sz.Name,
		Type:   models.ZoneTypeCircle,
		Center: *center,
		Radius: sz.Radius,
	}, nil
}

// Zones 当前区域（副本）
func (e *Engine) Zones() []models.GeofenceZone {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.GeofenceZone(nil), e.zones...)
}

// Containments 最近一次计算的包含关系（每次都完整返回，不论是否新进入）
func (e *Engine) Containments() []models.Containment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Containment(nil), e.containments...)
}

// CommitDraft 为当前草稿命名并保存
func (e *Engine) CommitDraft(ctx context.Context, name string) (models.GeofenceZone, error) {
	var zone models.GeofenceZone
	err := e.authoring.Commit(name, func(name string, shape Shape) error {
		z, err := e.AddZone(ctx, name, shape.Center, shape.Radius)
		if err != nil {
			return err
		}
		zone = z
		return nil
	})
	return zone, err
}

// AddZone 新增区域：分配递增 ID，立即持久化并重新计算包含关系
func (e *Engine) AddZone(ctx context.Context, name string, center models.LatLng, radius float64) (models.GeofenceZone, error) {
	if !(radius > 0) {
		return models.GeofenceZone{}, ErrInvalidRadius
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.GeofenceZone{}, ErrEmptyName
	}

	e.mu.Lock()
	if err := e.ensureLoadedLocked(ctx); err != nil {
		e.mu.Unlock()
		return models.GeofenceZone{}, err
	}
	zone := models.GeofenceZone{
		ID:     e.nextIDLocked(),
		Name:   name,
		Type:   models.ZoneTypeCircle,
		Center: center,
		Radius: radius,
	}
	zones := append(append([]models.GeofenceZone(nil), e.zones...), zone)
	if err := e.persistLocked(ctx, zones); err != nil {
		e.mu.Unlock()
		return models.GeofenceZone{}, err
	}
	e.mu.Unlock()

	e.logger.Info("Geofence created",
		zap.Int64("zone_id", zone.ID),
		zap.String("zone_name", zone.Name),
		zap.Float64("radius", zone.Radius),
	)
	e.reevaluate(ctx)
	return zone, nil
}

// UpdateZone 修改区域中心与半径
func (e *Engine) UpdateZone(ctx context.Context, id int64, center models.LatLng, radius float64) (models.GeofenceZone, error) {
	if !(radius > 0) {
		return models.GeofenceZone{}, ErrInvalidRadius
	}

	e.mu.Lock()
	if err := e.ensureLoadedLocked(ctx); err != nil {
		e.mu.Unlock()
		return models.GeofenceZone{}, err
	}
	zones := append([]models.GeofenceZone(nil), e.zones...)
	idx := -1
	for i, z := range zones {
		if z.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return models.GeofenceZone{}, ErrZoneNotFound
	}
	zones[idx].Center = center
	zones[idx].Radius = radius
	zone := zones[idx]
	if err := e.persistLocked(ctx, zones); err != nil {
		e.mu.Unlock()
		return models.GeofenceZone{}, err
	}
	e.mu.Unlock()

	e.reevaluate(ctx)
	return zone, nil
}

// DeleteZones 删除区域，返回实际删除的数量
func (e *Engine) DeleteZones(ctx context.Context, ids ...int64) (int, error) {
	remove := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}

	e.mu.Lock()
	if err := e.ensureLoadedLocked(ctx); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	zones := make([]models.GeofenceZone, 0, len(e.zones))
	for _, z := range e.zones {
		if _, ok := remove[z.ID]; ok {
			continue
		}
		zones = append(zones, z)
	}
	removed := len(e.zones) - len(zones)
	if removed == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	if err := e.persistLocked(ctx, zones); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	e.mu.Unlock()

	e.reevaluate(ctx)
	return removed, nil
}

// HandleSnapshot 花名册订阅回调
// 看护人切换时放弃未完成的草稿、清空已提醒集合，并换成新看护人的区域
func (e *Engine) HandleSnapshot(snap roster.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	e.mu.Lock()
	switched := snap.CaregiverID != e.caregiverID
	e.mu.Unlock()
	if switched {
		// Commit 持有草稿锁时会进入 e.mu，这里不能反过来
		_ = e.authoring.Cancel()
	}

	e.mu.Lock()
	if snap.CaregiverID != e.caregiverID {
		e.caregiverID = snap.CaregiverID
		e.visited = make(map[string]struct{})
		e.entities = nil
		e.containments = nil
		if err := e.loadLocked(ctx); err != nil {
			e.logger.Error("Failed to load caregiver geofences",
				zap.String("caregiver_id", snap.CaregiverID),
				zap.Error(err),
			)
		}
	}
	if snap.State != roster.StateReady {
		e.mu.Unlock()
		return
	}
	e.entities = snap.Entities
	e.mu.Unlock()

	e.reevaluate(ctx)
}

func (e *Engine) reevaluate(ctx context.Context) {
	if _, err := e.Evaluate(ctx); err != nil {
		e.logger.Error("Failed to record geofence alerts", zap.Error(err))
	}
}

// Evaluate 计算所有（有位置的佩戴者 x 区域）的包含关系
// 某个 entityId-zoneId 第一次进入时产生告警，告警日志再按消息文本去重
func (e *Engine) Evaluate(ctx context.Context) ([]models.Containment, error) {
	e.mu.Lock()
	containments := make([]models.Containment, 0)
	var (
		candidates []notify.AlertRecord
		newKeys    []string
	)
	now := e.clock()
	for _, entity := range e.entities {
		if entity.Position == nil {
			continue
		}
		for _, zone := range e.zones {
			d, inside := Contains(zone, *entity.Position, e.cfg.MarkerBuffer)
			if !inside {
				continue
			}
			containments = append(containments, models.Containment{
				EntityID:   entity.ID,
				EntityName: entity.Name,
				ZoneID:     zone.ID,
				ZoneName:   zone.Name,
				Distance:   d,
			})

			key := visitKey(entity.ID, zone.ID)
			if _, ok := e.visited[key]; ok {
				continue
			}
			e.visited[key] = struct{}{}
			newKeys = append(newKeys, key)
			candidates = append(candidates, notify.NewAlert(
				notify.TitleGeofence,
				fmt.Sprintf("%s entered %s", entity.Name, zone.Name),
				entity.AvatarRef,
				entity.ID,
				now,
			))
		}
	}
	e.containments = containments
	result := append([]models.Containment(nil), containments...)
	e.mu.Unlock()

	if len(candidates) == 0 {
		return result, nil
	}
	added, err := e.alerts.AppendNew(ctx, candidates)
	if err != nil {
		// 写入失败时撤销，下次计算重新尝试
		e.mu.Lock()
		for _, key := range newKeys {
			delete(e.visited, key)
		}
		e.mu.Unlock()
		return result, err
	}
	metrics.AddAlerts("geofence", len(added))
	for _, a := range added {
		e.logger.Info("Geofence entered", zap.String("entity_id", a.EntityID), zap.String("message", a.Message))
	}
	return result, nil
}

func visitKey(entityID string, zoneID int64) string {
	return fmt.Sprintf("%s-%d", entityID, zoneID)
}

// nextIDLocked 毫秒时间戳作为 ID，保证严格递增
func (e *Engine) nextIDLocked() int64 {
	id := e.clock().UnixMilli()
	if id <= e.lastID {
		id = e.lastID + 1
	}
	e.lastID = id
	return id
}

// persistLocked 写入成功后才替换内存中的区域
func (e *Engine) persistLocked(ctx context.Context, zones []models.GeofenceZone) error {
	if err := kv.SetJSON(ctx, e.store, kv.ScopedKey(e.cfg.ZonesKey, e.caregiverID), zones, 0); err != nil {
		return fmt.Errorf("failed to save geofences: %w", err)
	}
	e.zones = zones
	metrics.SetZones(len(zones))
	return nil
}
