// Package roster 看护人的实时花名册：初始加载、增量更新、定时在线巡检。
// 所有状态变化都在同一把锁下按全序应用到最新状态，再按版本号顺序发布给订阅者。
package roster

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Mhacccc/tracking-app/internal/merge"
	"github.com/Mhacccc/tracking-app/internal/metrics"
	"github.com/Mhacccc/tracking-app/internal/models"
	"github.com/Mhacccc/tracking-app/internal/repository"

	"go.uber.org/zap"
)

var (
	// ErrClosed 花名册已关闭
	ErrClosed = errors.New("roster store closed")
	// ErrProfileMissing 看护人档案不存在
	ErrProfileMissing = errors.New("caregiver profile missing")
)

// Config 花名册配置
type Config struct {
	CaregiverCollection string
	ProfileCollection   string
	StatusCollection    string
	SweepInterval       time.Duration
}

// Listener 接收花名册快照；快照只读，不得修改，回调内不能再触发 Load/Sweep
type Listener func(Snapshot)

// Store 花名册，唯一持有 TrackedEntity 集合
type Store struct {
	cfg    Config
	docs   repository.DocumentStore
	merger *merge.Merger
	logger *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu          sync.Mutex
	state       State
	caregiverID string
	entities    []models.TrackedEntity
	index       map[string]int    // entity id -> entities 下标
	statusOwner map[string]string // status 文档 id -> entity id
	conditions  Conditions
	version     uint64
	generation  uint64
	linked      []string // 最近一次加载时看护人的关联列表
	subs        []func()
	pending     [][]repository.ChangeEvent
	caregiverEv *repository.ChangeEvent // 加载期间收到的看护人档案变更
	reloadGen   uint64
	closed      bool

	pubMu sync.Mutex
	last  Snapshot

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// NewStore 创建花名册
func NewStore(cfg Config, docs repository.DocumentStore, merger *merge.Merger, logger *zap.Logger) *Store {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		cfg:         cfg,
		docs:        docs,
		merger:      merger,
		logger:      logger,
		baseCtx:     ctx,
		cancelBase:  cancel,
		state:       StateUninitialized,
		index:       make(map[string]int),
		statusOwner: make(map[string]string),
		listeners:   make(map[int]Listener),
	}
}

// Snapshot 当前状态
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe 注册订阅者，立即收到最近一次已发布的快照；返回取消函数
func (s *Store) Subscribe(fn Listener) func() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	if s.last.Version > 0 {
		fn(s.last)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			delete(s.listeners, id)
		})
	}
}

// SwitchCaregiver 看护人变化时全量重新加载；相同看护人且已成功加载时不做处理
func (s *Store) SwitchCaregiver(ctx context.Context, caregiverID string) error {
	s.mu.Lock()
	same := caregiverID == s.caregiverID &&
		s.state == StateReady &&
		s.conditions.LoadError == "" &&
		!s.conditions.ProfileMissing
	s.mu.Unlock()
	if same {
		return nil
	}
	return s.Load(ctx, caregiverID)
}

// Sweep 按当前时间重新计算在线状态；只有实际变化时才发布，返回是否发布
func (s *Store) Sweep() bool {
	s.mu.Lock()
	if s.state != StateReady || s.closed {
		s.mu.Unlock()
		return false
	}
	metrics.IncSweep()

	changed := false
	for i, e := range s.entities {
		next, ok := s.merger.Refresh(e)
		if !ok {
			continue
		}
		if e.Online && !next.Online {
			s.logger.Info("Entity went offline",
				zap.String("entity_id", e.ID),
				zap.String("caregiver_id", s.caregiverID),
			)
		}
		s.entities[i] = next
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return false
	}
	snap := s.publishLocked()
	s.mu.Unlock()

	s.deliver(snap)
	return true
}

// Run 定时巡检，直到 ctx 取消
func (s *Store) Run(ctx context.Context) error {
	s.logger.Info("Roster sweep started", zap.Duration("interval", s.cfg.SweepInterval))

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Roster sweep stopped")
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close 取消实时订阅，之后完成的加载结果全部丢弃
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.generation++
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, stop := range subs {
		stop()
	}
	s.cancelBase()
	return nil
}

// handleBatch 处理一批状态变更；加载中到达的批次先缓存，加载完成后再应用
func (s *Store) handleBatch(gen uint64, batch []repository.ChangeEvent) {
	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		return
	}
	if s.state == StateLoading {
		s.pending = append(s.pending, batch)
		s.mu.Unlock()
		return
	}

	changed := s.applyBatchLocked(batch)
	if s.conditions.Degraded {
		s.logger.Info("Live updates recovered", zap.String("caregiver_id", s.caregiverID))
		s.conditions.Degraded = false
		s.conditions.DegradedReason = ""
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	snap := s.publishLocked()
	s.mu.Unlock()

	s.deliver(snap)
}

// handleError 订阅出错：标记 Degraded，保留已有数据
func (s *Store) handleError(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		return
	}
	metrics.IncSubscriptionError()
	s.logger.Warn("Live status subscription error",
		zap.String("caregiver_id", s.caregiverID),
		zap.Error(err),
	)
	if s.conditions.Degraded && s.conditions.DegradedReason == err.Error() {
		s.mu.Unlock()
		return
	}
	s.conditions.Degraded = true
	s.conditions.DegradedReason = err.Error()
	if s.state == StateLoading {
		s.mu.Unlock()
		return
	}
	snap := s.publishLocked()
	s.mu.Unlock()

	s.deliver(snap)
}

type pendingUpdate struct {
	status    models.StatusRecord
	tombstone bool
}

// applyBatchLocked 把一批变更归并为 entity id -> 最后一次变更，再逐个应用
func (s *Store) applyBatchLocked(batch []repository.ChangeEvent) bool {
	order := make([]string, 0, len(batch))
	latest := make(map[string]pendingUpdate, len(batch))

	for _, ev := range batch {
		var (
			entityID string
			update   pendingUpdate
		)
		if ev.Type == repository.ChangeRemoved {
			entityID = s.statusOwner[ev.Doc.ID]
			if entityID == "" {
				if _, ok := s.index[ev.Doc.ID]; ok {
					entityID = ev.Doc.ID
				}
			}
			if entityID == "" {
				continue
			}
			delete(s.statusOwner, ev.Doc.ID)
			update = pendingUpdate{tombstone: true}
		} else {
			record := models.StatusRecord(ev.Doc.Data)
			entityID = statusEntityID(ev.Doc.ID, record)
			if _, ok := s.index[entityID]; !ok {
				continue
			}
			s.statusOwner[ev.Doc.ID] = entityID
			update = pendingUpdate{status: record}
		}

		if _, seen := latest[entityID]; !seen {
			order = append(order, entityID)
		}
		latest[entityID] = update
	}

	for _, id := range order {
		i := s.index[id]
		update := latest[id]
		if update.tombstone {
			s.entities[i] = s.merger.ApplyTombstone(s.entities[i])
			continue
		}
		s.entities[i] = s.merger.ApplyStatus(s.entities[i], update.status)
	}
	return len(order) > 0
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Version:     s.version,
		CaregiverID: s.caregiverID,
		State:       s.state,
		Entities:    cloneEntities(s.entities),
		Conditions:  s.conditions,
	}
}

func (s *Store) publishLocked() Snapshot {
	s.version++
	return s.snapshotLocked()
}

// deliver 按版本号顺序投递，晚到的旧版本直接丢弃
func (s *Store) deliver(snap Snapshot) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if snap.Version <= s.last.Version {
		return
	}
	s.last = snap
	metrics.ObserveRoster(len(snap.Entities), snap.OnlineCount())

	s.listenersMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func statusEntityID(docID string, record models.StatusRecord) string {
	if id := record.EntityID(); id != "" {
		return id
	}
	return docID
}
