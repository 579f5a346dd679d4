package roster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/Mhacccc/tracking-app/internal/metrics"
	"github.com/Mhacccc/tracking-app/internal/models"
	"github.com/Mhacccc/tracking-app/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Load 全量加载看护人关联的佩戴者
// 档案与状态并发读取，两者都完成后才发布；加载期间如果看护人切换或 Close，结果丢弃
func (s *Store) Load(ctx context.Context, caregiverID string) error {
	return s.load(ctx, caregiverID, 0)
}

// load onlyGen 非 0 时，只有当前代次仍为 onlyGen 才开始加载（关联列表变化触发的重新加载）
func (s *Store) load(ctx context.Context, caregiverID string, onlyGen uint64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if onlyGen != 0 && onlyGen != s.generation {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	gen := s.generation
	stale := s.subs
	s.subs = nil
	s.caregiverID = caregiverID
	s.state = StateLoading
	s.entities = []models.TrackedEntity{}
	s.linked = nil
	s.index = make(map[string]int)
	s.statusOwner = make(map[string]string)
	s.pending = nil
	s.caregiverEv = nil
	s.conditions = Conditions{}
	snap := s.publishLocked()
	s.mu.Unlock()

	for _, stop := range stale {
		stop()
	}
	s.deliver(snap)

	s.logger.Info("Loading roster", zap.String("caregiver_id", caregiverID))

	// 先订阅看护人档案再读取，读取之后发生的关联变化不会漏掉
	unwatch, err := s.docs.Subscribe(s.baseCtx, s.cfg.CaregiverCollection,
		func(batch []repository.ChangeEvent) { s.handleCaregiverBatch(gen, batch) },
		func(err error) { s.handleError(gen, err) },
	)
	if err != nil {
		s.handleError(gen, fmt.Errorf("subscribe %s: %w", s.cfg.CaregiverCollection, err))
	} else if !s.keep(gen, unwatch) {
		return nil
	}

	caregiver, err := s.fetchCaregiver(ctx, caregiverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("Caregiver profile not found", zap.String("caregiver_id", caregiverID))
			s.finish(gen, nil, Conditions{ProfileMissing: true})
			return ErrProfileMissing
		}
		s.fail(gen, nil, err)
		return err
	}
	if len(caregiver.LinkedEntities) == 0 {
		s.logger.Info("Caregiver has no linked entities", zap.String("caregiver_id", caregiverID))
		s.finish(gen, nil, Conditions{})
		return nil
	}

	unsubscribe, subErr := s.docs.Subscribe(s.baseCtx, s.cfg.StatusCollection,
		func(batch []repository.ChangeEvent) { s.handleBatch(gen, batch) },
		func(err error) { s.handleError(gen, err) },
	)
	if subErr != nil {
		s.handleError(gen, fmt.Errorf("subscribe %s: %w", s.cfg.StatusCollection, subErr))
	}

	var profiles, statuses []repository.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := s.docs.ReadAll(gctx, s.cfg.ProfileCollection, caregiver.LinkedEntities)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", s.cfg.ProfileCollection, err)
		}
		profiles = docs
		return nil
	})
	g.Go(func() error {
		docs, err := s.docs.ReadAll(gctx, s.cfg.StatusCollection, nil)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", s.cfg.StatusCollection, err)
		}
		statuses = docs
		return nil
	})
	if err := g.Wait(); err != nil {
		if unsubscribe != nil {
			unsubscribe()
		}
		s.fail(gen, caregiver.LinkedEntities, err)
		return err
	}

	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		s.logger.Debug("Discarding stale roster load", zap.String("caregiver_id", caregiverID))
		return nil
	}

	linked := make(map[string]int, len(caregiver.LinkedEntities))
	for i, id := range caregiver.LinkedEntities {
		linked[id] = i
	}
	byEntity := make(map[string]models.StatusRecord)
	for _, doc := range statuses {
		record := models.StatusRecord(doc.Data)
		entityID := statusEntityID(doc.ID, record)
		if _, ok := linked[entityID]; !ok {
			continue
		}
		// 同一佩戴者有多份状态时后读到的覆盖先读到的
		byEntity[entityID] = record
		s.statusOwner[doc.ID] = entityID
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		return linked[profiles[i].ID] < linked[profiles[j].ID]
	})
	entities := make([]models.TrackedEntity, 0, len(profiles))
	for _, doc := range profiles {
		if _, ok := linked[doc.ID]; !ok {
			continue
		}
		entities = append(entities, s.merger.Merge(profileFromDoc(doc), byEntity[doc.ID]))
	}

	s.entities = entities
	for i, e := range entities {
		s.index[e.ID] = i
	}
	s.linked = caregiver.LinkedEntities
	s.state = StateReady
	if unsubscribe != nil {
		s.subs = append(s.subs, unsubscribe)
	}
	pending := s.pending
	s.pending = nil
	for _, batch := range pending {
		s.applyBatchLocked(batch)
	}
	s.checkPendingCaregiverLocked(gen)
	snap = s.publishLocked()
	s.mu.Unlock()

	s.deliver(snap)
	s.logger.Info("Roster loaded",
		zap.String("caregiver_id", caregiverID),
		zap.Int("linked", len(caregiver.LinkedEntities)),
		zap.Int("entities", len(entities)),
		zap.Int("online", snap.OnlineCount()),
	)
	return nil
}

// keep 登记本次加载的订阅；加载已过期或已关闭时立即取消并返回 false
func (s *Store) keep(gen uint64, stop func()) bool {
	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		stop()
		return false
	}
	s.subs = append(s.subs, stop)
	s.mu.Unlock()
	return true
}

func (s *Store) fetchCaregiver(ctx context.Context, caregiverID string) (models.Caregiver, error) {
	doc, err := s.docs.ReadOne(ctx, s.cfg.CaregiverCollection, caregiverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Caregiver{}, err
		}
		return models.Caregiver{}, fmt.Errorf("failed to read caregiver %s: %w", caregiverID, err)
	}
	return caregiverFromDoc(doc), nil
}

// finish 以空花名册结束加载（未关联任何佩戴者、看护人档案缺失或加载失败）
func (s *Store) finish(gen uint64, linked []string, conditions Conditions) {
	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.entities = []models.TrackedEntity{}
	s.linked = linked
	s.conditions.ProfileMissing = conditions.ProfileMissing
	s.conditions.LoadError = conditions.LoadError
	s.pending = nil
	s.checkPendingCaregiverLocked(gen)
	snap := s.publishLocked()
	s.mu.Unlock()

	s.deliver(snap)
}

// fail 初始加载失败：花名册保持为空，需手动重试或等待关联列表变化
func (s *Store) fail(gen uint64, linked []string, err error) {
	metrics.IncLoadFailure()
	s.logger.Error("Failed to load roster", zap.Error(err))
	s.finish(gen, linked, Conditions{LoadError: err.Error()})
}

// handleCaregiverBatch 看护人档案变更：关联列表与已加载的不同时重新加载
func (s *Store) handleCaregiverBatch(gen uint64, batch []repository.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.closed {
		return
	}

	var latest *repository.ChangeEvent
	for i := range batch {
		if batch[i].Doc.ID == s.caregiverID {
			latest = &batch[i]
		}
	}
	if latest == nil {
		return
	}
	if s.state == StateLoading {
		ev := *latest
		s.caregiverEv = &ev
		return
	}
	s.reloadIfChangedLocked(gen, *latest)
}

func (s *Store) checkPendingCaregiverLocked(gen uint64) {
	if s.caregiverEv == nil {
		return
	}
	ev := *s.caregiverEv
	s.caregiverEv = nil
	s.reloadIfChangedLocked(gen, ev)
}

func (s *Store) reloadIfChangedLocked(gen uint64, ev repository.ChangeEvent) {
	exists := ev.Type != repository.ChangeRemoved
	var linked []string
	if exists {
		linked = caregiverFromDoc(ev.Doc).LinkedEntities
	}
	if exists != s.conditions.ProfileMissing && slices.Equal(linked, s.linked) {
		return
	}
	if s.reloadGen == gen {
		return
	}
	s.reloadGen = gen

	caregiverID := s.caregiverID
	s.logger.Info("Caregiver linked set changed, reloading roster",
		zap.String("caregiver_id", caregiverID),
		zap.Strings("linked", linked),
	)
	go func() {
		if err := s.load(s.baseCtx, caregiverID, gen); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Warn("Roster reload failed",
				zap.String("caregiver_id", caregiverID),
				zap.Error(err),
			)
		}
	}()
}

func caregiverFromDoc(doc repository.Document) models.Caregiver {
	c := models.Caregiver{ID: doc.ID}
	c.Name, _ = doc.Data["name"].(string)

	seen := make(map[string]struct{})
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		c.LinkedEntities = append(c.LinkedEntities, id)
	}
	switch ids := doc.Data["linkedBraceletsID"].(type) {
	case []any:
		for _, v := range ids {
			if id, ok := v.(string); ok {
				add(id)
			}
		}
	case []string:
		for _, id := range ids {
			add(id)
		}
	}
	return c
}

func profileFromDoc(doc repository.Document) models.Profile {
	p := models.Profile{ID: doc.ID}
	p.Name, _ = doc.Data["name"].(string)
	p.AvatarRef, _ = doc.Data["avatar"].(string)
	return p
}
