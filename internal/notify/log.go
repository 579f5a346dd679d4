package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Mhacccc/tracking-app/internal/kv"
	"github.com/Mhacccc/tracking-app/internal/roster"

	"go.uber.org/zap"
)

// ErrAlertNotFound 告警不存在
var ErrAlertNotFound = errors.New("alert not found")

// Log 告警记录（最新在前），每个看护人的记录整体以 JSON 数组保存在一个 KV key 中
type Log struct {
	store  kv.KVStore
	key    string
	max    int
	logger *zap.Logger

	mu    sync.Mutex
	owner string
}

// NewLog max<=0 时不截断
func NewLog(store kv.KVStore, key string, max int, logger *zap.Logger) *Log {
	return &Log{
		store:  store,
		key:    key,
		max:    max,
		logger: logger,
	}
}

// HandleSnapshot 花名册订阅回调：切换到快照所属看护人的告警记录
// 需要先于其它会写告警的订阅者注册
func (l *Log) HandleSnapshot(snap roster.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.CaregiverID != l.owner {
		l.owner = snap.CaregiverID
		l.logger.Debug("Alert log switched", zap.String("key", l.keyLocked()))
	}
}

func (l *Log) keyLocked() string {
	return kv.ScopedKey(l.key, l.owner)
}

// List 返回全部告警（最新在前）
func (l *Log) List(ctx context.Context) ([]AlertRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(ctx)
}

// UnreadCount 未读数量
func (l *Log) UnreadCount(ctx context.Context) (int, error) {
	records, err := l.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if r.Unread {
			n++
		}
	}
	return n, nil
}

// AppendNew 追加告警，消息文本已存在（或本批重复）的候选直接丢弃；返回实际追加的记录
func (l *Log) AppendNew(ctx context.Context, candidates []AlertRecord) ([]AlertRecord, error) {
	return l.prepend(ctx, candidates, true)
}

// Append 追加告警，不做去重
func (l *Log) Append(ctx context.Context, records []AlertRecord) error {
	_, err := l.prepend(ctx, records, false)
	return err
}

// MarkRead 标记单条已读
func (l *Log) MarkRead(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.read(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID.String() == id {
			if !records[i].Unread {
				return nil
			}
			records[i].Unread = false
			return l.write(ctx, records)
		}
	}
	return ErrAlertNotFound
}

// MarkAllRead 全部标记已读，返回本次改动的数量
func (l *Log) MarkAllRead(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.read(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range records {
		if records[i].Unread {
			records[i].Unread = false
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, l.write(ctx, records)
}

func (l *Log) prepend(ctx context.Context, candidates []AlertRecord, dedup bool) ([]AlertRecord, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read(ctx)
	if err != nil {
		return nil, err
	}

	fresh := candidates
	if dedup {
		seen := make(map[string]struct{}, len(existing)+len(candidates))
		for _, r := range existing {
			seen[r.Message] = struct{}{}
		}
		fresh = make([]AlertRecord, 0, len(candidates))
		for _, c := range candidates {
			if _, ok := seen[c.Message]; ok {
				continue
			}
			seen[c.Message] = struct{}{}
			fresh = append(fresh, c)
		}
		if len(fresh) == 0 {
			return nil, nil
		}
	}

	updated := make([]AlertRecord, 0, len(fresh)+len(existing))
	updated = append(updated, fresh...)
	updated = append(updated, existing...)
	if l.max > 0 && len(updated) > l.max {
		updated = updated[:l.max]
	}
	if err := l.write(ctx, updated); err != nil {
		return nil, err
	}
	return fresh, nil
}

// read 调用方需持有锁；单条格式错误的记录跳过
func (l *Log) read(ctx context.Context) ([]AlertRecord, error) {
	var raw []json.RawMessage
	if _, err := kv.GetJSON(ctx, l.store, l.keyLocked(), &raw); err != nil {
		return nil, fmt.Errorf("failed to load alert log: %w", err)
	}
	records := make([]AlertRecord, 0, len(raw))
	for i, item := range raw {
		var r AlertRecord
		if err := json.Unmarshal(item, &r); err != nil {
			l.logger.Warn("Skipping malformed alert record", zap.Int("index", i), zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func (l *Log) write(ctx context.Context, records []AlertRecord) error {
	if err := kv.SetJSON(ctx, l.store, l.keyLocked(), records, 0); err != nil {
		return fmt.Errorf("failed to save alert log: %w", err)
	}
	return nil
}
