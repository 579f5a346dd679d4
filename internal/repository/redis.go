package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rediscommon "github.com/Mhacccc/tracking-app/common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedisStore 基于 Redis Hash 的文档存储（设备实时状态）
// 文档：doc:{collection}:{id}（每个字段存 JSON）；索引：docs:{collection}；
// 变更流：changes:{collection}（XADD type/id，订阅方用 XREAD 读取后回表取最新内容）
type RedisStore struct {
	client     *redis.Client
	logger     *zap.Logger
	block      time.Duration
	batchSize  int64
	maxLen     int64
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewRedisStore block 为 XREAD 阻塞时长，必须为正（go-redis 中 0 表示永久阻塞）
func NewRedisStore(client *redis.Client, block time.Duration, logger *zap.Logger) *RedisStore {
	if block <= 0 {
		block = 2 * time.Second
	}
	return &RedisStore{
		client:     client,
		logger:     logger,
		block:      block,
		batchSize:  100,
		maxLen:     10000,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

func docKey(collection, id string) string {
	return fmt.Sprintf("doc:%s:%s", collection, id)
}

func indexKey(collection string) string {
	return fmt.Sprintf("docs:%s", collection)
}

func changeStream(collection string) string {
	return fmt.Sprintf("changes:%s", collection)
}

func (s *RedisStore) ReadAll(ctx context.Context, collection string, ids []string) ([]Document, error) {
	if ids == nil {
		members, err := s.client.SMembers(ctx, indexKey(collection)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		ids = members
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return s.readMany(ctx, collection, sorted)
}

func (s *RedisStore) readMany(ctx context.Context, collection string, ids []string) ([]Document, error) {
	docs := make([]Document, 0, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, docKey(collection, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read %s: %w", collection, err)
	}

	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		docs = append(docs, Document{ID: ids[i], Data: s.decodeHash(collection, ids[i], fields)})
	}
	return docs, nil
}

func (s *RedisStore) ReadOne(ctx context.Context, collection, id string) (Document, error) {
	fields, err := s.client.HGetAll(ctx, docKey(collection, id)).Result()
	if err != nil {
		return Document{}, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	if len(fields) == 0 {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: s.decodeHash(collection, id, fields)}, nil
}

func (s *RedisStore) Patch(ctx context.Context, collection, id string, fields map[string]any) error {
	existed, err := s.client.Exists(ctx, docKey(collection, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check %s/%s: %w", collection, id, err)
	}
	changeType := ChangeModified
	if existed == 0 {
		changeType = ChangeAdded
	}
	return s.write(ctx, collection, id, fields, changeType)
}

func (s *RedisStore) Append(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.New().String()
	if err := s.write(ctx, collection, id, data, ChangeAdded); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) write(ctx context.Context, collection, id string, fields map[string]any, changeType ChangeType) error {
	encoded := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s field %s: %w", collection, id, k, err)
		}
		encoded[k] = string(raw)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(encoded) > 0 {
			pipe.HSet(ctx, docKey(collection, id), encoded)
		}
		pipe.SAdd(ctx, indexKey(collection), id)
		_, err := rediscommon.PublishToStream(ctx, pipe, changeStream(collection), s.maxLen,
			map[string]interface{}{"type": string(changeType), "id": id})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	var delCmd *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		delCmd = pipe.Del(ctx, docKey(collection, id))
		pipe.SRem(ctx, indexKey(collection), id)
		_, err := rediscommon.PublishToStream(ctx, pipe, changeStream(collection), s.maxLen,
			map[string]interface{}{"type": string(ChangeRemoved), "id": id})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	if delCmd.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Subscribe 从当前流尾开始 XREAD；读取失败时按 1s..30s 指数退避重试并回调 onError
func (s *RedisStore) Subscribe(ctx context.Context, collection string, onChange ChangeHandler, onError ErrorHandler) (func(), error) {
	stream := changeStream(collection)
	lastID, err := rediscommon.LastStreamID(ctx, s.client, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to locate %s tail: %w", stream, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.consume(subCtx, collection, lastID, onChange, onError)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *RedisStore) consume(ctx context.Context, collection, lastID string, onChange ChangeHandler, onError ErrorHandler) {
	stream := changeStream(collection)
	backoff := s.minBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, nextID, err := rediscommon.ReadFromStream(ctx, s.client, stream, lastID, s.batchSize, s.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to read change stream",
				zap.String("stream", stream),
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			if onError != nil {
				onError(fmt.Errorf("read %s: %w", stream, err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
				if backoff > s.maxBackoff {
					backoff = s.maxBackoff
				}
			}
			continue
		}
		backoff = s.minBackoff
		lastID = nextID

		if len(messages) == 0 {
			continue
		}
		batch, err := s.buildBatch(ctx, collection, messages)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if onError != nil {
				onError(err)
			}
			continue
		}
		if len(batch) > 0 {
			onChange(batch)
		}
	}
}

// buildBatch 把流消息转换为变更；同一批中重复的文档只回表读取一次
func (s *RedisStore) buildBatch(ctx context.Context, collection string, messages []rediscommon.StreamMessage) ([]ChangeEvent, error) {
	type pendingChange struct {
		changeType ChangeType
		id         string
	}
	pending := make([]pendingChange, 0, len(messages))
	toRead := make(map[string]struct{})
	for _, msg := range messages {
		id, _ := msg.Values["id"].(string)
		typ, _ := msg.Values["type"].(string)
		if id == "" {
			s.logger.Warn("Ignoring change without id", zap.String("message_id", msg.ID))
			continue
		}
		changeType := ChangeType(typ)
		switch changeType {
		case ChangeAdded, ChangeModified:
			toRead[id] = struct{}{}
		case ChangeRemoved:
		default:
			s.logger.Warn("Ignoring change with unknown type", zap.String("message_id", msg.ID), zap.String("type", typ))
			continue
		}
		pending = append(pending, pendingChange{changeType: changeType, id: id})
	}

	ids := make([]string, 0, len(toRead))
	for id := range toRead {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	docs, err := s.readMany(ctx, collection, ids)
	if err != nil {
		return nil, err
	}
	current := make(map[string]Document, len(docs))
	for _, d := range docs {
		current[d.ID] = d
	}

	batch := make([]ChangeEvent, 0, len(pending))
	for _, p := range pending {
		if p.changeType == ChangeRemoved {
			batch = append(batch, ChangeEvent{Type: ChangeRemoved, Doc: Document{ID: p.id}})
			continue
		}
		doc, ok := current[p.id]
		if !ok {
			// 读取前已被删除，后续会有 removed 消息
			continue
		}
		batch = append(batch, ChangeEvent{Type: p.changeType, Doc: doc})
	}
	return batch, nil
}

func (s *RedisStore) decodeHash(collection, id string, fields map[string]string) map[string]any {
	data := make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			s.logger.Debug("Keeping non-JSON field as string",
				zap.String("collection", collection),
				zap.String("document_id", id),
				zap.String("field", k),
			)
			v = raw
		}
		data[k] = v
	}
	return data
}
