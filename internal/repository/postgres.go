package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// NotifyChannel documents 表变更通知的 LISTEN 频道
const NotifyChannel = "document_changes"

// SchemaSQL documents 表及变更通知触发器
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
);

CREATE OR REPLACE FUNCTION notify_document_change() RETURNS trigger AS $$
DECLARE
	rec RECORD;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;
	PERFORM pg_notify('document_changes', json_build_object(
		'collection', rec.collection,
		'id', rec.id,
		'op', TG_OP
	)::text);
	RETURN rec;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS documents_notify ON documents;
CREATE TRIGGER documents_notify
	AFTER INSERT OR UPDATE OR DELETE ON documents
	FOR EACH ROW EXECUTE FUNCTION notify_document_change();
`

// PostgresStore 基于 Postgres JSONB 的文档存储，变更通过 LISTEN/NOTIFY 推送
type PostgresStore struct {
	db     *sql.DB
	dsn    string
	logger *zap.Logger
}

// NewPostgresStore dsn 用于建立独立的 LISTEN 连接
func NewPostgresStore(db *sql.DB, dsn string, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		dsn:    dsn,
		logger: logger,
	}
}

// EnsureSchema 创建 documents 表和通知触发器
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("failed to ensure documents schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, collection string, ids []string) ([]Document, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if ids == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`,
			collection,
		)
	} else {
		if len(ids) == 0 {
			return []Document{}, nil
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, data FROM documents WHERE collection = $1 AND id = ANY($2) ORDER BY id`,
			collection, pq.Array(ids),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s document: %w", collection, err)
		}
		data, err := decodeData(raw)
		if err != nil {
			s.logger.Warn("Skipping malformed document",
				zap.String("collection", collection),
				zap.String("document_id", id),
				zap.Error(err),
			)
			continue
		}
		docs = append(docs, Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", collection, err)
	}
	return docs, nil
}

func (s *PostgresStore) ReadOne(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return Document{}, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return Document{ID: id, Data: data}, nil
}

func (s *PostgresStore) Patch(ctx context.Context, collection, id string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", collection, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (collection, id)
		DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = NOW()`,
		collection, id, string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to patch %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, collection string, data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s document: %w", collection, err)
	}
	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3::jsonb, NOW())`,
		collection, id, string(raw),
	)
	if err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", collection, err)
	}
	return id, nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Subscribe 通过 pq.Listener 监听 document_changes 频道
// 连接建立前 Listen 会一直阻塞，因此在后台完成，连接失败通过 onError 上报
func (s *PostgresStore) Subscribe(ctx context.Context, collection string, onChange ChangeHandler, onError ErrorHandler) (func(), error) {
	listener := pq.NewListener(s.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil && onError != nil {
			onError(fmt.Errorf("postgres listener: %w", err))
		}
	})

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := listener.Listen(NotifyChannel); err != nil {
			if subCtx.Err() == nil && onError != nil {
				onError(fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err))
			}
			return
		}
		s.consumeNotifications(subCtx, listener.Notify, collection, onChange, onError)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := listener.Close(); err != nil {
				s.logger.Warn("Failed to close postgres listener", zap.Error(err))
			}
			<-done
		})
	}, nil
}

// notification 触发器发送的通知内容
type notification struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Op         string `json:"op"`
}

// consumeNotifications 读取通知，把当前已到达的通知合并为一批
// 通知只带 ID，文档内容从表中重新读取
func (s *PostgresStore) consumeNotifications(ctx context.Context, ch <-chan *pq.Notification, collection string, onChange ChangeHandler, onError ErrorHandler) {
	for {
		var first *pq.Notification
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			first = n
		}

		pending := []*pq.Notification{first}
	drain:
		for {
			select {
			case n, ok := <-ch:
				if !ok {
					break drain
				}
				pending = append(pending, n)
			default:
				break drain
			}
		}

		batch := s.buildBatch(ctx, pending, collection, onError)
		if len(batch) > 0 {
			onChange(batch)
		}
	}
}

func (s *PostgresStore) buildBatch(ctx context.Context, pending []*pq.Notification, collection string, onError ErrorHandler) []ChangeEvent {
	batch := make([]ChangeEvent, 0, len(pending))
	for _, n := range pending {
		// 重连后 pq 发送 nil，期间的通知可能已丢失
		if n == nil {
			if onError != nil {
				onError(errors.New("postgres listener reconnected, notifications may have been lost"))
			}
			continue
		}
		var msg notification
		if err := json.Unmarshal([]byte(n.Extra), &msg); err != nil {
			s.logger.Warn("Ignoring malformed notification", zap.String("payload", n.Extra), zap.Error(err))
			continue
		}
		if msg.Collection != collection {
			continue
		}

		switch msg.Op {
		case "DELETE":
			batch = append(batch, ChangeEvent{Type: ChangeRemoved, Doc: Document{ID: msg.ID}})
		case "INSERT", "UPDATE":
			doc, err := s.ReadOne(ctx, collection, msg.ID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					batch = append(batch, ChangeEvent{Type: ChangeRemoved, Doc: Document{ID: msg.ID}})
					continue
				}
				if onError != nil {
					onError(err)
				}
				continue
			}
			changeType := ChangeModified
			if msg.Op == "INSERT" {
				changeType = ChangeAdded
			}
			batch = append(batch, ChangeEvent{Type: changeType, Doc: doc})
		}
	}
	return batch
}

func decodeData(raw []byte) (map[string]any, error) {
	data := make(map[string]any)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
