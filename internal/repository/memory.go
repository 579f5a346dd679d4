package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore 内存文档存储，变更同步推送给订阅者（测试及本地运行使用）
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]map[string]any
	subs    map[string]map[int]memorySub
	nextSub int
	readErr error
}

type memorySub struct {
	onChange ChangeHandler
	onError  ErrorHandler
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]map[string]any),
		subs: make(map[string]map[int]memorySub),
	}
}

// FailReads 之后的 ReadAll/ReadOne 返回 err（nil 恢复）
func (m *MemoryStore) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailSubscriptions 向集合的所有订阅者推送错误
func (m *MemoryStore) FailSubscriptions(collection string, err error) {
	for _, sub := range m.subscribers(collection) {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

// Emit 应用一批变更并作为同一批推送（模拟后端合并推送）
func (m *MemoryStore) Emit(collection string, batch []ChangeEvent) {
	m.mu.Lock()
	for _, ev := range batch {
		if ev.Type == ChangeRemoved {
			delete(m.collection(collection), ev.Doc.ID)
			continue
		}
		m.collection(collection)[ev.Doc.ID] = copyFields(ev.Doc.Data)
	}
	m.mu.Unlock()
	m.publish(collection, batch)
}

func (m *MemoryStore) ReadAll(ctx context.Context, collection string, ids []string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}

	filter := idFilter(ids)
	docs := make([]Document, 0)
	for id, data := range m.docs[collection] {
		if filter != nil {
			if _, ok := filter[id]; !ok {
				continue
			}
		}
		docs = append(docs, Document{ID: id, Data: copyFields(data)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, collection string, onChange ChangeHandler, onError ErrorHandler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[collection] == nil {
		m.subs[collection] = make(map[int]memorySub)
	}
	id := m.nextSub
	m.nextSub++
	m.subs[collection][id] = memorySub{onChange: onChange, onError: onError}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[collection], id)
		})
	}, nil
}

func (m *MemoryStore) ReadOne(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return Document{}, m.readErr
	}
	data, ok := m.docs[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: copyFields(data)}, nil
}

func (m *MemoryStore) Patch(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	docs := m.collection(collection)
	changeType := ChangeModified
	current, ok := docs[id]
	if !ok {
		changeType = ChangeAdded
		current = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		current[k] = v
	}
	docs[id] = current
	event := ChangeEvent{Type: changeType, Doc: Document{ID: id, Data: copyFields(current)}}
	m.mu.Unlock()

	m.publish(collection, []ChangeEvent{event})
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.New().String()
	if err := m.Patch(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	_, ok := m.docs[collection][id]
	delete(m.docs[collection], id)
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	m.publish(collection, []ChangeEvent{{Type: ChangeRemoved, Doc: Document{ID: id}}})
	return nil
}

// collection 调用方需持有锁
func (m *MemoryStore) collection(name string) map[string]map[string]any {
	docs, ok := m.docs[name]
	if !ok {
		docs = make(map[string]map[string]any)
		m.docs[name] = docs
	}
	return docs
}

func (m *MemoryStore) subscribers(collection string) []memorySub {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int, 0, len(m.subs[collection]))
	for id := range m.subs[collection] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]memorySub, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, m.subs[collection][id])
	}
	return subs
}

func (m *MemoryStore) publish(collection string, batch []ChangeEvent) {
	for _, sub := range m.subscribers(collection) {
		sub.onChange(batch)
	}
}

func copyFields(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
