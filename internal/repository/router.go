package repository

import (
	"context"
	"fmt"
)

// Router 按集合名把请求分发到不同后端（档案走 Postgres，实时状态走 Redis）
type Router struct {
	routes   map[string]DocumentStore
	fallback DocumentStore
}

// NewRouter fallback 为未单独配置的集合使用的后端，可为 nil
func NewRouter(fallback DocumentStore) *Router {
	return &Router{
		routes:   make(map[string]DocumentStore),
		fallback: fallback,
	}
}

// Route 指定集合使用的后端
func (r *Router) Route(collection string, store DocumentStore) *Router {
	r.routes[collection] = store
	return r
}

func (r *Router) storeFor(collection string) (DocumentStore, error) {
	if s, ok := r.routes[collection]; ok {
		return s, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no document store for collection %s", collection)
}

func (r *Router) ReadAll(ctx context.Context, collection string, ids []string) ([]Document, error) {
	s, err := r.storeFor(collection)
	if err != nil {
		return nil, err
	}
	return s.ReadAll(ctx, collection, ids)
}

func (r *Router) Subscribe(ctx context.Context, collection string, onChange ChangeHandler, onError ErrorHandler) (func(), error) {
	s, err := r.storeFor(collection)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, collection, onChange, onError)
}

func (r *Router) ReadOne(ctx context.Context, collection, id string) (Document, error) {
	s, err := r.storeFor(collection)
	if err != nil {
		return Document{}, err
	}
	return s.ReadOne(ctx, collection, id)
}

func (r *Router) Patch(ctx context.Context, collection, id string, fields map[string]any) error {
	s, err := r.storeFor(collection)
	if err != nil {
		return err
	}
	return s.Patch(ctx, collection, id, fields)
}

func (r *Router) Append(ctx context.Context, collection string, data map[string]any) (string, error) {
	s, err := r.storeFor(collection)
	if err != nil {
		return "", err
	}
	return s.Append(ctx, collection, data)
}

// Delete 后端不支持删除时返回错误
func (r *Router) Delete(ctx context.Context, collection, id string) error {
	s, err := r.storeFor(collection)
	if err != nil {
		return err
	}
	d, ok := s.(Deleter)
	if !ok {
		return fmt.Errorf("document store for collection %s does not support delete", collection)
	}
	return d.Delete(ctx, collection, id)
}
