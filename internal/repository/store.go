// Package repository 文档存储：佩戴者档案、看护人档案、设备实时状态。
// 核心逻辑只依赖 DocumentStore 的五种操作，不关心具体后端。
package repository

import (
	"context"
	"errors"
)

// ErrNotFound 文档不存在
var ErrNotFound = errors.New("document not found")

// ChangeType 变更类型
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Document 文档（ID + 任意 JSON 字段）
type Document struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// ChangeEvent 订阅推送的单条变更；removed 时 Data 为空
type ChangeEvent struct {
	Type ChangeType
	Doc  Document
}

// ChangeHandler 接收一批变更（同一批内按发生顺序排列）
type ChangeHandler func(batch []ChangeEvent)

// ErrorHandler 接收订阅过程中的错误，订阅本身不会因此终止
type ErrorHandler func(err error)

// DocumentStore 文档存储抽象
type DocumentStore interface {
	// ReadAll 读取集合内文档；ids 为 nil 时不过滤，非 nil 时只返回 id 在集合中的文档
	ReadAll(ctx context.Context, collection string, ids []string) ([]Document, error)
	// Subscribe 订阅集合变更，返回取消函数
	Subscribe(ctx context.Context, collection string, onChange ChangeHandler, onError ErrorHandler) (func(), error)
	// ReadOne 按 ID 读取，不存在时返回 ErrNotFound
	ReadOne(ctx context.Context, collection, id string) (Document, error)
	// Patch 按 ID 合并写入字段（文档不存在时创建）
	Patch(ctx context.Context, collection, id string, fields map[string]any) error
	// Append 新增文档并返回生成的 ID
	Append(ctx context.Context, collection string, data map[string]any) (string, error)
}

// Deleter 支持删除文档的存储（删除会产生 removed 变更）
type Deleter interface {
	Delete(ctx context.Context, collection, id string) error
}

func idFilter(ids []string) map[string]struct{} {
	if ids == nil {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
