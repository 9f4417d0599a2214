package memory

import (
	"context"
	"sync"
	"time"
)

// Item 是一条经验记录。
type Item struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	Embedding []float32      `json:"embedding"`
	Timestamp time.Time      `json:"timestamp"`
}

// Backend 抽象经验记录的持久化，按智能体隔离命名空间。
type Backend interface {
	Put(ctx context.Context, namespace string, item Item) error
	Get(ctx context.Context, namespace, id string) (Item, bool, error)
	Delete(ctx context.Context, namespace, id string) error
	Clear(ctx context.Context, namespace string) error
	All(ctx context.Context, namespace string) ([]Item, error)
}

// LocalBackend 在进程内保存经验记录。
type LocalBackend struct {
	mu    sync.RWMutex
	items map[string]map[string]Item
}

// NewLocalBackend 创建进程内后端。
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{items: make(map[string]map[string]Item)}
}

// Put 写入或覆盖记录。
func (b *LocalBackend) Put(_ context.Context, namespace string, item Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket := b.items[namespace]
	if bucket == nil {
		bucket = make(map[string]Item)
		b.items[namespace] = bucket
	}
	bucket[item.ID] = cloneItem(item)
	return nil
}

// Get 读取记录。
func (b *LocalBackend) Get(_ context.Context, namespace, id string) (Item, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	item, ok := b.items[namespace][id]
	if !ok {
		return Item{}, false, nil
	}
	return cloneItem(item), true, nil
}

// Delete 删除记录，不存在时无操作。
func (b *LocalBackend) Delete(_ context.Context, namespace, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items[namespace], id)
	return nil
}

// Clear 删除命名空间内的全部记录。
func (b *LocalBackend) Clear(_ context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, namespace)
	return nil
}

// All 返回命名空间内的全部记录。
func (b *LocalBackend) All(_ context.Context, namespace string) ([]Item, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bucket := b.items[namespace]
	out := make([]Item, 0, len(bucket))
	for _, item := range bucket {
		out = append(out, cloneItem(item))
	}
	return out, nil
}

// cloneItem 复制记录，写入方与读取方都不会改到后端持有的数据。
func cloneItem(item Item) Item {
	item.Data = cloneData(item.Data)
	if item.Embedding != nil {
		item.Embedding = append([]float32(nil), item.Embedding...)
	}
	return item
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneData(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

var _ Backend = (*LocalBackend)(nil)
