package operation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "MetaPilot/internal/errors"
)

// MemoryStore 以内存方式保存操作快照，用于单进程部署与测试。
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	now       func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]*Snapshot), now: time.Now}
}

// Save 实现 Store 接口，保存的是快照的深拷贝。
func (m *MemoryStore) Save(_ context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "snapshot 不能为空")
	}
	if strings.TrimSpace(snapshot.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().Unix()
	if existing, ok := m.snapshots[snapshot.ID]; ok && snapshot.CreatedAt == 0 {
		snapshot.CreatedAt = existing.CreatedAt
	}
	if snapshot.CreatedAt == 0 {
		snapshot.CreatedAt = now
	}
	snapshot.UpdatedAt = now
	m.snapshots[snapshot.ID] = snapshot.Clone()
	return nil
}

// Get 返回快照副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.snapshots[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return snapshot.Clone(), nil
}

// List 返回符合过滤条件的快照。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Snapshot, 0, len(m.snapshots))
	for _, snapshot := range m.snapshots {
		if !matchesListFilters(snapshot, opts) {
			continue
		}
		results = append(results, snapshot)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID < b.ID
			}
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.UpdatedAt < b.UpdatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Snapshot{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	out := make([]*Snapshot, len(results))
	for i, snapshot := range results {
		out[i] = snapshot.Clone()
	}
	return out, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(snapshot *Snapshot, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if snapshot.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Type != "" && snapshot.Type != opts.Type {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
