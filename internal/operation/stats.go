package operation

import "context"

// statsPageSize 与 ListOptions 的上限一致。
const statsPageSize = 100

// Stats 聚合了操作状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total               int   `json:"total"`
	Pending             int   `json:"pending"`
	Running             int   `json:"running"`
	Completed           int   `json:"completed"`
	CompletedWithErrors int   `json:"completed_with_errors"`
	Failed              int   `json:"failed"`
	OldestUpdatedAt     int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt     int64 `json:"newest_updated_at,omitempty"`
}

// Add 计入一个快照。
func (s *Stats) Add(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.Total++
	switch snap.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusCompletedWithErrors:
		s.CompletedWithErrors++
	case StatusFailed:
		s.Failed++
	}
	if snap.UpdatedAt > 0 {
		if s.OldestUpdatedAt == 0 || snap.UpdatedAt < s.OldestUpdatedAt {
			s.OldestUpdatedAt = snap.UpdatedAt
		}
		if snap.UpdatedAt > s.NewestUpdatedAt {
			s.NewestUpdatedAt = snap.UpdatedAt
		}
	}
}

// ListFunc 是分页读取快照的函数，Orchestrator.ListOperations 满足该签名。
type ListFunc func(ctx context.Context, opts ...ListOption) ([]*Snapshot, error)

// CollectStats 按更新时间升序逐页读取全部快照并汇总。
func CollectStats(ctx context.Context, list ListFunc) (Stats, error) {
	var stats Stats
	for offset := 0; ; offset += statsPageSize {
		page, err := list(ctx, WithLimit(statsPageSize), WithOffset(offset), WithSortOrder(SortByUpdatedAsc))
		if err != nil {
			return Stats{}, err
		}
		for _, snap := range page {
			stats.Add(snap)
		}
		if len(page) < statsPageSize {
			return stats, nil
		}
	}
}
