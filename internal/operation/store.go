package operation

import "context"

// Store 抽象了操作快照的持久化接口。Save 以 ID 为键覆盖写入。
type Store interface {
	Save(ctx context.Context, snapshot *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	List(ctx context.Context, opts ListOptions) ([]*Snapshot, error)
	Close() error
}
