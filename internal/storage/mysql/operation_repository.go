package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "MetaPilot/internal/errors"
	"MetaPilot/internal/operation"
)

// OperationRepository 将操作快照保存到 operations 表，完整快照以 JSON 存放在 payload 列。
type OperationRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOperationRepository 建立连接池并执行迁移。
func NewOperationRepository(ctx context.Context, cfg Config) (*OperationRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return NewOperationRepositoryWithDB(db), nil
}

// NewOperationRepositoryWithDB 复用已有连接，不执行迁移。
func NewOperationRepositoryWithDB(db *sql.DB) *OperationRepository {
	return &OperationRepository{db: db, now: time.Now}
}

const upsertOperationSQL = `INSERT INTO operations
        (id, operation_type, status, progress, current_step, payload, error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        operation_type = VALUES(operation_type), status = VALUES(status), progress = VALUES(progress),
        current_step = VALUES(current_step), payload = VALUES(payload), error = VALUES(error),
        updated_at = VALUES(updated_at)`

// Save 实现 operation.Store，按 ID 插入或覆盖快照，created_at 保持首次写入的值。
func (r *OperationRepository) Save(ctx context.Context, snapshot *operation.Snapshot) error {
	if snapshot == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "snapshot 不能为空")
	}
	if strings.TrimSpace(snapshot.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作 ID 不能为空")
	}
	now := r.now().Unix()
	if snapshot.CreatedAt == 0 {
		snapshot.CreatedAt = now
	}
	snapshot.UpdatedAt = now

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码操作快照失败")
	}
	if _, err := r.db.ExecContext(ctx, upsertOperationSQL,
		snapshot.ID,
		snapshot.Type,
		string(snapshot.Status),
		snapshot.Progress,
		snapshot.CurrentStep,
		payload,
		snapshot.Error,
		snapshot.CreatedAt,
		snapshot.UpdatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入操作快照失败")
	}
	return nil
}

// Get 查询指定操作。
func (r *OperationRepository) Get(ctx context.Context, id string) (*operation.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT payload, created_at, updated_at FROM operations WHERE id = ?`, id)
	snapshot, err := scanSnapshot(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, operation.ErrOperationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作失败")
	}
	return snapshot, nil
}

// List 按过滤条件分页返回快照。
func (r *OperationRepository) List(ctx context.Context, opts operation.ListOptions) ([]*operation.Snapshot, error) {
	opts = opts.Normalized()

	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.Type != "" {
		clauses = append(clauses, "operation_type = ?")
		args = append(args, opts.Type)
	}

	query := "SELECT payload, created_at, updated_at FROM operations"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if opts.Order == operation.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作列表失败")
	}
	defer rows.Close()

	results := make([]*operation.Snapshot, 0, opts.Limit)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作快照失败")
		}
		results = append(results, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作列表失败")
	}
	return results, nil
}

// Close 关闭底层数据库连接。
func (r *OperationRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*operation.Snapshot, error) {
	var (
		payload   []byte
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var snapshot operation.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, err
	}
	snapshot.CreatedAt = createdAt
	snapshot.UpdatedAt = updatedAt
	return &snapshot, nil
}

var _ operation.Store = (*OperationRepository)(nil)
