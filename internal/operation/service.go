package operation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "MetaPilot/internal/errors"
	"MetaPilot/pkg/logger"
)

// Service 负责自主操作的受理与查询，执行由 Processor 异步完成。
type Service struct {
	store    Store
	producer Producer
	defaults Request
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithDefaults 为未填写风险偏好或最长时长的请求补充默认值。
func WithDefaults(riskTolerance string, maxDurationSeconds int) ServiceOption {
	return func(s *Service) {
		s.defaults.RiskTolerance = riskTolerance
		s.defaults.MaxDurationSeconds = maxDurationSeconds
	}
}

// NewService 构造操作服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 保存一个 pending 快照并推送到队列。携带已存在 ID 的请求直接返回现有快照。
func (s *Service) Submit(ctx context.Context, req Request) (*Snapshot, error) {
	if strings.TrimSpace(req.Type) == "" {
		return nil, xerrors.New(CodeOperationValidation, "operation_type 不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrOperationNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	snapshot := &Snapshot{
		ID:                 id,
		Type:               req.Type,
		Parameters:         cloneMap(req.Parameters),
		RiskTolerance:      firstNonEmpty(req.RiskTolerance, s.defaults.RiskTolerance, "medium"),
		MaxDurationSeconds: req.MaxDurationSeconds,
		Status:             StatusPending,
		Results:            []StepResult{},
		Errors:             []StepError{},
	}
	if snapshot.MaxDurationSeconds <= 0 {
		snapshot.MaxDurationSeconds = s.defaults.MaxDurationSeconds
	}
	if err := s.store.Save(ctx, snapshot); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存操作快照失败")
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("操作入队失败", slog.Any("error", err), slog.String("operation_id", id))
		wrapped := xerrors.Wrap(CodeOperationPublish, err, "发布操作到队列失败")
		snapshot.Status = StatusFailed
		snapshot.Error = wrapped.Error()
		snapshot.Errors = append(snapshot.Errors, StepError{Message: wrapped.Error()})
		_ = s.store.Save(ctx, snapshot)
		return nil, wrapped
	}
	logger.Audit().Info("操作入队成功",
		slog.String("operation_id", id),
		slog.String("operation_type", snapshot.Type),
		slog.String("risk_tolerance", snapshot.RiskTolerance),
		slog.Int("max_duration_seconds", snapshot.MaxDurationSeconds),
	)
	return snapshot, nil
}

// Get 返回指定操作的快照。
func (s *Service) Get(ctx context.Context, id string) (*Snapshot, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的操作列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Snapshot, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询直到操作进入终态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Snapshot, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snapshot, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if snapshot.Status.Terminal() {
			return snapshot, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
