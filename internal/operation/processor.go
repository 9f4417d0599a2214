package operation

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "MetaPilot/internal/errors"
	"MetaPilot/internal/observability/alerting"
	"MetaPilot/pkg/logger"
)

// Executor 执行一次自主操作，通常由编排器实现。
type Executor interface {
	Run(ctx context.Context, req Request) (*Snapshot, error)
}

// Processor 负责从队列消费操作 ID 并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置操作消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, operationID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	snapshot, err := p.store.Get(ctx, operationID)
	if err != nil {
		if stdErrors.Is(err, ErrOperationNotFound) {
			p.logDebug("跳过未知操作", slog.String("operation_id", operationID))
			return nil
		}
		logger.L().Error("读取操作快照失败", slog.Any("error", err), slog.String("operation_id", operationID))
		return err
	}
	// 已取消或已被其他消费者执行的操作直接跳过。
	if snapshot.Status != StatusPending {
		p.logDebug("跳过非 pending 操作",
			slog.String("operation_id", operationID),
			slog.String("status", string(snapshot.Status)))
		return nil
	}

	if _, runErr := p.executor.Run(ctx, snapshot.Request()); runErr != nil {
		wrapped := runErr
		if _, ok := xerrors.From(runErr); !ok {
			wrapped = xerrors.Wrap(CodeOperationProcessing, runErr, "执行操作失败")
		}
		p.markFailed(ctx, operationID, wrapped)
		p.emitAlert(ctx, operationID, wrapped)
	}
	return nil
}

func (p *Processor) markFailed(ctx context.Context, operationID string, cause error) {
	snapshot, err := p.store.Get(ctx, operationID)
	if err != nil {
		logger.L().Error("回写失败状态时读取快照出错", slog.Any("error", err), slog.String("operation_id", operationID))
		return
	}
	if snapshot.Status.Terminal() {
		return
	}
	snapshot.Status = StatusFailed
	snapshot.Error = cause.Error()
	snapshot.Errors = append(snapshot.Errors, StepError{Message: cause.Error()})
	if err := p.store.Save(ctx, snapshot); err != nil {
		logger.L().Error("标记操作失败状态出错", slog.Any("error", err), slog.String("operation_id", operationID))
		return
	}
	logger.Audit().Warn("操作执行失败",
		slog.String("operation_id", operationID),
		slog.String("operation_type", snapshot.Type),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(xerrors.CodeOf(cause))),
	)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, operationID string, cause error) {
	if p == nil || p.alerter == nil {
		return
	}
	event, ok := alerting.FromError(operationID, cause)
	if !ok {
		return
	}
	event.Metadata = map[string]string{"stage": "processor"}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("operation_id", operationID))
	}
}
