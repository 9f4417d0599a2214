package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"MetaPilot/internal/agent"
	"MetaPilot/internal/decision"
	xerrors "MetaPilot/internal/errors"
	"MetaPilot/internal/learning"
	"MetaPilot/internal/observability/alerting"
	"MetaPilot/internal/operation"
	"MetaPilot/pkg/logger"
)

const msgCancelled = "operation cancelled"

// AutonomousOperation 同步执行一次自主操作并返回最终快照。
// 规划或步骤中的异常只会让操作进入 failed，返回的 error 仅表示请求无效或存储不可用。
func (o *Orchestrator) AutonomousOperation(ctx context.Context, req operation.Request) (*operation.Snapshot, error) {
	if strings.TrimSpace(req.Type) == "" {
		return nil, xerrors.New(operation.CodeOperationValidation, "operation_type 不能为空")
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	if strings.TrimSpace(req.RiskTolerance) == "" {
		req.RiskTolerance = o.defaultRisk
	}
	req.RiskTolerance = strings.ToLower(req.RiskTolerance)
	if req.MaxDurationSeconds <= 0 {
		req.MaxDurationSeconds = o.defaultMaxDuration
	}

	snap, flag, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer o.finish(req.ID)

	return o.execute(ctx, snap, flag), nil
}

// Run 实现 operation.Executor，供队列处理器调用。
func (o *Orchestrator) Run(ctx context.Context, req operation.Request) (*operation.Snapshot, error) {
	return o.AutonomousOperation(ctx, req)
}

// begin 登记取消标志并写入 running 快照。与 CancelOperation 共用锁，
// 保证 pending 操作要么被取消、要么开始运行。
func (o *Orchestrator) begin(ctx context.Context, req operation.Request) (*operation.Snapshot, *atomic.Bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, running := o.active[req.ID]; running {
		return nil, nil, xerrors.Wrap(operation.CodeOperationConflict, operation.ErrOperationConflict, "操作正在执行")
	}

	snap := &operation.Snapshot{
		ID:                 req.ID,
		Type:               req.Type,
		Parameters:         req.Parameters,
		RiskTolerance:      req.RiskTolerance,
		MaxDurationSeconds: req.MaxDurationSeconds,
		Status:             operation.StatusRunning,
		Results:            []operation.StepResult{},
		Errors:             []operation.StepError{},
	}
	existing, err := o.store.Get(ctx, req.ID)
	switch {
	case err == nil:
		if existing.Status != operation.StatusPending {
			return nil, nil, xerrors.Wrap(operation.CodeOperationConflict, operation.ErrOperationConflict,
				fmt.Sprintf("操作状态为 %s，无法执行", existing.Status))
		}
		snap.CreatedAt = existing.CreatedAt
	case !stdErrors.Is(err, operation.ErrOperationNotFound):
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取操作快照失败")
	}
	if err := o.store.Save(ctx, snap); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存操作快照失败")
	}

	flag := &atomic.Bool{}
	o.active[req.ID] = flag
	return snap, flag, nil
}

func (o *Orchestrator) finish(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// execute 运行规划、步骤与总结。任何 panic 都在这里转为 failed，已记录的进度保留。
func (o *Orchestrator) execute(ctx context.Context, snap *operation.Snapshot, cancelled *atomic.Bool) (out *operation.Snapshot) {
	start := o.now()
	log := o.logger.With(slog.String("operation_id", snap.ID), slog.String("operation_type", snap.Type))

	defer func() {
		if r := recover(); r != nil {
			err := xerrors.New(xerrors.CodeOperationFailed, fmt.Sprintf("operation panicked: %v", r))
			log.Error("自主操作异常中止", slog.Any("error", err))
			o.fail(snap, 0, err.Error())
			out = o.complete(ctx, snap, start, err)
		}
	}()

	planDecision, err := o.governor.Analyze(ctx, map[string]any{
		"type":                 agent.RequestPlanOperation,
		"operation_id":         snap.ID,
		"operation_type":       snap.Type,
		"parameters":           snap.Parameters,
		"risk_tolerance":       snap.RiskTolerance,
		"max_duration_seconds": snap.MaxDurationSeconds,
	})
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeOperationFailed, err, "planning failed")
		log.Warn("规划失败", slog.Any("error", err))
		o.fail(snap, 0, wrapped.Error())
		return o.complete(ctx, snap, start, wrapped)
	}

	steps := decision.Maps(planDecision.Parameters, "plan")
	planContext := decision.Map(planDecision.Parameters, "context")
	snap.Plan = steps
	snap.Progress = 0.1
	o.persist(ctx, snap)
	log.Info("操作规划完成", slog.Int("steps", len(steps)))

	var (
		deadline     = start.Add(time.Duration(snap.MaxDurationSeconds) * time.Second)
		halted       *xerrors.Error
		participants []string
		seen         = map[string]bool{}
	)
	for i, step := range steps {
		stepNumber := i + 1
		switch {
		case cancelled.Load():
			halted = xerrors.New(xerrors.CodeOperationCancelled, msgCancelled)
		case ctx.Err() != nil:
			halted = xerrors.Wrap(xerrors.CodeOperationCancelled, ctx.Err(), msgCancelled)
		case o.enforceMaxDuration && snap.MaxDurationSeconds > 0 && o.now().After(deadline):
			halted = xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("operation exceeded max duration of %ds", snap.MaxDurationSeconds))
		}
		if halted != nil {
			log.Warn("操作在步骤之间中止", slog.Int("next_step", stepNumber), slog.Any("reason", halted))
			o.fail(snap, 0, halted.Message())
			break
		}

		agentType := decision.String(step, "agent_type")
		stepType := decision.String(step, "step_type")
		critical, _ := step["critical"].(bool)
		snap.CurrentStep = stepNumber

		var result decision.ExecutionResult
		if target, ok := o.byType[agent.Type(agentType)]; ok {
			result = target.ProcessTask(ctx, map[string]any{
				"type":         stepType,
				"operation_id": snap.ID,
				"step_number":  stepNumber,
				"step_type":    stepType,
				"parameters":   decision.Map(step, "parameters"),
				"context":      planContext,
			})
			if !seen[agentType] {
				seen[agentType] = true
				participants = append(participants, agentType)
			}
		} else {
			result = decision.Failed(fmt.Sprintf("agent not found: %s", agentType), nil)
		}

		snap.Results = append(snap.Results, operation.StepResult{
			StepNumber: stepNumber,
			AgentType:  agentType,
			StepType:   stepType,
			Critical:   critical,
			Success:    result.Success,
			Output:     result.Output,
			Error:      result.Error,
		})
		if o.metrics != nil {
			o.metrics.StepFinished(agentType, result.Success)
		}

		stopped := false
		if !result.Success {
			msg := result.Error
			if msg == "" {
				msg = "step failed"
			}
			snap.Errors = append(snap.Errors, operation.StepError{Step: stepNumber, AgentType: agentType, Message: msg})
			if critical {
				snap.Status = operation.StatusFailed
				snap.Error = fmt.Sprintf("critical step %d (%s) failed: %s", stepNumber, agentType, msg)
				stopped = true
				log.Warn("关键步骤失败，操作终止", slog.Int("step", stepNumber), slog.String("agent_type", agentType))
			} else {
				log.Info("非关键步骤失败，继续执行", slog.Int("step", stepNumber), slog.String("agent_type", agentType))
			}
		}
		snap.Progress = progress(stepNumber, len(steps))
		o.persist(ctx, snap)
		if stopped {
			break
		}
	}
	snap.Participants = participants

	summaryDecision, err := o.governor.Analyze(ctx, map[string]any{
		"type":           agent.RequestSummarizeOperation,
		"operation_id":   snap.ID,
		"operation_type": snap.Type,
		"plan":           snap.Plan,
		"steps":          stepMaps(snap.Results),
		"errors":         errorMessages(snap.Errors),
	})
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeOperationFailed, err, "summarization failed")
		log.Warn("总结失败", slog.Any("error", err))
		o.fail(snap, 0, wrapped.Error())
		return o.complete(ctx, snap, start, wrapped)
	}
	snap.Summary = decision.Map(summaryDecision.Parameters, "summary")

	if snap.Status != operation.StatusFailed {
		if len(snap.Errors) == 0 {
			snap.Status = operation.StatusCompleted
		} else {
			snap.Status = operation.StatusCompletedWithErrors
		}
		snap.Progress = 1.0
	}
	var cause error
	if snap.Status == operation.StatusFailed {
		if halted != nil {
			cause = halted
		} else {
			cause = xerrors.New(xerrors.CodeOperationFailed, snap.Error)
		}
	}
	return o.complete(ctx, snap, start, cause)
}

// fail 把操作标记为 failed。step 为 0 表示操作级错误。
func (o *Orchestrator) fail(snap *operation.Snapshot, step int, message string) {
	snap.Status = operation.StatusFailed
	snap.Error = message
	snap.Errors = append(snap.Errors, operation.StepError{Step: step, Message: message})
}

// complete 持久化终态、上报指标与告警，并返回快照副本。
func (o *Orchestrator) complete(ctx context.Context, snap *operation.Snapshot, start time.Time, cause error) *operation.Snapshot {
	o.persist(ctx, snap)
	elapsed := o.now().Sub(start)
	if o.metrics != nil {
		o.metrics.OperationFinished(snap.Type, string(snap.Status), elapsed)
	}
	if cause != nil {
		o.alert(ctx, snap, cause)
	}
	logger.Audit().Info("自主操作结束",
		slog.String("operation_id", snap.ID),
		slog.String("operation_type", snap.Type),
		slog.String("status", string(snap.Status)),
		slog.Float64("progress", snap.Progress),
		slog.Int("steps", len(snap.Results)),
		slog.Int("errors", len(snap.Errors)),
		slog.Duration("elapsed", elapsed),
	)
	return snap.Clone()
}

// persist 写入快照；存储失败只记录日志，运行中的操作继续。
func (o *Orchestrator) persist(ctx context.Context, snap *operation.Snapshot) {
	if err := o.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		o.logger.Error("保存操作快照失败",
			slog.String("operation_id", snap.ID),
			slog.String("status", string(snap.Status)),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) alert(ctx context.Context, snap *operation.Snapshot, cause error) {
	if o.alerter == nil {
		return
	}
	event, ok := alerting.FromError(snap.ID, cause)
	if !ok {
		return
	}
	event.Step = snap.CurrentStep
	event.Metadata = map[string]string{
		"operation_type": snap.Type,
		"status":         string(snap.Status),
	}
	if err := o.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Error("告警通知失败", slog.String("operation_id", snap.ID), slog.Any("error", err))
	}
}

// CancelOperation 请求取消操作。运行中的操作在下一个步骤边界停止；
// pending 操作直接标记为 failed；已结束的操作返回冲突错误。
func (o *Orchestrator) CancelOperation(ctx context.Context, id string) (*operation.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if flag, ok := o.active[id]; ok {
		flag.Store(true)
		logger.Audit().Info("已请求取消运行中的操作", slog.String("operation_id", id))
		return o.store.Get(ctx, id)
	}

	snap, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		return nil, xerrors.Wrap(operation.CodeOperationConflict, operation.ErrOperationConflict,
			fmt.Sprintf("操作已处于终态 %s", snap.Status))
	}
	o.fail(snap, 0, msgCancelled)
	if err := o.store.Save(ctx, snap); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存操作快照失败")
	}
	logger.Audit().Info("操作已取消", slog.String("operation_id", id), slog.String("operation_type", snap.Type))
	return snap, nil
}

// ProvideFeedback 把 1..5 的评分作为通用反馈广播给所有智能体的学习器，
// 奖励为 (rating-3)/2，并记录在操作快照上。只接受已结束的操作，
// 未结束的操作返回冲突错误且不更新任何学习器。
func (o *Orchestrator) ProvideFeedback(ctx context.Context, id string, rating int, comments string) (bool, error) {
	if rating < 1 || rating > 5 {
		return false, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("rating 必须在 1 到 5 之间，实际为 %d", rating))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, running := o.active[id]; running {
		return false, xerrors.Wrap(operation.CodeOperationConflict, operation.ErrOperationConflict, "操作仍在执行，结束后才能反馈")
	}
	snap, err := o.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !snap.Status.Terminal() {
		return false, xerrors.Wrap(operation.CodeOperationConflict, operation.ErrOperationConflict,
			fmt.Sprintf("操作状态为 %s，结束后才能反馈", snap.Status))
	}

	feedback := map[string]any{
		"rating":       rating,
		"comments":     comments,
		"operation_id": id,
	}
	state := learning.State{"type": "feedback", "operation_type": snap.Type}
	reward := float64(rating-3) / 2
	for _, a := range o.agents {
		reward = a.LearnFromFeedback(feedback, state, "feedback")
	}

	snap.Feedback = &operation.Feedback{
		Rating:   rating,
		Comments: comments,
		Reward:   reward,
		At:       o.now().Unix(),
	}
	if err := o.store.Save(ctx, snap); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存反馈失败")
	}
	logger.Audit().Info("收到操作反馈",
		slog.String("operation_id", id),
		slog.Int("rating", rating),
		slog.Float64("reward", reward),
		slog.Int("agents", len(o.agents)),
	)
	return true, nil
}

func progress(done, total int) float64 {
	if total <= 0 {
		return 0.9
	}
	return math.Round((0.1+0.8*float64(done)/float64(total))*1e4) / 1e4
}

func stepMaps(results []operation.StepResult) []any {
	out := make([]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{
			"step_number": r.StepNumber,
			"agent_type":  r.AgentType,
			"step_type":   r.StepType,
			"critical":    r.Critical,
			"success":     r.Success,
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		out = append(out, entry)
	}
	return out
}

func errorMessages(errs []operation.StepError) []any {
	out := make([]any, 0, len(errs))
	for _, e := range errs {
		if e.Step > 0 {
			out = append(out, fmt.Sprintf("step %d (%s): %s", e.Step, e.AgentType, e.Message))
			continue
		}
		out = append(out, e.Message)
	}
	return out
}

var _ operation.Executor = (*Orchestrator)(nil)
