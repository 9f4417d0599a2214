package operation

import (
	"encoding/json"

	xerrors "MetaPilot/internal/errors"
)

// Status 表示自主操作在生命周期中的状态。
type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// Terminal 判断状态是否已经终结。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	default:
		return false
	}
}

// Request 描述一次自主操作的输入。
type Request struct {
	ID                 string         `json:"id,omitempty"`
	Type               string         `json:"operation_type"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	RiskTolerance      string         `json:"risk_tolerance,omitempty"`
	MaxDurationSeconds int            `json:"max_duration_seconds,omitempty"`
}

// StepResult 记录计划中一个步骤的执行情况。
type StepResult struct {
	StepNumber int            `json:"step_number"`
	AgentType  string         `json:"agent_type"`
	StepType   string         `json:"step_type"`
	Critical   bool           `json:"critical"`
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// StepError 是错误列表中的一项，Step 为 0 表示操作级错误。
type StepError struct {
	Step      int    `json:"step"`
	AgentType string `json:"agent_type,omitempty"`
	Message   string `json:"error"`
}

// Feedback 是操作结束后用户给出的评分。
type Feedback struct {
	Rating   int     `json:"rating"`
	Comments string  `json:"comments,omitempty"`
	Reward   float64 `json:"reward"`
	At       int64   `json:"at"`
}

// Snapshot 是操作上下文的持久化副本，状态查询只读取快照。
type Snapshot struct {
	ID                 string           `json:"operation_id"`
	Type               string           `json:"operation_type"`
	Parameters         map[string]any   `json:"parameters,omitempty"`
	RiskTolerance      string           `json:"risk_tolerance"`
	MaxDurationSeconds int              `json:"max_duration_seconds"`
	Plan               []map[string]any `json:"plan,omitempty"`
	Status             Status           `json:"status"`
	Progress           float64          `json:"progress"`
	CurrentStep        int              `json:"current_step"`
	Results            []StepResult     `json:"results"`
	Errors             []StepError      `json:"errors"`
	Summary            map[string]any   `json:"summary,omitempty"`
	Participants       []string         `json:"participants,omitempty"`
	Error              string           `json:"error,omitempty"`
	Feedback           *Feedback        `json:"feedback,omitempty"`
	CreatedAt          int64            `json:"created_at"`
	UpdatedAt          int64            `json:"updated_at"`
}

// Request 还原快照对应的操作请求。
func (s *Snapshot) Request() Request {
	return Request{
		ID:                 s.ID,
		Type:               s.Type,
		Parameters:         cloneMap(s.Parameters),
		RiskTolerance:      s.RiskTolerance,
		MaxDurationSeconds: s.MaxDurationSeconds,
	}
}

// Clone 通过 JSON 往返得到深拷贝，保证快照与运行中的上下文互不共享。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		shallow := *s
		return &shallow
	}
	var out Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		shallow := *s
		return &shallow
	}
	return &out
}

var (
	// ErrOperationNotFound 表示指定的操作不存在。
	ErrOperationNotFound = xerrors.New(CodeOperationNotFound, "operation not found")
	// ErrOperationConflict 表示操作在当前状态下无法执行请求的动作。
	ErrOperationConflict = xerrors.New(CodeOperationConflict, "operation conflict")
)

const (
	CodeOperationNotFound   xerrors.Code = "OPERATION_NOT_FOUND"
	CodeOperationConflict   xerrors.Code = "OPERATION_CONFLICT"
	CodeOperationValidation xerrors.Code = "OPERATION_VALIDATION_FAILED"
	CodeOperationPublish    xerrors.Code = "OPERATION_PUBLISH_FAILED"
	CodeOperationProcessing xerrors.Code = "OPERATION_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeOperationNotFound, xerrors.Attributes{
		Message:  "operation not found",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeOperationConflict, xerrors.Attributes{
		Message:  "operation conflict",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeOperationValidation, xerrors.Attributes{
		Message:  "operation validation failed",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeOperationPublish, xerrors.Attributes{
		Message:   "failed to publish operation",
		Kind:      xerrors.KindInternal,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeOperationProcessing, xerrors.Attributes{
		Message:  "operation processing failed",
		Kind:     xerrors.KindOperation,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
