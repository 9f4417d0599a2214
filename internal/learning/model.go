package learning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	xerrors "MetaPilot/internal/errors"
)

// CodeModelMismatch 表示模型文件属于其他智能体。
const CodeModelMismatch xerrors.Code = "MODEL_MISMATCH"

func init() {
	xerrors.Register(CodeModelMismatch, xerrors.Attributes{
		Message:  "model belongs to another agent",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityWarning,
	})
}

// Model 是 Q 表的持久化格式。
type Model struct {
	AgentID        string                        `json:"agent_id"`
	LearningRate   *float64                      `json:"learning_rate,omitempty"`
	DiscountFactor *float64                      `json:"discount_factor,omitempty"`
	QTable         map[string]map[string]float64 `json:"q_table"`
	Timestamp      float64                       `json:"timestamp"`
}

// Snapshot 返回当前模型的深拷贝。
func (l *Learner) Snapshot() Model {
	l.mu.Lock()
	defer l.mu.Unlock()
	table := make(map[string]map[string]float64, len(l.qTable))
	for state, row := range l.qTable {
		copied := make(map[string]float64, len(row))
		for action, v := range row {
			copied[action] = v
		}
		table[state] = copied
	}
	alpha, gamma := l.learningRate, l.discountFactor
	return Model{
		AgentID:        l.agentID,
		LearningRate:   &alpha,
		DiscountFactor: &gamma,
		QTable:         table,
		Timestamp:      float64(l.now().UnixNano()) / 1e9,
	}
}

// Restore 用模型替换 Q 表。agent_id 不匹配时失败，原表保持不变。
func (l *Learner) Restore(model Model) error {
	if model.AgentID != l.agentID {
		return xerrors.New(CodeModelMismatch,
			fmt.Sprintf("模型属于 %s，当前智能体为 %s", model.AgentID, l.agentID),
			xerrors.WithMetadata("model_agent_id", model.AgentID))
	}
	table := model.QTable
	if table == nil {
		table = make(map[string]map[string]float64)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.qTable = table
	if model.LearningRate != nil && *model.LearningRate > 0 {
		l.learningRate = *model.LearningRate
	}
	if model.DiscountFactor != nil && *model.DiscountFactor >= 0 && *model.DiscountFactor <= 1 {
		l.discountFactor = *model.DiscountFactor
	}
	return nil
}

// SaveModel 把 Q 表写入 JSON 文件。先写临时文件再改名。
func (l *Learner) SaveModel(path string) error {
	if strings.TrimSpace(path) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模型路径不能为空")
	}
	payload, err := json.Marshal(l.Snapshot())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码模型失败")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建模型目录失败")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入模型失败")
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存模型失败")
	}
	l.logger.Info("模型已保存", slog.String("path", path))
	return nil
}

// LoadModel 从 JSON 文件恢复 Q 表。
func (l *Learner) LoadModel(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNotFound, err, "读取模型失败")
	}
	var model Model
	if err := json.Unmarshal(content, &model); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析模型失败")
	}
	if err := l.Restore(model); err != nil {
		l.logger.Warn("模型与智能体不匹配", slog.String("path", path), slog.String("model_agent_id", model.AgentID))
		return err
	}
	l.logger.Info("模型已加载", slog.String("path", path), slog.Int("states", len(model.QTable)))
	return nil
}

// ModelPath 返回智能体在模型目录中的文件路径。
func ModelPath(dir, agentID string) string {
	return filepath.Join(dir, agentID+".json")
}
