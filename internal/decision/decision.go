// Package decision holds the value types exchanged between agents, the
// learner and the experience memory.
package decision

import "strings"

// Decision 是 Analyze 的输出，创建后不再修改。
type Decision struct {
	Action         string         `json:"action"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Confidence     float64        `json:"confidence"`
	ExpectedReturn *float64       `json:"expected_return,omitempty"`
	Reasoning      string         `json:"reasoning"`
}

// New 创建决策并把置信度限制在 [0,1]。
func New(action string, params map[string]any, confidence float64, reasoning string) Decision {
	if params == nil {
		params = map[string]any{}
	}
	return Decision{
		Action:     action,
		Parameters: params,
		Confidence: clamp01(confidence),
		Reasoning:  reasoning,
	}
}

// WithExpectedReturn 返回带预期收益的副本。
func (d Decision) WithExpectedReturn(value float64) Decision {
	d.ExpectedReturn = &value
	return d
}

// Param 读取参数，不存在时返回 nil。
func (d Decision) Param(key string) any {
	if d.Parameters == nil {
		return nil
	}
	return d.Parameters[key]
}

// Fallback 构造内部异常时使用的低置信度决策。
func Fallback(action string, cause error) Decision {
	reason := "analysis unavailable"
	if cause != nil {
		reason = "analysis failed: " + cause.Error()
	}
	return New(action, map[string]any{"error": reason}, 0.1, reason)
}

// ExecutionResult 是 Execute 的输出，Error 只在失败时填写。
type ExecutionResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Succeeded 构造成功结果。
func Succeeded(output map[string]any) ExecutionResult {
	if output == nil {
		output = map[string]any{}
	}
	return ExecutionResult{Success: true, Output: output}
}

// Failed 构造失败结果，空消息会被替换为通用描述。
func Failed(message string, output map[string]any) ExecutionResult {
	if strings.TrimSpace(message) == "" {
		message = "execution failed"
	}
	return ExecutionResult{Success: false, Output: output, Error: message}
}

// Number 从开放 map 中读取数值，兼容 JSON 解码出的各类数字。
func Number(values map[string]any, key string) (float64, bool) {
	if values == nil {
		return 0, false
	}
	switch v := values[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// NumberOr 读取数值，缺失时使用默认值。
func NumberOr(values map[string]any, key string, fallback float64) float64 {
	if v, ok := Number(values, key); ok {
		return v
	}
	return fallback
}

// String 读取字符串参数。
func String(values map[string]any, key string) string {
	if values == nil {
		return ""
	}
	if s, ok := values[key].(string); ok {
		return s
	}
	return ""
}

// Map 读取嵌套对象。
func Map(values map[string]any, key string) map[string]any {
	if values == nil {
		return nil
	}
	if m, ok := values[key].(map[string]any); ok {
		return m
	}
	return nil
}

// Maps 读取对象数组，忽略非对象元素。
func Maps(values map[string]any, key string) []map[string]any {
	if values == nil {
		return nil
	}
	switch list := values[key].(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
