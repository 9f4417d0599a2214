package agent

import (
	"encoding/json"
	"math"
	"strings"
	"unicode"

	"MetaPilot/internal/decision"
)

// inputs 把任务顶层字段与 parameters 合并成一个视图，parameters 中的同名字段优先。
// 编排器下发的步骤把业务数据放在 parameters 中，直接调用时数据通常在顶层。
func inputs(data map[string]any) map[string]any {
	merged := make(map[string]any, len(data))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range decision.Map(data, "parameters") {
		merged[k] = v
	}
	return merged
}

// riskTolerance 读取风险偏好，缺省为 medium。
func riskTolerance(data map[string]any) string {
	in := inputs(data)
	if v := strings.ToLower(decision.String(in, "risk_tolerance")); v != "" {
		return v
	}
	if ctx := decision.Map(in, "context"); ctx != nil {
		if v := strings.ToLower(decision.String(ctx, "risk_tolerance")); v != "" {
			return v
		}
	}
	return "medium"
}

// keywordText 把任务展开为以空格分隔的小写词序列，前后带空格，便于整词匹配。
// 键名与字符串值都参与匹配，下划线和连字符视为分隔符。
func keywordText(data map[string]any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return " "
	}
	words := strings.FieldsFunc(strings.ToLower(string(raw)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ") + " "
}

// containsPhrase 判断整词短语是否出现，允许末尾复数 s。
func containsPhrase(text, phrase string) bool {
	return strings.Contains(text, " "+phrase+" ") || strings.Contains(text, " "+phrase+"s ")
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
