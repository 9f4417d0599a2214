package llm

import (
	"context"
	"log/slog"
	"strings"
)

// NoInsight 是大模型不可用时的降级文本。
const NoInsight = "no insight"

// Request 描述一次补全调用。
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Response 是大模型返回的文本。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Insight 调用大模型生成洞察，任何失败都降级为 NoInsight，不向上传播。
func Insight(ctx context.Context, client Client, req Request, log *slog.Logger) string {
	if client == nil {
		return NoInsight
	}
	resp, err := client.Generate(ctx, req)
	if err != nil {
		if log != nil {
			log.Warn("大模型调用失败，使用降级结果", slog.Any("error", err))
		}
		return NoInsight
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return NoInsight
	}
	return strings.TrimSpace(resp.Text)
}
