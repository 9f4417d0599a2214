package memory

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	xerrors "MetaPilot/internal/errors"
)

// DefaultDimension 是占位向量的默认维度。
const DefaultDimension = 128

// Embedder 把文本转换为定长向量，同一集合内维度保持不变。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// HashEmbedder 用文本的 MD5 摘要生成确定性向量，仅保留接口语义，不具备语义相似性。
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder 创建占位向量生成器。
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{dim: dim}
}

// Dimension 返回向量维度。
func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed 对每条文本计算 MD5，16 个字节各除以 255 后循环填满维度。
func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := md5.Sum([]byte(text))
		vec := make([]float32, h.dim)
		for j := range vec {
			vec[j] = float32(sum[j%len(sum)]) / 255
		}
		out[i] = vec
	}
	return out, nil
}

// OpenAIEmbedderConfig 描述 OpenAI 兼容的向量接口。
type OpenAIEmbedderConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	Dimension     int
	RatePerSecond float64
	Burst         int
}

// OpenAIEmbedder 通过 OpenAI 兼容接口生成向量。
type OpenAIEmbedder struct {
	client  *openai.Client
	model   string
	dim     int
	limiter *rate.Limiter
}

// NewOpenAIEmbedder 创建远程向量生成器。
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "embedding api key 不能为空")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	embedder := &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		dim:    cfg.Dimension,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		embedder.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return embedder, nil
}

// Dimension 返回配置的维度，未配置时为 0。
func (o *OpenAIEmbedder) Dimension() int { return o.dim }

// Embed 调用远程接口，失败统一包装为 PROVIDER_FAILURE。
func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "embedding 限流等待失败")
		}
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "调用 embedding 接口失败")
	}
	if len(resp.Data) != len(texts) {
		return nil, xerrors.New(xerrors.CodeProviderFailure,
			fmt.Sprintf("embedding 数量不匹配: got %d want %d", len(resp.Data), len(texts)))
	}
	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, item := range data {
		if o.dim > 0 && len(item.Embedding) != o.dim {
			return nil, xerrors.New(xerrors.CodeProviderFailure,
				fmt.Sprintf("embedding 维度不一致: got %d want %d", len(item.Embedding), o.dim))
		}
		out[i] = item.Embedding
	}
	return out, nil
}

var (
	_ Embedder = (*HashEmbedder)(nil)
	_ Embedder = (*OpenAIEmbedder)(nil)
)
