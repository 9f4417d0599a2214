// Package memory implements the per-agent experience store: records are
// embedded on write and recalled by cosine similarity.
package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	xerrors "MetaPilot/internal/errors"
	"MetaPilot/pkg/logger"
)

// DefaultSearchLimit 是 Search 未指定数量时返回的条数。
const DefaultSearchLimit = 5

// SearchResult 是一条带相似度的检索结果。
type SearchResult struct {
	Item
	Similarity float64 `json:"similarity"`
}

// Memory 是单个智能体独占的经验存储。
type Memory struct {
	namespace string
	backend   Backend
	embedder  Embedder
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option 定义 Memory 的可选配置。
type Option func(*Memory)

// WithBackend 指定持久化后端，默认使用进程内后端。
func WithBackend(backend Backend) Option {
	return func(m *Memory) {
		if backend != nil {
			m.backend = backend
		}
	}
}

// WithEmbedder 指定向量生成器，默认使用 128 维占位向量。
func WithEmbedder(embedder Embedder) Option {
	return func(m *Memory) {
		if embedder != nil {
			m.embedder = embedder
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(m *Memory) {
		if log != nil {
			m.logger = log
		}
	}
}

// New 为指定智能体创建经验存储。
func New(agentID string, opts ...Option) *Memory {
	m := &Memory{
		namespace: agentID,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.backend == nil {
		m.backend = NewLocalBackend()
	}
	if m.embedder == nil {
		m.embedder = NewHashEmbedder(DefaultDimension)
	}
	if m.logger == nil {
		m.logger = logger.Named("memory").With(slog.String("agent_id", agentID))
	}
	return m
}

// Store 序列化并向量化数据后保存，返回记录 ID。
// 保存的是数据的 JSON 规范形式（数字统一为 float64），与调用方的 map 不共享。
// 向量化失败时降级为返回空 ID，不视为错误；后端写入失败才返回 error。
func (m *Memory) Store(ctx context.Context, data map[string]any) (string, error) {
	normalized, err := normalize(data)
	if err != nil {
		return "", err
	}
	vector, err := m.embed(ctx, normalized)
	if err != nil {
		m.logger.Warn("向量化失败，跳过经验写入", slog.Any("error", err))
		return "", nil
	}
	item := Item{
		ID:        m.newID(),
		Data:      normalized,
		Embedding: vector,
		Timestamp: m.now().UTC(),
	}
	if err := m.backend.Put(ctx, m.namespace, item); err != nil {
		return "", err
	}
	return item.ID, nil
}

// Retrieve 读取记录的数据副本。
func (m *Memory) Retrieve(ctx context.Context, id string) (map[string]any, bool, error) {
	item, ok, err := m.backend.Get(ctx, m.namespace, id)
	if err != nil || !ok {
		return nil, false, err
	}
	return cloneData(item.Data), true, nil
}

// Update 替换已有记录的数据并重新向量化，记录不存在时返回 NOT_FOUND。
func (m *Memory) Update(ctx context.Context, id string, data map[string]any) error {
	item, ok, err := m.backend.Get(ctx, m.namespace, id)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "经验记录不存在", xerrors.WithMetadata("id", id))
	}
	normalized, err := normalize(data)
	if err != nil {
		return err
	}
	vector, err := m.embed(ctx, normalized)
	if err != nil {
		return err
	}
	item.Data = normalized
	item.Embedding = vector
	item.Timestamp = m.now().UTC()
	return m.backend.Put(ctx, m.namespace, item)
}

// Delete 删除记录，不存在时同样成功。
func (m *Memory) Delete(ctx context.Context, id string) error {
	return m.backend.Delete(ctx, m.namespace, id)
}

// ClearAll 清空该智能体的全部经验。
func (m *Memory) ClearAll(ctx context.Context) error {
	return m.backend.Clear(ctx, m.namespace)
}

// Search 以与写入相同的方式向量化查询文本，按余弦相似度降序返回前 limit 条。
func (m *Memory) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	vectors, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "查询向量化失败")
	}
	if len(vectors) != 1 {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "查询向量为空")
	}
	items, err := m.backend.All(ctx, m.namespace)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(items))
	for _, item := range items {
		results = append(results, SearchResult{Item: item, Similarity: CosineSimilarity(vectors[0], item.Embedding)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchSimilar 按数据的序列化文本检索，与 Store 的向量化方式一致。
func (m *Memory) SearchSimilar(ctx context.Context, data map[string]any, limit int) ([]SearchResult, error) {
	text, err := serialize(data)
	if err != nil {
		return nil, err
	}
	return m.Search(ctx, text, limit)
}

func (m *Memory) embed(ctx context.Context, data map[string]any) ([]float32, error) {
	text, err := serialize(data)
	if err != nil {
		return nil, err
	}
	vectors, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "向量化失败")
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "向量化结果为空")
	}
	return vectors[0], nil
}

// serialize 使用 encoding/json，map 键按字典序输出，保证同一数据得到同一文本。
func serialize(data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化经验数据失败")
	}
	return string(raw), nil
}

// normalize 返回数据经 JSON 编解码后的副本，本地与 Redis 后端因此读出相同的类型。
func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化经验数据失败")
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "规范化经验数据失败")
	}
	return out, nil
}
