package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(topic, detail string) []Snippet
}

// Snippet 描述操作总结时可引用的一段知识。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 基于内存条目做关键字匹配。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &entries)
	default:
		err = json.Unmarshal(content, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 按主题（通常是操作类型）和补充文本匹配条目。
func (p *StaticProvider) Query(topic, detail string) []Snippet {
	if p == nil {
		return nil
	}

	topic = normalize(topic)
	detail = normalize(detail)

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, topic, detail) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

// matches 先看关键字再看标签；两者都为空的条目视为通用知识。
func matches(snippet Snippet, topic, detail string) bool {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return true
	}
	for _, word := range append(append([]string{}, snippet.Keywords...), snippet.Tags...) {
		w := normalize(word)
		if w == "" {
			continue
		}
		if strings.Contains(topic, w) || strings.Contains(detail, w) {
			return true
		}
	}
	return false
}

// normalize 统一大小写，并把下划线视为空格，使 yield_farming 能命中 "yield farming"。
func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", " ")
}

var _ Provider = (*StaticProvider)(nil)
