package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ChainLoop/internal/llm"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(request string, intents []string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 通过加载 JSON 或 YAML 文件提供静态知识检索能力。
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

// LoadStaticProvider 从文件加载知识条目，.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(absPath)) {
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

// Query 按关键词与意图标签匹配，命中越多越靠前；没有关键词的条目总是返回。
func (p *StaticProvider) Query(request string, intents []string) []Snippet {
	if p == nil {
		return nil
	}

	request = strings.ToLower(strings.TrimSpace(request))
	type hit struct {
		idx   int
		score int
	}
	var hits []hit
	for i, item := range p.items {
		if score := matches(item, request, intents); score > 0 {
			hits = append(hits, hit{idx: i, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	results := make([]Snippet, 0, p.maxResults)
	for _, h := range hits {
		results = append(results, p.items[h.idx])
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func matches(snippet Snippet, request string, intents []string) int {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return 1
	}
	score := 0
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(request, normalized) {
			score += 2
		}
	}
	for _, tag := range snippet.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		for _, intent := range intents {
			if strings.EqualFold(intent, normalized) {
				score++
			}
		}
	}
	return score
}

// Cards 将知识片段转换为提示词中的知识卡片。
func Cards(snippets []Snippet) []llm.KnowledgeCard {
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, s := range snippets {
		if strings.TrimSpace(s.Title) == "" && strings.TrimSpace(s.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{Title: s.Title, Content: s.Content})
	}
	return cards
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
