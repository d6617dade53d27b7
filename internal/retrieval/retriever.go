// Package retrieval 实现了按领域过滤的混合检索（BM25 + kNN），为问答流水线提供上下文。
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"mind-chat-go/internal/model"
	"mind-chat-go/pkg/embedding"
	"mind-chat-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

// FallbackContext 是检索失败时的兜底文本，保证流水线不因检索故障中断。
const FallbackContext = "context unavailable, answer from general knowledge"

// passageDelimiter 分隔拼接后的各段落。
const passageDelimiter = "\n---\n"

// Retriever 定义了上下文检索操作。
// Retrieve 从不返回错误：检索后端的任何故障都在内部降级为兜底文本。
type Retriever interface {
	Retrieve(ctx context.Context, query string, field model.DominationField, history []model.Turn) string
}

type esRetriever struct {
	embeddingClient embedding.Client
	esClient        *elasticsearch.Client
	index           string
	topK            int
}

// NewRetriever 创建一个新的 Retriever 实例。
func NewRetriever(embeddingClient embedding.Client, esClient *elasticsearch.Client, index string, topK int) Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &esRetriever{
		embeddingClient: embeddingClient,
		esClient:        esClient,
		index:           index,
		topK:            topK,
	}
}

// Retrieve 对领域内的段落执行混合检索，并拼入历史消息中已附带的文档文本。
// 检索失败（超时、查询非法、后端错误）不向上传播，降级为 FallbackContext。
func (r *esRetriever) Retrieve(ctx context.Context, query string, field model.DominationField, history []model.Turn) string {
	if field.IsContextFree() {
		return ""
	}

	var sections []string

	hits, err := r.hybridSearch(ctx, query, field)
	if err != nil {
		log.Errorf("[Retriever] 混合检索失败, 降级为兜底上下文, field: %s, err: %v", field, err)
		return FallbackContext
	}
	for i, hit := range hits {
		label := hit.Passage.Title
		if label == "" {
			label = hit.Passage.PassageID
		}
		sections = append(sections, fmt.Sprintf("[%d] (%s) %s", i+1, label, hit.Passage.TextContent))
	}

	// 历史消息里随问题附带过的文档文本一并并入上下文
	if attached := attachedDocumentText(history); attached != "" {
		sections = append(sections, attached)
	}

	if len(sections) == 0 {
		return FallbackContext
	}
	return strings.Join(sections, passageDelimiter)
}

// hybridSearch 执行两阶段混合搜索：kNN 召回 + BM25 匹配，rescore 重排，
// 并用 term 过滤将结果限定在请求的领域内。
func (r *esRetriever) hybridSearch(ctx context.Context, query string, field model.DominationField) ([]model.PassageHit, error) {
	queryVector, err := r.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	recallK := r.topK * 30
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   queryVector,
			"k":              recallK,
			"num_candidates": recallK,
			"filter": map[string]interface{}{
				"term": map[string]interface{}{"domain": string(field)},
			},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"text_content": query,
					},
				},
				"filter": map[string]interface{}{
					"term": map[string]interface{}{"domain": string(field)},
				},
			},
		},
		"rescore": map[string]interface{}{
			"window_size": recallK,
			"query": map[string]interface{}{
				"rescore_query": map[string]interface{}{
					"match": map[string]interface{}{
						"text_content": map[string]interface{}{
							"query":    query,
							"operator": "and",
						},
					},
				},
				"query_weight":         0.2, // 保留部分 k-NN 分数
				"rescore_query_weight": 1.0, // BM25 分数权重
			},
		},
		"size": r.topK,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := r.esClient.Search(
		r.esClient.Search.WithContext(ctx),
		r.esClient.Search.WithIndex(r.index),
		r.esClient.Search.WithBody(&buf),
		r.esClient.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch returned an error: %s, body: %s", res.Status(), string(bodyBytes))
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.Passage `json:"_source"`
				Score  float64       `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]model.PassageHit, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		hits = append(hits, model.PassageHit{Passage: hit.Source, Score: hit.Score})
	}
	log.Infof("[Retriever] 混合检索命中 %d 条段落, field: %s", len(hits), field)
	return hits, nil
}

// attachedDocumentText 收集历史 user 消息中首个分段之外的文本分段。
// 这些分段是之前的轮次里随提问附带的文档摘录。
func attachedDocumentText(history []model.Turn) string {
	var docs []string
	for _, turn := range history {
		if turn.Role != model.RoleUser || len(turn.Parts) < 2 {
			continue
		}
		for _, part := range turn.Parts[1:] {
			if part.Type == model.PartTypeText && strings.TrimSpace(part.Text) != "" {
				docs = append(docs, part.Text)
			}
		}
	}
	return strings.Join(docs, passageDelimiter)
}
