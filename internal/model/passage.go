package model

import "time"

// Passage 定义了存储在 Elasticsearch 中的知识段落结构。
type Passage struct {
	PassageID   string    `json:"passage_id"` // 唯一标识
	Domain      string    `json:"domain"`     // 所属领域，对应 DominationField
	Title       string    `json:"title"`
	TextContent string    `json:"text_content"`
	Vector      []float32 `json:"vector"` // 文本内容的向量表示
}

// PassageHit 是一条检索命中的段落及其得分。
type PassageHit struct {
	Passage Passage `json:"passage"`
	Score   float64 `json:"score"`
}

// StoredTurn 代表缓存在 Redis 中的单条会话消息。
type StoredTurn struct {
	Role      string    `json:"role"` // "user" 或 "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
