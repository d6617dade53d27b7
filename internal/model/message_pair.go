package model

import (
	"fmt"
	"time"
)

// PairStatus 是消息对的生命周期状态，只允许单调前移：
// sending → streaming → success 或 failed，永不回退。
type PairStatus string

const (
	StatusSending   PairStatus = "sending"
	StatusStreaming PairStatus = "streaming"
	StatusSuccess   PairStatus = "success"
	StatusFailed    PairStatus = "failed"
)

// statusRank 定义状态的单调序。
var statusRank = map[PairStatus]int{
	StatusSending:   0,
	StatusStreaming: 1,
	StatusSuccess:   2,
	StatusFailed:    2,
}

// CanTransitionTo 判断状态迁移是否合法（只允许前移，终态之间不互转）。
func (s PairStatus) CanTransitionTo(next PairStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if from == to {
		return s == next // 幂等写入允许同状态重放
	}
	return to > from
}

// MessagePair 是持久化的原子单元：一次问答交互的 user/assistant 两半，
// 共享同一个 message_pair_id，以该 ID 做幂等重放。
type MessagePair struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	MessagePairID    string          `gorm:"type:char(36);uniqueIndex;not null" json:"messagePairId"`
	ChatID           string          `gorm:"type:char(36);index;not null" json:"chatId"`
	UserContent      string          `gorm:"type:text;not null" json:"userContent"`
	UserRole         string          `gorm:"type:varchar(16);not null" json:"userRole"`
	AssistantContent string          `gorm:"type:text" json:"assistantContent"`
	AssistantRole    string          `gorm:"type:varchar(16);not null" json:"assistantRole"`
	Model            string          `gorm:"type:varchar(64)" json:"model"`
	DominationField  DominationField `gorm:"type:varchar(32);not null" json:"dominationField"`
	CustomPrompt     string          `gorm:"type:text" json:"customPrompt,omitempty"`
	Status           PairStatus      `gorm:"type:varchar(16);not null" json:"status"`
	ChatTopic        string          `gorm:"type:varchar(255)" json:"chatTopic,omitempty"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (MessagePair) TableName() string {
	return "message_pairs"
}

// Validate 检查消息对的角色不变量。
func (p *MessagePair) Validate() error {
	if p.MessagePairID == "" {
		return fmt.Errorf("message pair id is empty")
	}
	if p.UserRole != RoleUser && p.UserRole != RoleSystem {
		return fmt.Errorf("user role must be %q or %q, got %q", RoleUser, RoleSystem, p.UserRole)
	}
	if p.AssistantRole != RoleAssistant {
		return fmt.Errorf("assistant role must be %q, got %q", RoleAssistant, p.AssistantRole)
	}
	return nil
}

// CompletionResult 是一次 answer 调用的产物。
type CompletionResult struct {
	Content   string `json:"content"`
	ChatTopic string `json:"chatTopic,omitempty"`
}
