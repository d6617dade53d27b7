// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"

	"mind-chat-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessagePairRepository 定义了消息对的持久化操作。
// Upsert 以 message_pair_id 为冲突键，同一 ID 的重复写入是幂等的，不会产生第二条记录；
// 状态只能沿 sending → streaming → success/failed 单调前移，回退写入被跳过。
type MessagePairRepository interface {
	Upsert(ctx context.Context, pair *model.MessagePair) error
	FindByPairID(ctx context.Context, messagePairID string) (*model.MessagePair, error)
	ListByChatID(ctx context.Context, chatID string, limit int) ([]model.MessagePair, error)
	CountByChatID(ctx context.Context, chatID string) (int64, error)
}

type gormMessagePairRepository struct {
	db *gorm.DB
}

// NewMessagePairRepository 创建一个新的 MessagePairRepository 实例。
func NewMessagePairRepository(db *gorm.DB) MessagePairRepository {
	return &gormMessagePairRepository{db: db}
}

// Upsert 原子地写入完整的消息对。冲突时覆盖内容、状态与话题字段。
// 写入前对照已有记录做重放守护：同一 message_pair_id 的重复投递不得把
// 终态记录拉回更早的状态，也不得用空话题覆盖已派生的话题。
func (r *gormMessagePairRepository) Upsert(ctx context.Context, pair *model.MessagePair) error {
	if err := pair.Validate(); err != nil {
		return fmt.Errorf("invalid message pair: %w", err)
	}

	existing, err := r.FindByPairID(ctx, pair.MessagePairID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to load existing message pair: %w", err)
	}

	record := *pair
	if skip := reconcileReplay(existing, &record); skip {
		return nil
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "message_pair_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_content", "assistant_content", "model",
			"custom_prompt", "status", "chat_topic", "updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to upsert message pair: %w", err)
	}
	return nil
}

// reconcileReplay 对照已有记录调和一次写入。
// 状态回退（含终态互转）的写入整条跳过，返回 true；
// 合法写入携带空话题时继承已有话题，避免重放清掉首轮派生的结果。
func reconcileReplay(existing *model.MessagePair, record *model.MessagePair) bool {
	if existing == nil {
		return false
	}
	if !existing.Status.CanTransitionTo(record.Status) {
		return true
	}
	if record.ChatTopic == "" {
		record.ChatTopic = existing.ChatTopic
	}
	return false
}

// FindByPairID 按 message_pair_id 查询一条消息对。
func (r *gormMessagePairRepository) FindByPairID(ctx context.Context, messagePairID string) (*model.MessagePair, error) {
	var pair model.MessagePair
	err := r.db.WithContext(ctx).Where("message_pair_id = ?", messagePairID).First(&pair).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find message pair: %w", err)
	}
	return &pair, nil
}

// ListByChatID 按时间顺序返回一个会话最近的消息对。
func (r *gormMessagePairRepository) ListByChatID(ctx context.Context, chatID string, limit int) ([]model.MessagePair, error) {
	var pairs []model.MessagePair
	q := r.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("failed to list message pairs: %w", err)
	}
	return pairs, nil
}

// CountByChatID 返回会话中已有的消息对数量，用于判断是否首轮交互。
func (r *gormMessagePairRepository) CountByChatID(ctx context.Context, chatID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.MessagePair{}).Where("chat_id = ?", chatID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count message pairs: %w", err)
	}
	return count, nil
}
