package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mind-chat-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// historyTTL 是会话历史缓存的保留时长。
const historyTTL = 7 * 24 * time.Hour

// HistoryRepository 定义了会话历史缓存的操作接口。
type HistoryRepository interface {
	GetHistory(ctx context.Context, chatID string) ([]model.StoredTurn, error)
	AppendExchange(ctx context.Context, chatID, question, answer string) error
}

type redisHistoryRepository struct {
	redisClient *redis.Client
	limit       int
}

// NewHistoryRepository 创建一个新的 HistoryRepository 实例。
// limit 控制每个会话保留的最近消息条数。
func NewHistoryRepository(redisClient *redis.Client, limit int) HistoryRepository {
	if limit <= 0 {
		limit = 20
	}
	return &redisHistoryRepository{redisClient: redisClient, limit: limit}
}

func historyKey(chatID string) string {
	return fmt.Sprintf("chat:%s:history", chatID)
}

// GetHistory 从 Redis 获取会话的消息历史。
func (r *redisHistoryRepository) GetHistory(ctx context.Context, chatID string) ([]model.StoredTurn, error) {
	jsonData, err := r.redisClient.Get(ctx, historyKey(chatID)).Result()
	if err == redis.Nil {
		return []model.StoredTurn{}, nil // 尚无历史
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat history: %w", err)
	}
	var turns []model.StoredTurn
	if err := json.Unmarshal([]byte(jsonData), &turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat history: %w", err)
	}
	return turns, nil
}

// AppendExchange 将一轮问答追加到会话历史，超出上限的旧消息被截断。
func (r *redisHistoryRepository) AppendExchange(ctx context.Context, chatID, question, answer string) error {
	turns, err := r.GetHistory(ctx, chatID)
	if err != nil {
		return err
	}

	now := time.Now()
	turns = append(turns,
		model.StoredTurn{Role: model.RoleUser, Content: question, Timestamp: now},
		model.StoredTurn{Role: model.RoleAssistant, Content: answer, Timestamp: now},
	)
	if len(turns) > r.limit {
		turns = turns[len(turns)-r.limit:]
	}

	jsonData, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal chat history: %w", err)
	}
	if err := r.redisClient.Set(ctx, historyKey(chatID), jsonData, historyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set chat history: %w", err)
	}
	return nil
}
