package service

import (
	"context"
	"time"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/model"
	"mind-chat-go/internal/repository"
	"mind-chat-go/pkg/kafka"
	"mind-chat-go/pkg/log"
)

// ExchangeStore 是持久化网关：把完成的问答交互写成一条消息对记录。
type ExchangeStore interface {
	// StoreExchange 以 message_pair_id 为键原子地写入消息对。
	// isFirstExchange 为真时从助手回答派生会话话题并随记录写入。
	// 写入失败返回 PersistenceError，与生成失败可区分。
	StoreExchange(ctx context.Context, pair *model.MessagePair, isFirstExchange bool) (string, error)
}

type exchangeStore struct {
	pairRepo     repository.MessagePairRepository
	historyRepo  repository.HistoryRepository
	publishEvent bool
}

// NewExchangeStore 创建一个新的 ExchangeStore 实例。
// publishEvent 控制持久化成功后是否向 Kafka 发布交互完成事件。
func NewExchangeStore(pairRepo repository.MessagePairRepository, historyRepo repository.HistoryRepository, publishEvent bool) ExchangeStore {
	return &exchangeStore{
		pairRepo:     pairRepo,
		historyRepo:  historyRepo,
		publishEvent: publishEvent,
	}
}

// StoreExchange 写入最终消息对。历史缓存与事件发布是尽力而为的副作用，
// 失败只记日志，不影响持久化结果。
func (s *exchangeStore) StoreExchange(ctx context.Context, pair *model.MessagePair, isFirstExchange bool) (string, error) {
	if isFirstExchange {
		pair.ChatTopic = DeriveChatTopic(pair.AssistantContent)
	}

	if err := s.pairRepo.Upsert(ctx, pair); err != nil {
		return "", chaterr.Persistence(err)
	}

	if pair.Status == model.StatusSuccess {
		if err := s.historyRepo.AppendExchange(ctx, pair.ChatID, pair.UserContent, pair.AssistantContent); err != nil {
			log.Errorf("[ExchangeStore] 更新会话历史缓存失败, chatId: %s, err: %v", pair.ChatID, err)
		}
		if s.publishEvent {
			event := kafka.ExchangeEvent{
				MessagePairID:   pair.MessagePairID,
				ChatID:          pair.ChatID,
				DominationField: pair.DominationField,
				Model:           pair.Model,
				ChatTopic:       pair.ChatTopic,
				CompletedAt:     time.Now(),
			}
			if err := kafka.ProduceExchangeEvent(ctx, event); err != nil {
				log.Errorf("[ExchangeStore] 发布交互完成事件失败, messagePairId: %s, err: %v", pair.MessagePairID, err)
			}
		}
	}

	return pair.ChatTopic, nil
}
