package service

import (
	"context"
	"strings"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/model"
	"mind-chat-go/internal/prompt"
	"mind-chat-go/internal/repository"
	"mind-chat-go/internal/retrieval"
	"mind-chat-go/pkg/llm"
	"mind-chat-go/pkg/log"

	"github.com/google/uuid"
)

// AnswerRequest 是一次 answer 调用的全部入参。
type AnswerRequest struct {
	Message       string                 `json:"message"`
	History       []model.Turn           `json:"chatHistory"`
	Field         model.DominationField  `json:"dominationField"`
	ChatID        string                 `json:"chatId"`
	MessagePairID string                 `json:"messagePairId"`
	CustomPrompt  string                 `json:"customPrompt,omitempty"`
	Image         *model.ImageAttachment `json:"image,omitempty"`
	Model         string                 `json:"model,omitempty"`
}

// AnswerService 是驱动整条问答流水线的编排入口：
// 上下文检索 → 提示词构建 → 消息格式化 → 流式补全 → 结构化 → 持久化。
type AnswerService interface {
	// Answer 执行一轮问答。sink 在结果返回前被调用零次或多次，按到达顺序投递分块。
	// 当返回 PersistenceError 时，结果中的 Content 仍然有效（答案已生成但未能落库）。
	Answer(ctx context.Context, req AnswerRequest, sink llm.TokenSink) (model.CompletionResult, error)
}

type answerService struct {
	retriever    retrieval.Retriever
	llmClient    llm.Client
	pairRepo     repository.MessagePairRepository
	store        ExchangeStore
	defaultModel string
}

// NewAnswerService 创建一个新的 AnswerService 实例。
func NewAnswerService(retriever retrieval.Retriever, llmClient llm.Client, pairRepo repository.MessagePairRepository, store ExchangeStore, defaultModel string) AnswerService {
	return &answerService{
		retriever:    retriever,
		llmClient:    llmClient,
		pairRepo:     pairRepo,
		store:        store,
		defaultModel: defaultModel,
	}
}

// Answer 协调一轮完整的问答。每次调用对应一个消息对，
// 状态沿 sending → streaming → success/failed 单调前移。
func (s *answerService) Answer(ctx context.Context, req AnswerRequest, sink llm.TokenSink) (model.CompletionResult, error) {
	if err := validateRequest(&req); err != nil {
		return model.CompletionResult{}, err
	}
	modelName := req.Model
	if modelName == "" {
		modelName = s.defaultModel
	}

	// 判断是否会话首轮，用于话题派生；查询失败按非首轮处理
	isFirst := false
	if count, err := s.pairRepo.CountByChatID(ctx, req.ChatID); err == nil {
		isFirst = count == 0
	} else {
		log.Warnf("[AnswerService] 查询会话消息数失败, chatId: %s, err: %v", req.ChatID, err)
	}

	pair := &model.MessagePair{
		MessagePairID:   req.MessagePairID,
		ChatID:          req.ChatID,
		UserContent:     req.Message,
		UserRole:        model.RoleUser,
		AssistantRole:   model.RoleAssistant,
		Model:           modelName,
		DominationField: req.Field,
		CustomPrompt:    req.CustomPrompt,
		Status:          model.StatusSending,
	}
	// 网络调用前先落一条 sending 记录；失败不阻断流水线，终态写入才是持久性保证
	if err := s.pairRepo.Upsert(ctx, pair); err != nil {
		log.Warnf("[AnswerService] 写入 sending 状态失败, messagePairId: %s, err: %v", pair.MessagePairID, err)
	}

	// 1. 上下文检索：仅上下文相关领域触发，失败在检索器内部降级
	contextText := ""
	if !req.Field.IsContextFree() {
		contextText = s.retriever.Retrieve(ctx, req.Message, req.Field, req.History)
	}

	// 2. 构建提示词
	promptText, err := prompt.Build(req.Field, req.History, req.Message, contextText, req.CustomPrompt)
	if err != nil {
		s.markFailed(pair)
		return model.CompletionResult{}, err
	}

	// 3. 组装并校验消息序列，结构违规在任何网络调用前中止
	turns, err := FormatMessages(req.History, promptText, req.Field, req.Image)
	if err != nil {
		s.markFailed(pair)
		return model.CompletionResult{}, err
	}

	// 4. 流式补全。首个分块到达时把状态推进到 streaming。
	streamingMarked := false
	wrapped := func(chunk string) error {
		if !streamingMarked {
			streamingMarked = true
			pair.Status = model.StatusStreaming
			if uerr := s.pairRepo.Upsert(ctx, pair); uerr != nil {
				log.Warnf("[AnswerService] 写入 streaming 状态失败, messagePairId: %s, err: %v", pair.MessagePairID, uerr)
			}
		}
		return sink(chunk)
	}
	raw, err := s.llmClient.StreamCompletion(ctx, turns, modelName, wrapped)
	if err != nil {
		s.markFailed(pair)
		return model.CompletionResult{}, err
	}
	if strings.TrimSpace(raw) == "" {
		s.markFailed(pair)
		return model.CompletionResult{}, chaterr.Upstream(200, "model returned an empty completion")
	}

	// 5. 结构化回答并持久化终态。持久化失败时答案仍随结果返回。
	pair.AssistantContent = StructureResponse(raw)
	pair.Status = model.StatusSuccess
	topic, err := s.store.StoreExchange(context.Background(), pair, isFirst)
	if err != nil {
		return model.CompletionResult{Content: pair.AssistantContent}, err
	}

	return model.CompletionResult{Content: pair.AssistantContent, ChatTopic: topic}, nil
}

// markFailed 尽力把消息对推进到 failed 终态。
// 使用后台上下文：即使请求已被取消，失败记录也应当落库。
func (s *answerService) markFailed(pair *model.MessagePair) {
	pair.Status = model.StatusFailed
	if err := s.pairRepo.Upsert(context.Background(), pair); err != nil {
		log.Errorf("[AnswerService] 写入 failed 状态失败, messagePairId: %s, err: %v", pair.MessagePairID, err)
	}
}

// validateRequest 校验必填入参，并为缺省的 messagePairId 生成新 ID。
func validateRequest(req *AnswerRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return chaterr.Validation("message", "must not be empty")
	}
	if strings.TrimSpace(req.ChatID) == "" {
		return chaterr.Validation("chatId", "must not be empty")
	}
	if !req.Field.Valid() {
		return chaterr.Validation("dominationField", "unknown value")
	}
	if strings.TrimSpace(req.MessagePairID) == "" {
		req.MessagePairID = uuid.NewString()
	}
	return nil
}
