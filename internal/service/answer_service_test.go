package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/model"
	"mind-chat-go/pkg/llm"

	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeRetriever struct {
	calls  int
	result string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ model.DominationField, _ []model.Turn) string {
	f.calls++
	return f.result
}

type fakeLLM struct {
	chunks []string
	err    error
	calls  int
	turns  []model.Turn
}

func (f *fakeLLM) StreamCompletion(_ context.Context, turns []model.Turn, _ string, sink llm.TokenSink) (string, error) {
	f.calls++
	f.turns = turns
	if f.err != nil {
		return "", f.err
	}
	var b strings.Builder
	for _, ch := range f.chunks {
		if err := sink(ch); err != nil {
			return "", err
		}
		b.WriteString(ch)
	}
	return b.String(), nil
}

// fakePairRepo 记录每次 Upsert 的状态序列，并按 messagePairId 幂等存储。
type fakePairRepo struct {
	statuses   []model.PairStatus
	pairs      map[string]model.MessagePair
	count      int64
	countErr   error
	failStatus model.PairStatus // 写入该状态时返回错误，零值表示从不失败
}

func newFakePairRepo() *fakePairRepo {
	return &fakePairRepo{pairs: map[string]model.MessagePair{}}
}

func (f *fakePairRepo) Upsert(_ context.Context, pair *model.MessagePair) error {
	if f.failStatus != "" && pair.Status == f.failStatus {
		return errors.New("mysql gone away")
	}
	record := *pair
	// 与真实仓储的重放守护一致：状态不回退，空话题继承已有话题
	if existing, ok := f.pairs[record.MessagePairID]; ok {
		if !existing.Status.CanTransitionTo(record.Status) {
			return nil
		}
		if record.ChatTopic == "" {
			record.ChatTopic = existing.ChatTopic
		}
	}
	f.statuses = append(f.statuses, record.Status)
	f.pairs[record.MessagePairID] = record
	return nil
}

func (f *fakePairRepo) FindByPairID(_ context.Context, id string) (*model.MessagePair, error) {
	p, ok := f.pairs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &p, nil
}

func (f *fakePairRepo) ListByChatID(_ context.Context, _ string, _ int) ([]model.MessagePair, error) {
	return nil, nil
}

func (f *fakePairRepo) CountByChatID(_ context.Context, _ string) (int64, error) {
	return f.count, f.countErr
}

type fakeHistoryRepo struct {
	appended [][2]string
}

func (f *fakeHistoryRepo) GetHistory(_ context.Context, _ string) ([]model.StoredTurn, error) {
	return nil, nil
}

func (f *fakeHistoryRepo) AppendExchange(_ context.Context, _ string, question, answer string) error {
	f.appended = append(f.appended, [2]string{question, answer})
	return nil
}

func newTestService(retriever *fakeRetriever, llmClient *fakeLLM, repo *fakePairRepo, history *fakeHistoryRepo) AnswerService {
	store := NewExchangeStore(repo, history, false)
	return NewAnswerService(retriever, llmClient, repo, store, "deepseek-chat")
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestAnswerValidation(t *testing.T) {
	svc := newTestService(&fakeRetriever{}, &fakeLLM{}, newFakePairRepo(), &fakeHistoryRepo{})

	cases := []AnswerRequest{
		{Message: "", ChatID: "c1", Field: model.FieldNormalChat},
		{Message: "   ", ChatID: "c1", Field: model.FieldNormalChat},
		{Message: "hi", ChatID: "", Field: model.FieldNormalChat},
		{Message: "hi", ChatID: "c1", Field: model.DominationField("poetry")},
	}
	for _, req := range cases {
		_, err := svc.Answer(context.Background(), req, func(string) error { return nil })
		require.Error(t, err)
		require.Equal(t, chaterr.CategoryValidation, chaterr.CategoryOf(err))
	}
}

func TestAnswerContextFreeSkipsRetriever(t *testing.T) {
	retriever := &fakeRetriever{result: "should not be used"}
	svc := newTestService(retriever, &fakeLLM{chunks: []string{"普通回答"}}, newFakePairRepo(), &fakeHistoryRepo{})

	_, err := svc.Answer(context.Background(), AnswerRequest{
		Message: "你好", ChatID: "c1", Field: model.FieldNormalChat,
	}, func(string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 0, retriever.calls)
}

func TestAnswerContextBearingInvokesRetriever(t *testing.T) {
	retriever := &fakeRetriever{result: "[1] (资料) 光合作用……"}
	llmClient := &fakeLLM{chunks: []string{"答案"}}
	svc := newTestService(retriever, llmClient, newFakePairRepo(), &fakeHistoryRepo{})

	_, err := svc.Answer(context.Background(), AnswerRequest{
		Message: "什么是光合作用", ChatID: "c1", Field: model.FieldScience,
	}, func(string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, retriever.calls)

	// 检索到的上下文进入了发往模型的提示词
	require.NotEmpty(t, llmClient.turns)
	joined := ""
	for _, turn := range llmClient.turns {
		joined += turn.PlainText()
	}
	require.Contains(t, joined, "[1] (资料) 光合作用……")
}

func TestAnswerSuccessFlow(t *testing.T) {
	repo := newFakePairRepo()
	history := &fakeHistoryRepo{}
	svc := newTestService(&fakeRetriever{}, &fakeLLM{chunks: []string{"A", "\n\n", "B", "\n\n", "C"}}, repo, history)

	var received []string
	result, err := svc.Answer(context.Background(), AnswerRequest{
		Message: "问题", ChatID: "c1", MessagePairID: "mp-1", Field: model.FieldNormalChat,
	}, func(chunk string) error {
		received = append(received, chunk)
		return nil
	})
	require.NoError(t, err)

	// 分块按到达顺序投递，最终内容经过结构化
	require.Equal(t, []string{"A", "\n\n", "B", "\n\n", "C"}, received)
	require.Equal(t, "A\n• B\nC", result.Content)

	// 状态单调前移并落库
	require.Equal(t, []model.PairStatus{model.StatusSending, model.StatusStreaming, model.StatusSuccess}, repo.statuses)
	stored := repo.pairs["mp-1"]
	require.Equal(t, model.StatusSuccess, stored.Status)
	require.Equal(t, "A\n• B\nC", stored.AssistantContent)

	// 会话历史缓存追加了本轮交互
	require.Len(t, history.appended, 1)
	require.Equal(t, "问题", history.appended[0][0])
}

func TestAnswerFirstExchangeDerivesTopic(t *testing.T) {
	repo := newFakePairRepo() // count == 0，首轮
	svc := newTestService(&fakeRetriever{}, &fakeLLM{chunks: []string{"Hello. World"}}, repo, &fakeHistoryRepo{})

	result, err := svc.Answer(context.Background(), AnswerRequest{
		Message: "hi", ChatID: "c1", MessagePairID: "mp-1", Field: model.FieldNormalChat,
	}, func(string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, "Hello.", result.ChatTopic)
	require.Equal(t, "Hello.", repo.pairs["mp-1"].ChatTopic)
}

func TestAnswerLaterExchangeHasNoTopic(t *testing.T) {
	repo := newFakePairRepo()
	repo.count = 3
	svc := newTestService(&fakeRetriever{}, &fakeLLM{chunks: []string{"Hello. World"}}, repo, &fakeHistoryRepo{})

	result, err := svc.Answer(context.Background(), AnswerRequest{
		Message: "hi", ChatID: "c1", MessagePairID: "mp-2", Field: model.FieldNormalChat,
	}, func(string) error { return nil })
	require.NoError(t, err)
	require.Empty(t, result.ChatTopic)
}

func TestAnswerGeneratesMessagePairID(t *testing.T) {
	repo := newFakePairRepo()
	svc := newTestService(&fakeRetriever{}, &fakeLLM{chunks: []string{"ok"}}, repo, &fakeHistoryRepo{})

	_, err := svc.Answer(context.Background(), AnswerRequest{
		Message: "hi", ChatID: "c1", Field: model.FieldNormalChat,
	}, func(string) error { return nil })
	require.NoError(t, err)
	for id := range repo.pairs {
		require.NotEmpty(t, id)
	}
	require.Len(t, repo.pairs, 1)
}

func TestAnswerStreamFailureMarksFailed(t *testing.T) {
	repo := newFakePairRepo()
	llmClient := &fakeLLM{err: chaterr.Connection(errors.New("dial tcp: refused"))}
	svc := newTestService(&fakeRetriever{}, llmClient, repo, &fakeHistoryRepo{})

	_, err := svc.Answer(context.Background(), AnswerRequest{
		Message: "hi", ChatID: "c1", MessagePairID: "mp-1", Field: model.FieldNormalChat,
	}, func(string) error { return nil })
	require.Error(t, err)
	require.Equal(t, chaterr.CategoryConnection, chaterr.CategoryOf(err))
	require.Equal(t, model.StatusFailed, repo.pairs["mp-1"].Status)
}

func TestAnswerEmptyCompletionRejected(t *testing.T) {
	repo := newFakePairRepo()
	svc := newTestService(&fakeRetriever{}, &fakeLLM{chunks: []string{"  ", "\n"}}, repo, &fakeHistoryRepo{})

	_, err := svc.Answer(context.Background(), AnswerRequest{
		Message: "hi", ChatID: "c1", MessagePairID: "mp-1", Field: model.FieldNormalChat,
	}, func(string) error { return nil })
	require.Error(t, err)
	require.Equal(t, chaterr.CategoryUpstream, chaterr.CategoryOf(err))
}

func TestAnswerPersistenceFailureStillReturnsContent(t *testing.T) {
	repo := newFakePairRepo()
	repo.failStatus = model.StatusSuccess // 仅终态写入失败
	svc := newTestService(&fakeRetriever{}, &fakeLLM{chunks: []string{"生成的答案"}}, repo, &fakeHistoryRepo{})

	result, err := svc.Answer(context.Background(), AnswerRequest{
		Message: "hi", ChatID: "c1", MessagePairID: "mp-1", Field: model.FieldNormalChat,
	}, func(string) error { return nil })
	require.Error(t, err)
	require.Equal(t, chaterr.CategoryPersistence, chaterr.CategoryOf(err))
	require.Equal(t, "生成的答案", result.Content)
}

func TestAnswerReplayKeepsTerminalRecord(t *testing.T) {
	repo := newFakePairRepo()
	svc := newTestService(&fakeRetriever{}, &fakeLLM{chunks: []string{"First answer. More"}}, repo, &fakeHistoryRepo{})

	req := AnswerRequest{Message: "hi", ChatID: "c1", MessagePairID: "mp-1", Field: model.FieldNormalChat}
	result, err := svc.Answer(context.Background(), req, func(string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, "First answer.", result.ChatTopic)
	require.Equal(t, model.StatusSuccess, repo.pairs["mp-1"].Status)

	// 同一 messagePairId 的至少一次重放：此时会话已非首轮
	repo.count = 1
	_, err = svc.Answer(context.Background(), req, func(string) error { return nil })
	require.NoError(t, err)

	stored := repo.pairs["mp-1"]
	// 流水线途中的 sending/streaming 写入不得把终态记录拉回去
	require.Equal(t, model.StatusSuccess, stored.Status)
	require.Equal(t, []model.PairStatus{
		model.StatusSending, model.StatusStreaming, model.StatusSuccess,
		model.StatusSuccess,
	}, repo.statuses)
	// 重放以空话题写入，已派生的话题不被清掉
	require.Equal(t, "First answer.", stored.ChatTopic)
}

func TestAnswerIdempotentByMessagePairID(t *testing.T) {
	repo := newFakePairRepo()
	svc := newTestService(&fakeRetriever{}, &fakeLLM{chunks: []string{"same answer"}}, repo, &fakeHistoryRepo{})

	req := AnswerRequest{Message: "hi", ChatID: "c1", MessagePairID: "mp-1", Field: model.FieldNormalChat}
	_, err := svc.Answer(context.Background(), req, func(string) error { return nil })
	require.NoError(t, err)
	_, err = svc.Answer(context.Background(), req, func(string) error { return nil })
	require.NoError(t, err)

	// 同一 messagePairId 重复写入不会产生第二条记录
	require.Len(t, repo.pairs, 1)
}
