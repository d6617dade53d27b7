package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/config"
	"mind-chat-go/internal/model"
	"mind-chat-go/pkg/log"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

func newTestClient(t *testing.T, baseURL string) *openAIClient {
	t.Helper()
	c, ok := NewClient(config.LLMConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "test-model",
		Retry: config.LLMRetryConfig{
			MaxAttempts:      3,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     5000,
		},
	}).(*openAIClient)
	require.True(t, ok)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n", content)
}

func TestStreamCompletionDeliversChunksInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("你好"))
		fmt.Fprint(w, "data: {not valid json\n")                // 畸形帧被跳过
		fmt.Fprint(w, `{"choices":[{"delta":{"content":"，"}}]}`+"\n") // 无 data: 前缀
		fmt.Fprint(w, `data: {"response":"世界"}`+"\n")            // 非 chat 形态回退
		fmt.Fprint(w, "data: [DONE]\n")
		fmt.Fprint(w, sseChunk("终止后不应投递"))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	var chunks []string
	got, err := c.StreamCompletion(context.Background(), []model.Turn{model.TextTurn(model.RoleUser, "hi")}, "", func(ch string) error {
		chunks = append(chunks, ch)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"你好", "，", "世界"}, chunks)
	require.Equal(t, "你好，世界", got)
}

func TestStreamCompletionRetriesConnectionFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			// 前两次直接断开连接，制造连接类故障
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		fmt.Fprint(w, sseChunk("第三次成功"))
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	got, err := c.StreamCompletion(context.Background(), nil, "", func(string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, "第三次成功", got)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	// 指数退避：1s 起步，每次翻倍
	require.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, delays)
}

func TestStreamCompletionBackoffCapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj := w.(http.Hijacker)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.maxAttempts = 4
	c.initialBackoff = 3000 * time.Millisecond
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := c.StreamCompletion(context.Background(), nil, "", func(string) error { return nil })
	require.Error(t, err)
	require.Equal(t, chaterr.CategoryConnection, chaterr.CategoryOf(err))
	// 3s → 6s 封顶到 5s → 封顶保持 5s
	require.Equal(t, []time.Duration{3000 * time.Millisecond, 5000 * time.Millisecond, 5000 * time.Millisecond}, delays)
}

func TestStreamCompletionUpstreamErrorNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.StreamCompletion(context.Background(), nil, "", func(string) error { return nil })
	require.Error(t, err)

	var ue *chaterr.UpstreamAPIError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	require.Contains(t, ue.Body, "rate limited")
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestStreamCompletionSinkErrorAborts(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		fmt.Fprint(w, sseChunk("A"))
		fmt.Fprint(w, sseChunk("B"))
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer server.Close()

	sinkErr := errors.New("client went away")
	c := newTestClient(t, server.URL)
	_, err := c.StreamCompletion(context.Background(), nil, "", func(string) error { return sinkErr })
	require.Error(t, err)
	require.ErrorIs(t, err, sinkErr)
	// 消费端失败不重试
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestParseFrame(t *testing.T) {
	cases := []struct {
		name  string
		line  string
		chunk string
		ok    bool
	}{
		{"带前缀", `data: {"choices":[{"delta":{"content":"hi"}}]}`, "hi", true},
		{"无前缀", `{"choices":[{"delta":{"content":"hi"}}]}`, "hi", true},
		{"终止帧", "data: [DONE]", doneSentinel, true},
		{"无前缀终止帧", "[DONE]", doneSentinel, true},
		{"response 回退", `data: {"response":"fallback"}`, "fallback", true},
		{"choices 优先于 response", `{"choices":[{"delta":{"content":"a"}}],"response":"b"}`, "a", true},
		{"空行", "   \n", "", false},
		{"畸形 JSON", "data: {oops", "", false},
		{"两者皆无", `{"id":"x"}`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunk, ok := parseFrame(tc.line)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.chunk, chunk)
		})
	}
}
