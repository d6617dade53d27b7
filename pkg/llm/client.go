// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/config"
	"mind-chat-go/internal/model"
	"mind-chat-go/pkg/log"
)

// 重试与退避的默认参数，单次调用整体重试，失败尝试的部分输出被丢弃。
const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 1000 * time.Millisecond
	defaultMaxBackoff     = 5000 * time.Millisecond
	defaultTimeout        = 120 * time.Second
)

// TokenSink 按到达顺序同步接收流式分块。
// 注意：整次调用重试时，同一逻辑分块可能被重复投递。
type TokenSink func(chunk string) error

// Client defines the interface for a streaming completion client.
type Client interface {
	// StreamCompletion 以 role-based 消息发起流式补全，逐个分块投递给 sink，
	// 并返回累积的完整回答文本。
	StreamCompletion(ctx context.Context, turns []model.Turn, modelName string, sink TokenSink) (string, error)
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	// sleep 可在测试中替换，以验证退避间隔而不真实等待。
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new streaming completion client from the config.
func NewClient(cfg config.LLMConfig) Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &openAIClient{
		cfg:            cfg,
		client:         &http.Client{Timeout: timeout},
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		sleep:          sleepCtx,
	}
	if cfg.Retry.MaxAttempts > 0 {
		c.maxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialBackoffMs > 0 {
		c.initialBackoff = time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond
	}
	if cfg.Retry.MaxBackoffMs > 0 {
		c.maxBackoff = time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond
	}
	return c
}

// chatRequest 是发往补全接口的请求体。
type chatRequest struct {
	Model       string       `json:"model"`
	Messages    []model.Turn `json:"messages"`
	Stream      bool         `json:"stream"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
}

// streamFrame 覆盖两种后端形态：chat 形态取 choices[0].delta.content，
// 非 chat 形态取顶层 response 字段。
type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Response string `json:"response"`
}

// StreamCompletion 用显式的有界循环执行整次调用的指数退避重试：
// 最多 maxAttempts 次，初始 initialBackoff，每次翻倍，封顶 maxBackoff。
// 仅连接类故障触发重试，上游的结构化错误响应直接失败。
func (c *openAIClient) StreamCompletion(ctx context.Context, turns []model.Turn, modelName string, sink TokenSink) (string, error) {
	if modelName == "" {
		modelName = c.cfg.Model
	}

	var lastErr error
	backoff := c.initialBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		content, err := c.streamOnce(ctx, turns, modelName, sink)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			return "", err
		}
		if attempt == c.maxAttempts {
			break
		}

		log.Warnf("[LLMClient] 流式补全第 %d 次尝试失败, %v 后重试: %v", attempt, backoff, err)
		if serr := c.sleep(ctx, backoff); serr != nil {
			return "", serr
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return "", lastErr
}

// streamOnce 执行一次完整的流式请求。失败时已投递的分块被丢弃，由上层决定是否重试。
func (c *openAIClient) streamOnce(ctx context.Context, turns []model.Turn, modelName string, sink TokenSink) (string, error) {
	reqBody := chatRequest{
		Model:    modelName,
		Messages: turns,
		Stream:   true,
	}
	// 从配置注入生成参数（若非零值）
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", chaterr.Connection(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", chaterr.Upstream(resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var answer strings.Builder
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", chaterr.Connection(fmt.Errorf("failed to read from stream: %w", err))
		}

		chunk, ok := parseFrame(line)
		if !ok {
			continue
		}
		if chunk == doneSentinel {
			break
		}
		if err := sink(chunk); err != nil {
			return "", fmt.Errorf("failed to forward token: %w", err)
		}
		answer.WriteString(chunk)
	}
	return answer.String(), nil
}

// doneSentinel 是 parseFrame 对终止帧的内部表示，正常 token 不会等于它。
const doneSentinel = "\x00[DONE]\x00"

// parseFrame 解析一行 SSE 帧。"data: " 前缀是可选的，[DONE] 结束流，
// 其余非空行按 JSON 解析；解析失败的帧记录日志后跳过，不中断流。
func parseFrame(line string) (string, bool) {
	data := strings.TrimSpace(line)
	if data == "" {
		return "", false
	}
	if strings.HasPrefix(data, "data:") {
		data = strings.TrimSpace(strings.TrimPrefix(data, "data:"))
	}
	if data == "[DONE]" {
		return doneSentinel, true
	}

	var frame streamFrame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		log.Warnf("[LLMClient] 跳过无法解析的流式帧: %v", err)
		return "", false
	}
	if len(frame.Choices) > 0 {
		return frame.Choices[0].Delta.Content, true
	}
	if frame.Response != "" {
		return frame.Response, true
	}
	return "", false
}

// retryable 判断错误是否属于可重试的连接类故障。
func retryable(err error) bool {
	var ce *chaterr.ConnectionError
	return errors.As(err, &ce)
}

// sleepCtx 在等待退避间隔的同时响应取消。
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
