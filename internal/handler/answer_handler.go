// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/service"
	"mind-chat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AnswerHandler 以 Server-Sent Events 暴露问答流水线。
type AnswerHandler struct {
	answerService service.AnswerService
}

// NewAnswerHandler 创建一个新的 AnswerHandler。
func NewAnswerHandler(answerService service.AnswerService) *AnswerHandler {
	return &AnswerHandler{answerService: answerService}
}

// Answer 处理一次问答请求，逐分块推送 SSE 帧，最后发送 completion 终止帧。
// 客户端断开时请求上下文被取消，流水线中止且不以 success 落库。
func (h *AnswerHandler) Answer(c *gin.Context) {
	var req service.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求体", "data": nil})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "streaming unsupported", "data": nil})
		return
	}

	sink := func(chunk string) error {
		return writeSSE(c, flusher, map[string]string{"chunk": chunk})
	}

	result, err := h.answerService.Answer(c.Request.Context(), req, sink)
	if err != nil {
		category := chaterr.CategoryOf(err)
		log.Errorf("[AnswerHandler] 问答流水线失败, category: %s, err: %v", category, err)
		frame := map[string]interface{}{
			"type":      "completion",
			"status":    "error",
			"category":  string(category),
			"message":   chaterr.UserMessage(err),
			"timestamp": time.Now().UnixMilli(),
		}
		// 持久化失败时答案已生成，随终止帧一并返回
		if category == chaterr.CategoryPersistence && result.Content != "" {
			frame["content"] = result.Content
		}
		_ = writeSSE(c, flusher, frame)
		return
	}

	frame := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"content":   result.Content,
		"timestamp": time.Now().UnixMilli(),
	}
	if result.ChatTopic != "" {
		frame["chatTopic"] = result.ChatTopic
	}
	_ = writeSSE(c, flusher, frame)
}

// writeSSE 写出一帧 data: {json} 并立即刷出。
func writeSSE(c *gin.Context, flusher http.Flusher, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", b); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
