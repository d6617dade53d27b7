package handler

import (
	"net/http"
	"strconv"

	"mind-chat-go/internal/repository"
	"mind-chat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// HistoryHandler 处理与会话历史相关的 API 请求。
type HistoryHandler struct {
	historyRepo repository.HistoryRepository
	pairRepo    repository.MessagePairRepository
}

// NewHistoryHandler 创建一个新的 HistoryHandler。
func NewHistoryHandler(historyRepo repository.HistoryRepository, pairRepo repository.MessagePairRepository) *HistoryHandler {
	return &HistoryHandler{historyRepo: historyRepo, pairRepo: pairRepo}
}

// GetHistory 返回 Redis 中缓存的会话最近消息。
func (h *HistoryHandler) GetHistory(c *gin.Context) {
	chatID := c.Query("chatId")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少 chatId 参数", "data": nil})
		return
	}

	history, err := h.historyRepo.GetHistory(c.Request.Context(), chatID)
	if err != nil {
		log.Errorf("[HistoryHandler] 获取会话历史失败, chatId: %s, err: %v", chatID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取会话历史失败", "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": history})
}

// ListMessagePairs 返回 MySQL 中持久化的会话消息对。
func (h *HistoryHandler) ListMessagePairs(c *gin.Context) {
	chatID := c.Query("chatId")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少 chatId 参数", "data": nil})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	pairs, err := h.pairRepo.ListByChatID(c.Request.Context(), chatID, limit)
	if err != nil {
		log.Errorf("[HistoryHandler] 查询消息对失败, chatId: %s, err: %v", chatID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "查询消息记录失败", "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": pairs})
}
