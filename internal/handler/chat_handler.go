package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/model"
	"mind-chat-go/internal/service"
	"mind-chat-go/pkg/log"
	"mind-chat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// errStopped 表示客户端通过停止指令中断了流式响应。
var errStopped = errors.New("stream stopped by client")

// wsAnswerRequest 是 WebSocket 聊天消息的载荷。
type wsAnswerRequest struct {
	Message         string `json:"message"`
	ChatID          string `json:"chatId"`
	MessagePairID   string `json:"messagePairId"`
	DominationField string `json:"dominationField"`
	CustomPrompt    string `json:"customPrompt"`
	ImageURL        string `json:"imageUrl"`
	ImageDetail     string `json:"imageDetail"`
	Model           string `json:"model"`
}

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	answerService service.AnswerService
	jwtManager    *token.JWTManager
	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(answerService service.AnswerService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		answerService: answerService,
		jwtManager:    jwtManager,
	}
}

// GetWebsocketStopToken 返回一个可用于停止流的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 在真实的多服务器设置中，这应该在 Redis 中生成和存储
	// 为简单起见，我们在这里使用一个单一的、轮换的令牌。
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	// 连接断开时清理本连接的停止标志
	key := sessionKey(conn)
	defer h.stopFlags.Delete(key)

	log.Infof("WebSocket 连接已建立，用户: %s", claims.Username)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		// 停止指令: {"type":"stop","_internal_cmd_token":"..."}
		if h.handleStopCommand(conn, message) {
			continue
		}

		var req wsAnswerRequest
		if err := json.Unmarshal(message, &req); err != nil {
			h.writeError(conn, "无法解析消息")
			continue
		}

		// 清除上一轮残留的停止标志
		h.stopFlags.Delete(key)

		answerReq := service.AnswerRequest{
			Message:       req.Message,
			Field:         model.DominationField(req.DominationField),
			ChatID:        req.ChatID,
			MessagePairID: req.MessagePairID,
			CustomPrompt:  req.CustomPrompt,
			Model:         req.Model,
		}
		if req.ImageURL != "" {
			answerReq.Image = &model.ImageAttachment{URL: req.ImageURL, Detail: req.ImageDetail}
		}

		// 分块投递前检查停止标志，停止则中断流水线
		sink := func(chunk string) error {
			if v, ok := h.stopFlags.Load(key); ok && v.(bool) {
				return errStopped
			}
			payload, _ := json.Marshal(map[string]string{"chunk": chunk})
			return conn.WriteMessage(websocket.TextMessage, payload)
		}

		// 与前端协议对齐：无论成败都发送 completion 通知，status 标明结局
		result, err := h.answerService.Answer(c.Request.Context(), answerReq, sink)
		switch {
		case err == nil:
			h.sendCompletion(conn, "finished", result.ChatTopic)
		case errors.Is(err, errStopped):
			h.sendCompletion(conn, "stopped", result.ChatTopic)
		default:
			log.Errorf("处理流式响应失败, category: %s, err: %v", chaterr.CategoryOf(err), err)
			h.writeError(conn, chaterr.UserMessage(err))
			h.sendCompletion(conn, "error", result.ChatTopic)
		}
	}
}

// handleStopCommand 识别并处理停止指令，返回是否已消费该消息。
func (h *ChatHandler) handleStopCommand(conn *websocket.Conn, message []byte) bool {
	if len(message) == 0 || message[0] != '{' {
		return false
	}
	var ctrl map[string]interface{}
	if err := json.Unmarshal(message, &ctrl); err != nil {
		return false
	}
	t, ok := ctrl["type"].(string)
	if !ok || t != "stop" {
		return false
	}
	tok, ok := ctrl["_internal_cmd_token"].(string)
	if !ok {
		return false
	}

	h.stopTokenLock.Lock()
	valid := tok == h.stopToken
	h.stopTokenLock.Unlock()
	if !valid {
		return false
	}

	h.stopFlags.Store(sessionKey(conn), true)
	resp := map[string]interface{}{
		"type":      "stop",
		"message":   "响应已停止",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(resp)
	_ = conn.WriteMessage(websocket.TextMessage, b)
	return true
}

func (h *ChatHandler) writeError(conn *websocket.Conn, msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

// sendCompletion 发送完成通知 JSON，status 为 finished/stopped/error。
func (h *ChatHandler) sendCompletion(conn *websocket.Conn, status, chatTopic string) {
	messages := map[string]string{
		"finished": "响应已完成",
		"stopped":  "响应已停止",
		"error":    "响应失败",
	}
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    status,
		"message":   messages[status],
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	if chatTopic != "" {
		notif["chatTopic"] = chatTopic
	}
	b, _ := json.Marshal(notif)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
