package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/model"
	"mind-chat-go/internal/service"
	"mind-chat-go/pkg/llm"
	"mind-chat-go/pkg/log"
	"mind-chat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

type fakeAnswerService struct {
	chunks []string
	topic  string
	err    error
}

func (f *fakeAnswerService) Answer(_ context.Context, _ service.AnswerRequest, sink llm.TokenSink) (model.CompletionResult, error) {
	var b strings.Builder
	for _, ch := range f.chunks {
		if err := sink(ch); err != nil {
			return model.CompletionResult{}, err
		}
		b.WriteString(ch)
	}
	if f.err != nil {
		return model.CompletionResult{}, f.err
	}
	return model.CompletionResult{Content: b.String(), ChatTopic: f.topic}, nil
}

func newChatServer(t *testing.T, svc service.AnswerService) (*ChatHandler, string) {
	t.Helper()
	jwtManager := token.NewJWTManager("test-secret", 1)
	h := NewChatHandler(svc, jwtManager)

	r := gin.New()
	r.GET("/chat/:token", h.Handle)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	tok, err := jwtManager.GenerateToken("u1", "tester")
	require.NoError(t, err)
	return h, "ws" + strings.TrimPrefix(server.URL, "http") + "/chat/" + tok
}

func dialChat(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestChatHandlerStreamsAndCompletes(t *testing.T) {
	_, wsURL := newChatServer(t, &fakeAnswerService{chunks: []string{"你", "好"}, topic: "问候。"})
	conn := dialChat(t, wsURL)

	req, _ := json.Marshal(map[string]string{
		"message": "hi", "chatId": "c1", "dominationField": "normal_chat",
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	require.Equal(t, "你", readFrame(t, conn)["chunk"])
	require.Equal(t, "好", readFrame(t, conn)["chunk"])

	frame := readFrame(t, conn)
	require.Equal(t, "completion", frame["type"])
	require.Equal(t, "finished", frame["status"])
	require.Equal(t, "问候。", frame["chatTopic"])
}

func TestChatHandlerErrorCompletion(t *testing.T) {
	_, wsURL := newChatServer(t, &fakeAnswerService{err: chaterr.Upstream(http.StatusInternalServerError, "boom")})
	conn := dialChat(t, wsURL)

	req, _ := json.Marshal(map[string]string{
		"message": "hi", "chatId": "c1", "dominationField": "normal_chat",
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	errFrame := readFrame(t, conn)
	require.NotEmpty(t, errFrame["error"])

	// 失败时 completion 帧的 status 必须标明 error，而不是 finished
	frame := readFrame(t, conn)
	require.Equal(t, "completion", frame["type"])
	require.Equal(t, "error", frame["status"])
}

func TestChatHandlerRejectsInvalidToken(t *testing.T) {
	_, wsURL := newChatServer(t, &fakeAnswerService{})
	badURL := wsURL[:strings.LastIndex(wsURL, "/")+1] + "not-a-token"

	conn, resp, err := websocket.DefaultDialer.Dial(badURL, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatHandlerClearsStopFlagOnDisconnect(t *testing.T) {
	h, wsURL := newChatServer(t, &fakeAnswerService{chunks: []string{"A"}})
	conn := dialChat(t, wsURL)

	h.stopTokenLock.Lock()
	h.stopToken = "WSS_STOP_CMD_test"
	h.stopTokenLock.Unlock()

	stop, _ := json.Marshal(map[string]string{
		"type": "stop", "_internal_cmd_token": "WSS_STOP_CMD_test",
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, stop))
	require.Equal(t, "stop", readFrame(t, conn)["type"])

	flagCount := func() int {
		n := 0
		h.stopFlags.Range(func(_, _ interface{}) bool { n++; return true })
		return n
	}
	require.Equal(t, 1, flagCount())

	// 断开连接后停止标志被清理，不随连接累积
	conn.Close()
	require.Eventually(t, func() bool { return flagCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
