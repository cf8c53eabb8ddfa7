package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport WebSocket 推送传输
// 认证通过 ?token= 查询参数完成（后端通道的既定契约）
type WebSocketTransport struct {
	url  string
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport 创建 WebSocket 传输
func NewWebSocketTransport(wsURL string) *WebSocketTransport {
	return &WebSocketTransport{url: wsURL}
}

// Connect 建立 WebSocket 连接
func (t *WebSocketTransport) Connect(ctx context.Context, token string) error {
	dialURL := t.url
	if token != "" {
		sep := "?"
		if strings.Contains(dialURL, "?") {
			sep = "&"
		}
		dialURL += sep + "token=" + url.QueryEscape(token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (status: %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	t.mu.Lock()
	// 替换前关闭旧连接，重连不泄漏句柄
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	return nil
}

// ReadMessage 阻塞读取下一帧
func (t *WebSocketTransport) ReadMessage() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("websocket not connected")
	}

	_, data, err := conn.ReadMessage()
	return data, err
}

// WriteMessage 发送一帧文本消息
func (t *WebSocketTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// SupportsWrite WebSocket 支持客户端发帧（心跳）
func (t *WebSocketTransport) SupportsWrite() bool {
	return true
}

// Close 关闭连接
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
