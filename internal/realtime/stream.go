package realtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
)

// StreamTransport 流式 HTTP 推送传输
// 消费 chunked 文本流中的 `data: {json}` 行，与 WebSocket 互换使用。
// 只读传输，不支持心跳发送；登出时通过取消请求上下文中止在途连接
type StreamTransport struct {
	url    string
	client *resty.Client

	mu      sync.Mutex
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

// NewStreamTransport 创建流式传输
func NewStreamTransport(streamURL string) *StreamTransport {
	// 流式响应不设整体超时，连接存活期间持续读取
	client := resty.New().
		SetDoNotParseResponse(true)

	return &StreamTransport{
		url:    streamURL,
		client: client,
	}
}

// Connect 发起流式 GET 并挂起读取
func (t *StreamTransport) Connect(ctx context.Context, token string) error {
	streamCtx, cancel := context.WithCancel(ctx)

	resp, err := t.client.R().
		SetContext(streamCtx).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Authorization", "Bearer "+token).
		Get(t.url)
	if err != nil {
		cancel()
		return fmt.Errorf("stream connect failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		resp.RawBody().Close()
		cancel()
		return fmt.Errorf("stream rejected (status: %d)", resp.StatusCode())
	}

	body := resp.RawBody()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	t.mu.Lock()
	// 替换前中止旧的在途连接，重连不泄漏句柄
	if t.cancel != nil {
		t.cancel()
	}
	if t.body != nil {
		t.body.Close()
	}
	t.body = body
	t.scanner = scanner
	t.cancel = cancel
	t.mu.Unlock()

	return nil
}

// ReadMessage 读取下一条 data 行的负载
// 跳过空行与非 data 行（注释、事件名等 SSE 杂项）
func (t *StreamTransport) ReadMessage() ([]byte, error) {
	t.mu.Lock()
	scanner := t.scanner
	t.mu.Unlock()

	if scanner == nil {
		return nil, fmt.Errorf("stream not connected")
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		return []byte(payload), nil
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// WriteMessage 流式传输只读
func (t *StreamTransport) WriteMessage(data []byte) error {
	return fmt.Errorf("stream transport is read-only")
}

// SupportsWrite 流式传输不支持客户端发帧
func (t *StreamTransport) SupportsWrite() bool {
	return false
}

// Close 中止在途流式连接
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.body != nil {
		err := t.body.Close()
		t.body = nil
		t.scanner = nil
		return err
	}
	return nil
}
