package realtime

import "context"

// Transport 推送通道的传输抽象
// WebSocket 与流式 HTTP 两种实现可互换；流式实现只读，
// 管理器通过 SupportsWrite 决定是否发送心跳
type Transport interface {
	// Connect 建立连接，token 用于通道认证
	Connect(ctx context.Context, token string) error
	// ReadMessage 阻塞读取下一帧原始消息
	ReadMessage() ([]byte, error)
	// WriteMessage 发送一帧消息（只读传输返回错误）
	WriteMessage(data []byte) error
	// SupportsWrite 该传输是否支持客户端发帧
	SupportsWrite() bool
	// Close 关闭连接，阻塞中的 ReadMessage 随之返回错误
	Close() error
}
