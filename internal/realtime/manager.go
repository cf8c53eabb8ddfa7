package realtime

import (
	"context"
	"sync"
	"time"

	"thingsnxt-sync/internal/models"
	"thingsnxt-sync/internal/normalizer"

	"go.uber.org/zap"
)

// State 通道状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed // 主动关闭，不再重连
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Manager 实时通道管理器
// 维护单一推送连接：心跳保活、固定间隔自动重连、主动关闭抑制重连。
// 重连由唯一持有的定时器排程，不会叠加多个待触发的重连
type Manager struct {
	transport Transport
	norm      *normalizer.Normalizer
	handler   func(models.Event)

	heartbeatInterval time.Duration
	reconnectDelay    time.Duration
	logger            *zap.Logger

	mu             sync.Mutex
	state          State
	intentional    bool
	token          string
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}
}

// NewManager 创建通道管理器
// handler 接收归一化后的规范事件（由 reconciler 消费）
func NewManager(
	transport Transport,
	norm *normalizer.Normalizer,
	handler func(models.Event),
	heartbeatInterval time.Duration,
	reconnectDelay time.Duration,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		transport:         transport,
		norm:              norm,
		handler:           handler,
		heartbeatInterval: heartbeatInterval,
		reconnectDelay:    reconnectDelay,
		logger:            logger,
		state:             StateDisconnected,
	}
}

// State 当前通道状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect 建立推送连接
// 已连接或连接中时直接返回（同一时刻只存在一个连接）；
// 连接失败时按固定间隔排程重连
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.intentional = false
	m.token = token
	m.mu.Unlock()

	if err := m.transport.Connect(ctx, token); err != nil {
		m.logger.Warn("Realtime connect failed",
			zap.Duration("retry_in", m.reconnectDelay),
			zap.Error(err),
		)
		m.mu.Lock()
		m.state = StateDisconnected
		m.scheduleReconnectLocked(ctx)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.state = StateConnected
	stop := make(chan struct{})
	m.stopHeartbeat = stop
	m.mu.Unlock()

	m.logger.Info("Realtime channel connected")

	go m.readLoop(ctx)
	if m.transport.SupportsWrite() {
		go m.heartbeatLoop(stop)
	}
	return nil
}

// Close 主动关闭通道（登出/退出时调用），抑制自动重连
func (m *Manager) Close(reason string) {
	m.mu.Lock()
	m.intentional = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
	wasActive := m.state == StateConnected || m.state == StateConnecting
	m.state = StateClosed
	m.mu.Unlock()

	if wasActive {
		_ = m.transport.Close()
	}

	m.logger.Info("Realtime channel closed",
		zap.String("reason", reason),
	)
}

// readLoop 消费循环：逐帧读取、归一化、交付
func (m *Manager) readLoop(ctx context.Context) {
	for {
		raw, err := m.transport.ReadMessage()
		if err != nil {
			m.onDisconnect(ctx, err)
			return
		}

		event, ok := m.norm.Normalize(raw)
		if !ok {
			continue
		}
		if m.handler != nil {
			m.handler(event)
		}
	}
}

// onDisconnect 连接断开处理
// 主动关闭直接终态；意外断开先关闭传输再排程重连。
// 读取失败不代表底层连接已断（如超长帧导致的解析错误），
// 不关闭会在每轮重连泄漏一条活跃连接
func (m *Manager) onDisconnect(ctx context.Context, err error) {
	m.mu.Lock()
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
	if m.intentional {
		m.state = StateClosed
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	if closeErr := m.transport.Close(); closeErr != nil {
		m.logger.Warn("Error closing lost transport",
			zap.Error(closeErr),
		)
	}
	m.scheduleReconnectLocked(ctx)
	m.mu.Unlock()

	m.logger.Warn("Realtime channel lost, reconnect scheduled",
		zap.Duration("retry_in", m.reconnectDelay),
		zap.Error(err),
	)
}

// scheduleReconnectLocked 排程一次重连（调用方需持锁）
// 固定间隔，不做指数退避；已有待触发的重连时不叠加
func (m *Manager) scheduleReconnectLocked(ctx context.Context) {
	if m.reconnectTimer != nil {
		return
	}
	m.reconnectTimer = time.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		if m.intentional {
			m.mu.Unlock()
			return
		}
		token := m.token
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		// 失败时 Connect 内部会再次排程
		_ = m.Connect(ctx, token)
	})
}

// heartbeatLoop 心跳循环（仅支持写的传输）
func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	ping := []byte(`{"type":"ping"}`)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.transport.WriteMessage(ping); err != nil {
				// 传输层故障由读循环感知并触发重连
				m.logger.Warn("Heartbeat send failed",
					zap.Error(err),
				)
			}
		}
	}
}
