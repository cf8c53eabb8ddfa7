package config

import (
	"fmt"
	"os"
	"strconv"
)

// TransportWebSocket / TransportStream 推送传输方式
const (
	TransportWebSocket = "websocket"
	TransportStream    = "stream"
)

// Config 同步客户端配置
type Config struct {
	// API REST 网关配置
	API struct {
		BaseURL string // ThingsNXT 后端地址
		Timeout int    // 请求超时（秒），默认 15 秒
	}

	// Realtime 实时通道配置
	Realtime struct {
		// 推送传输方式
		// 选项：websocket（WebSocket 长连接）、stream（HTTP 分块流 /events/stream）
		// 两种方式可互换，每个会话只启用一种
		Transport string

		WSURL     string // WebSocket 地址（?token= 认证）
		StreamURL string // HTTP 流式地址

		HeartbeatInterval int // 心跳间隔（秒），默认 30 秒
		ReconnectDelay    int // 断线重连延迟（秒），默认 5 秒
	}

	// Sync 状态同步配置
	Sync struct {
		// 设备在线判定窗口（秒），默认 60 秒
		// 超过该窗口无活动的设备视为离线（派生状态，见 reconciler）
		LivenessWindow  int
		RefreshInterval int // REST 全量刷新间隔（秒），默认 60 秒
		SnapshotTTL     int // 状态快照缓存 TTL（秒），默认 30 秒
	}

	// Redis 本地持久化存储配置（会话凭证、偏好、状态快照）
	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.API.BaseURL = getEnv("API_BASE_URL", "http://localhost:8000")
	cfg.API.Timeout = getEnvInt("API_TIMEOUT", 15)

	cfg.Realtime.Transport = getEnv("REALTIME_TRANSPORT", TransportWebSocket)
	cfg.Realtime.WSURL = getEnv("REALTIME_WS_URL", "ws://localhost:8000/ws")
	cfg.Realtime.StreamURL = getEnv("REALTIME_STREAM_URL", "http://localhost:8000/events/stream")
	cfg.Realtime.HeartbeatInterval = getEnvInt("HEARTBEAT_INTERVAL", 30)
	cfg.Realtime.ReconnectDelay = getEnvInt("RECONNECT_DELAY", 5)

	cfg.Sync.LivenessWindow = getEnvInt("LIVENESS_WINDOW", 60)
	cfg.Sync.RefreshInterval = getEnvInt("REFRESH_INTERVAL", 60)
	cfg.Sync.SnapshotTTL = getEnvInt("SNAPSHOT_TTL", 30)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	// 校验传输方式
	if cfg.Realtime.Transport != TransportWebSocket && cfg.Realtime.Transport != TransportStream {
		return nil, fmt.Errorf("unsupported realtime transport: %s", cfg.Realtime.Transport)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			return v
		}
	}
	return defaultValue
}
