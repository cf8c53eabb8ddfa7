package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// 检查默认值
	if cfg.API.BaseURL != "http://localhost:8000" {
		t.Errorf("Expected API_BASE_URL default 'http://localhost:8000', got '%s'", cfg.API.BaseURL)
	}

	if cfg.API.Timeout != 15 {
		t.Errorf("Expected API_TIMEOUT default 15, got %d", cfg.API.Timeout)
	}

	if cfg.Realtime.Transport != TransportWebSocket {
		t.Errorf("Expected REALTIME_TRANSPORT default 'websocket', got '%s'", cfg.Realtime.Transport)
	}

	if cfg.Realtime.HeartbeatInterval != 30 {
		t.Errorf("Expected HEARTBEAT_INTERVAL default 30, got %d", cfg.Realtime.HeartbeatInterval)
	}

	if cfg.Realtime.ReconnectDelay != 5 {
		t.Errorf("Expected RECONNECT_DELAY default 5, got %d", cfg.Realtime.ReconnectDelay)
	}

	if cfg.Sync.LivenessWindow != 60 {
		t.Errorf("Expected LIVENESS_WINDOW default 60, got %d", cfg.Sync.LivenessWindow)
	}

	if cfg.Sync.RefreshInterval != 60 {
		t.Errorf("Expected REFRESH_INTERVAL default 60, got %d", cfg.Sync.RefreshInterval)
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Expected REDIS_ADDR default 'localhost:6379', got '%s'", cfg.Redis.Addr)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Expected LOG_LEVEL default 'info', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("API_BASE_URL", "https://api.test.example")
	os.Setenv("REALTIME_TRANSPORT", "stream")
	os.Setenv("REALTIME_STREAM_URL", "https://api.test.example/events/stream")
	os.Setenv("LIVENESS_WINDOW", "90")
	os.Setenv("LOG_LEVEL", "debug")

	defer func() {
		os.Unsetenv("API_BASE_URL")
		os.Unsetenv("REALTIME_TRANSPORT")
		os.Unsetenv("REALTIME_STREAM_URL")
		os.Unsetenv("LIVENESS_WINDOW")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// 检查环境变量值
	if cfg.API.BaseURL != "https://api.test.example" {
		t.Errorf("Expected API_BASE_URL 'https://api.test.example', got '%s'", cfg.API.BaseURL)
	}

	if cfg.Realtime.Transport != TransportStream {
		t.Errorf("Expected REALTIME_TRANSPORT 'stream', got '%s'", cfg.Realtime.Transport)
	}

	if cfg.Realtime.StreamURL != "https://api.test.example/events/stream" {
		t.Errorf("Expected REALTIME_STREAM_URL override, got '%s'", cfg.Realtime.StreamURL)
	}

	if cfg.Sync.LivenessWindow != 90 {
		t.Errorf("Expected LIVENESS_WINDOW 90, got %d", cfg.Sync.LivenessWindow)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected LOG_LEVEL 'debug', got '%s'", cfg.Log.Level)
	}
}

func TestLoad_InvalidTransport(t *testing.T) {
	os.Setenv("REALTIME_TRANSPORT", "mqtt")
	defer os.Unsetenv("REALTIME_TRANSPORT")

	if _, err := Load(); err == nil {
		t.Error("Expected error for unsupported transport, got nil")
	}
}

func TestGetEnv(t *testing.T) {
	// 测试环境变量存在
	os.Setenv("TEST_VAR", "test-value")
	defer os.Unsetenv("TEST_VAR")

	value := getEnv("TEST_VAR", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	// 测试环境变量不存在，使用默认值
	value = getEnv("NON_EXISTENT_VAR", "default-value")
	if value != "default-value" {
		t.Errorf("Expected 'default-value', got '%s'", value)
	}
}
