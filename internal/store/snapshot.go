package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"thingsnxt-sync/internal/models"

	"go.uber.org/zap"
)

const (
	deviceSnapshotKey = "thingsnxt:state:devices"
	widgetSnapshotKey = "thingsnxt:state:widgets"
)

// SnapshotCache 状态快照缓存
// 将调和后的设备/组件集合序列化写入 KV（带 TTL），
// 供同机的其他进程读取本地镜像
type SnapshotCache struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewSnapshotCache 创建快照缓存
func NewSnapshotCache(kv KVStore, ttl time.Duration, logger *zap.Logger) *SnapshotCache {
	return &SnapshotCache{
		kv:     kv,
		ttl:    ttl,
		logger: logger,
	}
}

// UpdateDevices 更新设备快照
func (c *SnapshotCache) UpdateDevices(ctx context.Context, devices []models.Device) error {
	jsonData, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("failed to marshal device snapshot: %w", err)
	}

	if err := c.kv.Set(ctx, deviceSnapshotKey, string(jsonData), c.ttl); err != nil {
		return fmt.Errorf("failed to set device snapshot: %w", err)
	}

	c.logger.Debug("Updated device snapshot",
		zap.Int("device_count", len(devices)),
	)

	return nil
}

// UpdateWidgets 更新组件快照
func (c *SnapshotCache) UpdateWidgets(ctx context.Context, widgets []models.Widget) error {
	jsonData, err := json.Marshal(widgets)
	if err != nil {
		return fmt.Errorf("failed to marshal widget snapshot: %w", err)
	}

	if err := c.kv.Set(ctx, widgetSnapshotKey, string(jsonData), c.ttl); err != nil {
		return fmt.Errorf("failed to set widget snapshot: %w", err)
	}

	c.logger.Debug("Updated widget snapshot",
		zap.Int("widget_count", len(widgets)),
	)

	return nil
}

// Clear 清除快照（登出时调用）
func (c *SnapshotCache) Clear(ctx context.Context) error {
	return c.kv.Delete(ctx, deviceSnapshotKey, widgetSnapshotKey)
}
