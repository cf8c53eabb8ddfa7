package models

import (
	"time"
)

// 设备状态
// 存储的 status 仅作提示，权威的在线判定由 reconciler 根据 last_active 派生
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device 设备实体（已归一化，ID 为规范标识）
type Device struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Type          string         `json:"type,omitempty"` // 仅用于图标展示，不参与业务逻辑
	DeviceToken   string         `json:"device_token,omitempty"`
	Status        string         `json:"status"`
	LastActive    time.Time      `json:"last_active"`
	LastTelemetry time.Time      `json:"last_telemetry"`
	Telemetry     map[string]any `json:"telemetry,omitempty"`
	Value         any            `json:"value,omitempty"` // 遥测字段的冗余投影，便于快速展示
	Unit          string         `json:"unit,omitempty"`
	IsFavorite    bool           `json:"is_favorite,omitempty"`
}

// DeviceDoc 设备的线上格式
// 后端历史上混用 id 与 _id 两种标识字段，进入系统时立即归一化，
// reconciler 只处理规范 ID
type DeviceDoc struct {
	ID          string         `json:"id"`
	AltID       string         `json:"_id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	DeviceToken string         `json:"device_token"`
	Status      string         `json:"status"`
	LastActive  string         `json:"last_active"`
	Telemetry   map[string]any `json:"telemetry"`
	Value       any            `json:"value"`
	Unit        string         `json:"unit"`
	IsFavorite  bool           `json:"is_favorite"`
}

// CanonicalID 返回规范设备标识（id 优先，_id 兜底）
func (d *DeviceDoc) CanonicalID() string {
	if d.ID != "" {
		return d.ID
	}
	return d.AltID
}

// Diverged 两个标识字段同时存在且不一致（视为数据问题，调用方应记录日志）
func (d *DeviceDoc) Diverged() bool {
	return d.ID != "" && d.AltID != "" && d.ID != d.AltID
}

// ToDevice 转换为规范 Device
func (d *DeviceDoc) ToDevice() Device {
	return Device{
		ID:          d.CanonicalID(),
		Name:        d.Name,
		Type:        d.Type,
		DeviceToken: d.DeviceToken,
		Status:      d.Status,
		LastActive:  ParseTimestamp(d.LastActive),
		Telemetry:   d.Telemetry,
		Value:       d.Value,
		Unit:        d.Unit,
		IsFavorite:  d.IsFavorite,
	}
}

// ParseTimestamp 解析后端时间戳
// 兼容三种格式：RFC3339、缺失时区后缀的 ISO 字符串（按 UTC 处理）、Unix 秒/毫秒
func ParseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
		// 缺失时区信息时按 UTC 处理
		if parsed, err := time.Parse(time.RFC3339, t+"Z"); err == nil {
			return parsed
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return parsed.UTC()
		}
		return time.Time{}
	case float64:
		return fromEpoch(int64(t))
	case int64:
		return fromEpoch(t)
	case int:
		return fromEpoch(int64(t))
	default:
		return time.Time{}
	}
}

func fromEpoch(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	// 大于 1e12 视为毫秒时间戳
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
