package normalizer

import (
	"encoding/json"

	"thingsnxt-sync/internal/models"

	"go.uber.org/zap"
)

// Normalizer 消息归一化器
// 将实时通道的三种线上封装统一为规范 Event：
//  1. 扁平消息 {type, device_id, ...}
//  2. global_event 信封 {type: "global_event", data: {...}}（拆开 data）
//  3. payload 包装 {type, payload: {...}}（type 与 payload 内容归并）
//
// 只做信封拆解与标识归一化，不转换字段值
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer 创建归一化器
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize 解析一帧原始消息
// 返回 false 表示该帧被丢弃（空帧、非 JSON、拆封后仍无 type）
func (n *Normalizer) Normalize(raw []byte) (models.Event, bool) {
	if len(raw) == 0 {
		return models.Event{}, false
	}

	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		n.logger.Warn("Dropping non-JSON frame",
			zap.Int("frame_size", len(raw)),
			zap.Error(err),
		)
		return models.Event{}, false
	}

	frame = unwrap(frame)

	eventType, _ := frame["type"].(string)
	if eventType == "" {
		n.logger.Warn("Dropping frame without resolvable type")
		return models.Event{}, false
	}

	return n.build(eventType, frame), true
}

// unwrap 拆解信封
// global_event: 事件本体在 data 内；payload 包装: type 在外层、本体在 payload 内
func unwrap(frame map[string]any) map[string]any {
	if frameType, _ := frame["type"].(string); frameType == "global_event" {
		if inner, ok := frame["data"].(map[string]any); ok {
			return inner
		}
		// data 不是对象时信封无效，typeless 检查会丢弃
		return map[string]any{}
	}

	if payload, ok := frame["payload"].(map[string]any); ok {
		merged := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			merged[k] = v
		}
		// 外层 type 优先于 payload 内同名字段
		if frameType, ok := frame["type"].(string); ok && frameType != "" {
			merged["type"] = frameType
		}
		return merged
	}

	return frame
}

// build 由拆封后的字段构造规范事件
func (n *Normalizer) build(eventType string, frame map[string]any) models.Event {
	event := models.Event{
		Type:      eventType,
		DeviceID:  canonicalID(frame),
		Timestamp: models.ParseTimestamp(frame["timestamp"]),
	}

	if status, ok := frame["status"].(string); ok {
		event.Status = status
	}
	if data, ok := frame["data"].(map[string]any); ok {
		event.Data = data
	}
	if dashboardID, ok := frame["dashboard_id"].(string); ok {
		event.DashboardID = dashboardID
	}

	switch eventType {
	case models.EventInitialState:
		devices := frame["devices"]
		if devices == nil {
			if data, ok := frame["data"].(map[string]any); ok {
				devices = data["devices"]
			}
		}
		event.Devices = n.decodeDevices(devices)
	case models.EventDeviceAdded:
		// 完整设备可能在 device 字段或直接摊平在 data 中
		if device := n.decodeDevice(frame["device"]); device != nil {
			event.Device = device
		} else if device := n.decodeDevice(frame["data"]); device != nil {
			event.Device = device
		}
	case models.EventDeviceRemoved:
		if event.DeviceID == "" && event.Data != nil {
			event.DeviceID = canonicalID(event.Data)
		}
	case models.EventWidgetUpdate:
		if widget := n.decodeWidget(frame["widget"]); widget != nil {
			event.Widget = widget
		} else if widget := n.decodeWidget(frame["data"]); widget != nil {
			event.Widget = widget
		}
	}

	return event
}

// canonicalID 归一化 id/_id 双标识（id 优先）
// device_id 字段是最常见形态，其次才是裸 id/_id
func canonicalID(frame map[string]any) string {
	if id, ok := frame["device_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := frame["id"].(string); ok && id != "" {
		return id
	}
	if id, ok := frame["_id"].(string); ok && id != "" {
		return id
	}
	return ""
}

func (n *Normalizer) decodeDevice(v any) *models.Device {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	var doc models.DeviceDoc
	if !remarshal(obj, &doc) {
		n.logger.Warn("Failed to decode device from frame")
		return nil
	}
	if doc.CanonicalID() == "" {
		return nil
	}
	device := doc.ToDevice()
	return &device
}

func (n *Normalizer) decodeDevices(v any) []models.Device {
	list, ok := v.([]any)
	if !ok {
		return nil
	}

	devices := make([]models.Device, 0, len(list))
	for _, item := range list {
		if device := n.decodeDevice(item); device != nil {
			devices = append(devices, *device)
		}
	}
	return devices
}

func (n *Normalizer) decodeWidget(v any) *models.Widget {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	var doc models.WidgetDoc
	if !remarshal(obj, &doc) {
		n.logger.Warn("Failed to decode widget from frame")
		return nil
	}
	if doc.CanonicalID() == "" {
		return nil
	}
	widget := doc.ToWidget("")
	return &widget
}

// remarshal map → 结构体（实时帧已是解码后的 map，借 JSON 往返套用 Doc 的标签）
func remarshal(obj map[string]any, out any) bool {
	raw, err := json.Marshal(obj)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
