package models

import "time"

// 实时事件类型
const (
	EventTelemetryUpdate = "telemetry_update"
	EventStatusUpdate    = "status_update"
	EventDeviceStatus    = "device_status" // status_update 的历史别名
	EventInitialState    = "initial_state"
	EventWidgetUpdate    = "widget_update"
	EventDeviceAdded     = "device_added"
	EventDeviceRemoved   = "device_removed"
	EventPing            = "ping"
	EventPong            = "pong"
)

// Event 实时通道的规范事件
// 由 normalizer 将三种线上封装（扁平、global_event 信封、payload 包装）
// 统一为该结构，字段值不做转换
type Event struct {
	Type        string
	DeviceID    string
	Status      string
	Data        map[string]any
	Timestamp   time.Time
	Device      *Device  // device_added 携带的完整设备
	Devices     []Device // initial_state 携带的权威设备列表
	Widget      *Widget  // widget_update 携带的组件
	DashboardID string
}
