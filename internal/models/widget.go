package models

// 组件渲染类型（仅用于展示分发；led 需要解析到 device_token 才有效）
const (
	WidgetTypeGauge     = "gauge"
	WidgetTypeIndicator = "indicator"
	WidgetTypeLED       = "led"
	WidgetTypeCard      = "card"
)

// Widget 仪表盘组件实体
type Widget struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Label       string         `json:"label,omitempty"`
	DashboardID string         `json:"dashboard_id,omitempty"`
	DeviceID    string         `json:"device_id,omitempty"` // 弱引用，仅用于查找，不表示所有权
	Config      map[string]any `json:"config,omitempty"`
	Value       any            `json:"value,omitempty"`
}

// ConfigKey 组件订阅的遥测字段名（config.key）
func (w *Widget) ConfigKey() string {
	if w.Config == nil {
		return ""
	}
	if key, ok := w.Config["key"].(string); ok {
		return key
	}
	return ""
}

// VirtualPin LED 组件的虚拟引脚（config.virtual_pin，兼容历史的扁平格式）
func (w *Widget) VirtualPin() string {
	if w.Config == nil {
		return ""
	}
	if pin, ok := w.Config["virtual_pin"].(string); ok {
		return pin
	}
	return ""
}

// WidgetDoc 组件的线上格式（同样存在 id/_id 双标识）
type WidgetDoc struct {
	ID          string         `json:"id"`
	AltID       string         `json:"_id"`
	Type        string         `json:"type"`
	Label       string         `json:"label"`
	DashboardID string         `json:"dashboard_id"`
	DeviceID    string         `json:"device_id"`
	Config      map[string]any `json:"config"`
	Value       any            `json:"value"`
	VirtualPin  string         `json:"virtual_pin"` // 历史扁平格式
}

// CanonicalID 返回规范组件标识（id 优先，_id 兜底）
func (w *WidgetDoc) CanonicalID() string {
	if w.ID != "" {
		return w.ID
	}
	return w.AltID
}

// ToWidget 转换为规范 Widget
// fallbackID: 线上数据缺失标识时使用的本地合成标识
func (w *WidgetDoc) ToWidget(fallbackID string) Widget {
	id := w.CanonicalID()
	if id == "" {
		id = fallbackID
	}

	config := w.Config
	// 归并历史扁平格式的 virtual_pin 到 config
	if w.VirtualPin != "" {
		if config == nil {
			config = make(map[string]any)
		}
		if _, exists := config["virtual_pin"]; !exists {
			config["virtual_pin"] = w.VirtualPin
		}
	}

	return Widget{
		ID:          id,
		Type:        w.Type,
		Label:       w.Label,
		DashboardID: w.DashboardID,
		DeviceID:    w.DeviceID,
		Config:      config,
		Value:       w.Value,
	}
}
