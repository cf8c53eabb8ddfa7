package models

// Dashboard 仪表盘（组件按仪表盘分组拉取）
type Dashboard struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"` // energy / security / climate / lighting 等，仅展示用
}

// DashboardDoc 仪表盘的线上格式
type DashboardDoc struct {
	ID    string `json:"id"`
	AltID string `json:"_id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
}

// CanonicalID 返回规范仪表盘标识
func (d *DashboardDoc) CanonicalID() string {
	if d.ID != "" {
		return d.ID
	}
	return d.AltID
}

// ToDashboard 转换为规范 Dashboard
func (d *DashboardDoc) ToDashboard() Dashboard {
	return Dashboard{
		ID:   d.CanonicalID(),
		Name: d.Name,
		Type: d.Type,
	}
}

// Webhook 外部回调配置（通过 REST 管理，本地不参与同步）
type Webhook struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Secret string   `json:"secret,omitempty"`
}

// WebhookDoc 回调配置的线上格式
type WebhookDoc struct {
	ID     string   `json:"id"`
	AltID  string   `json:"_id"`
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// ToWebhook 转换为规范 Webhook
func (w *WebhookDoc) ToWebhook() Webhook {
	id := w.ID
	if id == "" {
		id = w.AltID
	}
	return Webhook{
		ID:     id,
		Name:   w.Name,
		URL:    w.URL,
		Events: w.Events,
		Secret: w.Secret,
	}
}
