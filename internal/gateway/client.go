package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"thingsnxt-sync/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenSource 访问令牌来源（由会话存储实现）
type TokenSource interface {
	Token() string
	RefreshToken() string
	UpdateAccessToken(ctx context.Context, token string) error
}

// Client ThingsNXT 后端 REST 客户端
// 不做传输层重试，失败立即按分类返回，由调用方决定重试策略；
// 401 在此集中处理：刷新一次令牌并重放一次请求，再失败则判定会话过期
type Client struct {
	httpClient *resty.Client
	tokens     TokenSource
	onExpired  func(ctx context.Context) // 令牌刷新失败（会话终结）时回调
	logger     *zap.Logger
}

// NewClient 创建 REST 客户端
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		tokens:     tokens,
		logger:     logger,
	}
}

// SetExpiredHandler 注册会话过期回调（由 SyncService 装配时注入）
func (c *Client) SetExpiredHandler(fn func(ctx context.Context)) {
	c.onExpired = fn
}

// ---- 认证 ----

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Login 用户登录，返回新会话
func (c *Client) Login(ctx context.Context, username, password string) (*models.Session, error) {
	const op = "login"

	var result authResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&result).
		Post("/login")
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if apiErr := classifyStatus(op, resp.StatusCode(), resp.Body()); apiErr != nil {
		// 登录接口的 401 表示凭证错误，不走刷新流程
		return nil, apiErr
	}

	c.logger.Info("Login successful",
		zap.String("username", username),
	)

	return &models.Session{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Username:     username,
	}, nil
}

// Signup 用户注册，成功后直接返回可用会话
func (c *Client) Signup(ctx context.Context, username, password string) (*models.Session, error) {
	const op = "signup"

	var result authResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&result).
		Post("/signup")
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if apiErr := classifyStatus(op, resp.StatusCode(), resp.Body()); apiErr != nil {
		return nil, apiErr
	}

	c.logger.Info("Signup successful",
		zap.String("username", username),
	)

	return &models.Session{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Username:     username,
	}, nil
}

// refreshAccessToken 用刷新令牌换取新的访问令牌
func (c *Client) refreshAccessToken(ctx context.Context) error {
	refreshToken := c.tokens.RefreshToken()
	if refreshToken == "" {
		return fmt.Errorf("no refresh token available")
	}

	var result authResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh_token": refreshToken}).
		SetResult(&result).
		Post("/refresh")
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || result.AccessToken == "" {
		return fmt.Errorf("token refresh rejected (status: %d)", resp.StatusCode())
	}

	if err := c.tokens.UpdateAccessToken(ctx, result.AccessToken); err != nil {
		return fmt.Errorf("failed to store refreshed token: %w", err)
	}

	c.logger.Info("Access token refreshed")
	return nil
}

// do 执行带认证的请求并集中分类错误
// 401 时刷新令牌并重放一次；刷新或重放再失败则触发会话过期回调
func (c *Client) do(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	exec := func() (*resty.Response, error) {
		req := c.httpClient.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.tokens.Token())
		if body != nil {
			req.SetBody(body)
		}
		return req.Execute(method, path)
	}

	resp, err := exec()
	if err != nil {
		return nil, classifyTransport(op, err)
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		if refreshErr := c.refreshAccessToken(ctx); refreshErr != nil {
			c.logger.Warn("Token refresh failed, session expired",
				zap.String("op", op),
				zap.Error(refreshErr),
			)
			if c.onExpired != nil {
				c.onExpired(ctx)
			}
			return nil, &APIError{Op: op, Kind: ErrUnauthorized, StatusCode: resp.StatusCode()}
		}

		resp, err = exec()
		if err != nil {
			return nil, classifyTransport(op, err)
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			if c.onExpired != nil {
				c.onExpired(ctx)
			}
			return nil, &APIError{Op: op, Kind: ErrUnauthorized, StatusCode: resp.StatusCode()}
		}
	}

	if apiErr := classifyStatus(op, resp.StatusCode(), resp.Body()); apiErr != nil {
		c.logger.Warn("API request failed",
			zap.String("op", op),
			zap.Int("status_code", apiErr.StatusCode),
			zap.String("detail", apiErr.Detail),
		)
		return nil, apiErr
	}

	return resp.Body(), nil
}

// ---- 设备 ----

// GetDevices 拉取设备全量快照（已归一化）
func (c *Client) GetDevices(ctx context.Context) ([]models.Device, error) {
	body, err := c.do(ctx, "get devices", http.MethodGet, "/devices", nil)
	if err != nil {
		return nil, err
	}

	docs, err := decodeList[models.DeviceDoc](body, "devices")
	if err != nil {
		return nil, fmt.Errorf("failed to decode devices: %w", err)
	}

	devices := make([]models.Device, 0, len(docs))
	for i := range docs {
		if docs[i].Diverged() {
			c.logger.Warn("Device document carries diverged identifiers",
				zap.String("id", docs[i].ID),
				zap.String("alt_id", docs[i].AltID),
			)
		}
		devices = append(devices, docs[i].ToDevice())
	}

	c.logger.Debug("Fetched devices",
		zap.Int("device_count", len(devices)),
	)

	return devices, nil
}

// CreateDevice 创建设备
func (c *Client) CreateDevice(ctx context.Context, name, deviceType string) (*models.Device, error) {
	body, err := c.do(ctx, "create device", http.MethodPost, "/devices", map[string]string{
		"name": name,
		"type": deviceType,
	})
	if err != nil {
		return nil, err
	}

	var doc models.DeviceDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode created device: %w", err)
	}
	device := doc.ToDevice()
	return &device, nil
}

// UpdateDevice 更新设备属性（部分更新）
func (c *Client) UpdateDevice(ctx context.Context, deviceID string, fields map[string]any) error {
	_, err := c.do(ctx, "update device", http.MethodPatch, "/devices/"+deviceID, fields)
	return err
}

// DeleteDevice 删除设备
func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	_, err := c.do(ctx, "delete device", http.MethodDelete, "/devices/"+deviceID, nil)
	return err
}

// ---- 遥测 ----

// GetLatestTelemetry 按设备令牌拉取最新遥测
func (c *Client) GetLatestTelemetry(ctx context.Context, deviceToken string) (map[string]any, error) {
	body, err := c.do(ctx, "get latest telemetry", http.MethodGet,
		"/telemetry/latest?device_token="+deviceToken, nil)
	if err != nil {
		return nil, err
	}

	var telemetry map[string]any
	if err := json.Unmarshal(body, &telemetry); err != nil {
		return nil, fmt.Errorf("failed to decode telemetry: %w", err)
	}
	return telemetry, nil
}

// PushTelemetry 代设备上报遥测（调试/虚拟设备用）
func (c *Client) PushTelemetry(ctx context.Context, deviceToken string, data map[string]any) error {
	_, err := c.do(ctx, "push telemetry", http.MethodPost, "/telemetry", map[string]any{
		"device_token": deviceToken,
		"data":         data,
	})
	return err
}

// ---- 仪表盘与组件 ----

// GetDashboards 拉取仪表盘列表
func (c *Client) GetDashboards(ctx context.Context) ([]models.Dashboard, error) {
	body, err := c.do(ctx, "get dashboards", http.MethodGet, "/dashboards", nil)
	if err != nil {
		return nil, err
	}

	docs, err := decodeList[models.DashboardDoc](body, "dashboards")
	if err != nil {
		return nil, fmt.Errorf("failed to decode dashboards: %w", err)
	}

	dashboards := make([]models.Dashboard, 0, len(docs))
	for i := range docs {
		dashboards = append(dashboards, docs[i].ToDashboard())
	}
	return dashboards, nil
}

// CreateDashboard 创建仪表盘
func (c *Client) CreateDashboard(ctx context.Context, name, dashboardType string) (*models.Dashboard, error) {
	body, err := c.do(ctx, "create dashboard", http.MethodPost, "/dashboards", map[string]string{
		"name": name,
		"type": dashboardType,
	})
	if err != nil {
		return nil, err
	}

	var doc models.DashboardDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode created dashboard: %w", err)
	}
	dashboard := doc.ToDashboard()
	return &dashboard, nil
}

// GetWidgets 拉取指定仪表盘的组件列表（已归一化）
// 缺失标识的组件分配本地合成 ID，保证 reconciler 的 map 键唯一
func (c *Client) GetWidgets(ctx context.Context, dashboardID string) ([]models.Widget, error) {
	body, err := c.do(ctx, "get widgets", http.MethodGet, "/widgets/"+dashboardID, nil)
	if err != nil {
		return nil, err
	}

	docs, err := decodeList[models.WidgetDoc](body, "widgets")
	if err != nil {
		return nil, fmt.Errorf("failed to decode widgets: %w", err)
	}

	widgets := make([]models.Widget, 0, len(docs))
	for i := range docs {
		widget := docs[i].ToWidget("local-" + uuid.NewString())
		if widget.DashboardID == "" {
			widget.DashboardID = dashboardID
		}
		widgets = append(widgets, widget)
	}

	c.logger.Debug("Fetched widgets",
		zap.String("dashboard_id", dashboardID),
		zap.Int("widget_count", len(widgets)),
	)

	return widgets, nil
}

// CreateWidget 创建组件
func (c *Client) CreateWidget(ctx context.Context, dashboardID string, widget models.Widget) (*models.Widget, error) {
	body, err := c.do(ctx, "create widget", http.MethodPost, "/widgets/"+dashboardID, map[string]any{
		"type":      widget.Type,
		"label":     widget.Label,
		"device_id": widget.DeviceID,
		"config":    widget.Config,
	})
	if err != nil {
		return nil, err
	}

	var doc models.WidgetDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode created widget: %w", err)
	}
	created := doc.ToWidget("local-" + uuid.NewString())
	if created.DashboardID == "" {
		created.DashboardID = dashboardID
	}
	return &created, nil
}

// UpdateWidget 更新组件配置（部分更新）
func (c *Client) UpdateWidget(ctx context.Context, widgetID string, fields map[string]any) error {
	_, err := c.do(ctx, "update widget", http.MethodPatch, "/widgets/"+widgetID, fields)
	return err
}

// DeleteWidget 删除组件
func (c *Client) DeleteWidget(ctx context.Context, widgetID string) error {
	_, err := c.do(ctx, "delete widget", http.MethodDelete, "/widgets/"+widgetID, nil)
	return err
}

// ---- Webhook ----

// ListWebhooks 拉取回调配置列表
func (c *Client) ListWebhooks(ctx context.Context) ([]models.Webhook, error) {
	body, err := c.do(ctx, "list webhooks", http.MethodGet, "/webhooks", nil)
	if err != nil {
		return nil, err
	}

	docs, err := decodeList[models.WebhookDoc](body, "webhooks")
	if err != nil {
		return nil, fmt.Errorf("failed to decode webhooks: %w", err)
	}

	webhooks := make([]models.Webhook, 0, len(docs))
	for i := range docs {
		webhooks = append(webhooks, docs[i].ToWebhook())
	}
	return webhooks, nil
}

// CreateWebhook 创建回调配置
func (c *Client) CreateWebhook(ctx context.Context, webhook models.Webhook) (*models.Webhook, error) {
	body, err := c.do(ctx, "create webhook", http.MethodPost, "/webhooks", map[string]any{
		"name":   webhook.Name,
		"url":    webhook.URL,
		"events": webhook.Events,
		"secret": webhook.Secret,
	})
	if err != nil {
		return nil, err
	}

	var doc models.WebhookDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode created webhook: %w", err)
	}
	created := doc.ToWebhook()
	return &created, nil
}

// UpdateWebhook 更新回调配置
func (c *Client) UpdateWebhook(ctx context.Context, webhookID string, fields map[string]any) error {
	_, err := c.do(ctx, "update webhook", http.MethodPatch, "/webhooks/"+webhookID, fields)
	return err
}

// DeleteWebhook 删除回调配置
func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	_, err := c.do(ctx, "delete webhook", http.MethodDelete, "/webhooks/"+webhookID, nil)
	return err
}

// decodeList 解析列表响应
// 后端不同版本混用裸数组与 {<field>: [...]} 两种包装，两种都接受
func decodeList[T any](body []byte, field string) ([]T, error) {
	var items []T
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("unexpected list payload")
	}
	raw, ok := wrapped[field]
	if !ok {
		// 空响应按空列表处理
		return nil, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unexpected %s payload: %w", field, err)
	}
	return items, nil
}
