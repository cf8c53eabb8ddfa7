package service

import (
	"context"
	"fmt"
	"time"

	"thingsnxt-sync/internal/config"
	"thingsnxt-sync/internal/gateway"
	"thingsnxt-sync/internal/models"
	"thingsnxt-sync/internal/normalizer"
	"thingsnxt-sync/internal/realtime"
	"thingsnxt-sync/internal/reconciler"
	"thingsnxt-sync/internal/session"
	"thingsnxt-sync/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SyncService 设备状态同步服务
// 装配全部组件并驱动同步主流程：
// 恢复会话 → REST 快照播种 → 建立实时通道 → 周期性 REST 刷新，
// 两条路径并发写入 reconciler，由其合并规则保证一致。
// 状态每次变更后写入快照缓存，供同机其他进程读取本地镜像
type SyncService struct {
	config      *config.Config
	logger      *zap.Logger
	redisClient *redis.Client
	kv          store.KVStore
	sessions    *session.Store
	api         *gateway.Client
	manager     *realtime.Manager
	rec         *reconciler.Reconciler
	snapshots   *store.SnapshotCache
	prefs       *store.Preferences

	runCtx context.Context
	cancel context.CancelFunc
}

// NewSyncService 创建同步服务
func NewSyncService(cfg *config.Config, logger *zap.Logger) (*SyncService, error) {
	// 初始化 Redis（会话凭证、偏好、状态快照的本地持久化）
	redisClient := store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := store.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	kv := store.NewRedisKVStore(redisClient)

	sessions := session.NewStore(kv, logger)
	api := gateway.NewClient(cfg.API.BaseURL, time.Duration(cfg.API.Timeout)*time.Second, sessions, logger)
	rec := reconciler.NewReconciler(time.Duration(cfg.Sync.LivenessWindow)*time.Second, logger)

	// 推送传输选择是配置问题，不进入核心逻辑分支
	var transport realtime.Transport
	switch cfg.Realtime.Transport {
	case config.TransportStream:
		transport = realtime.NewStreamTransport(cfg.Realtime.StreamURL)
	default:
		transport = realtime.NewWebSocketTransport(cfg.Realtime.WSURL)
	}

	manager := realtime.NewManager(
		transport,
		normalizer.NewNormalizer(logger),
		rec.Apply,
		time.Duration(cfg.Realtime.HeartbeatInterval)*time.Second,
		time.Duration(cfg.Realtime.ReconnectDelay)*time.Second,
		logger,
	)

	// 登出时同步关闭通道，抑制自动重连
	sessions.SetCloseHook(manager.Close)

	s := &SyncService{
		config:      cfg,
		logger:      logger,
		redisClient: redisClient,
		kv:          kv,
		sessions:    sessions,
		api:         api,
		manager:     manager,
		rec:         rec,
		snapshots:   store.NewSnapshotCache(kv, time.Duration(cfg.Sync.SnapshotTTL)*time.Second, logger),
		prefs:       store.NewPreferences(kv),
	}

	// 401 刷新失败的集中处理：销毁会话并清空本地状态
	api.SetExpiredHandler(s.handleSessionExpired)

	return s, nil
}

// Start 启动服务（阻塞，直到 ctx 取消）
// 存在持久化会话时自动恢复并开始同步；否则等待 Login 触发
func (s *SyncService) Start(ctx context.Context) error {
	s.runCtx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("Starting sync service",
		zap.String("api_base_url", s.config.API.BaseURL),
		zap.String("transport", s.config.Realtime.Transport),
	)

	go s.snapshotLoop(s.runCtx)

	sess, err := s.sessions.Restore(s.runCtx)
	if err != nil {
		s.logger.Error("Failed to restore session", zap.Error(err))
	} else if sess != nil {
		s.bootstrap(s.runCtx)
	}

	return s.refreshLoop(s.runCtx)
}

// Stop 停止服务
func (s *SyncService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sync service")

	if s.cancel != nil {
		s.cancel()
	}
	s.manager.Close("shutdown")

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Error closing redis connection", zap.Error(err))
		}
	}

	s.logger.Info("Sync service stopped")
	return nil
}

// Login 登录并开始同步
func (s *SyncService) Login(ctx context.Context, username, password string) error {
	sess, err := s.api.Login(ctx, username, password)
	if err != nil {
		return err
	}
	if err := s.sessions.Establish(ctx, sess); err != nil {
		return err
	}

	s.bootstrap(s.syncCtx(ctx))
	return nil
}

// Signup 注册并开始同步
func (s *SyncService) Signup(ctx context.Context, username, password string) error {
	sess, err := s.api.Signup(ctx, username, password)
	if err != nil {
		return err
	}
	if err := s.sessions.Establish(ctx, sess); err != nil {
		return err
	}

	s.bootstrap(s.syncCtx(ctx))
	return nil
}

// Logout 登出
// 会话销毁同步关闭实时通道；本地状态清空并推进世代，
// 迟到的 REST 响应不会复活已登出会话的状态
func (s *SyncService) Logout(ctx context.Context) error {
	if err := s.sessions.Clear(ctx, "logout"); err != nil {
		return err
	}
	s.rec.Reset()
	if err := s.snapshots.Clear(ctx); err != nil {
		s.logger.Error("Failed to clear state snapshot", zap.Error(err))
	}

	s.logger.Info("Logout completed")
	return nil
}

// handleSessionExpired 认证失效（401 且刷新失败）的集中处理
func (s *SyncService) handleSessionExpired(ctx context.Context) {
	s.logger.Warn("Session expired, tearing down")

	if err := s.sessions.Clear(ctx, "session expired"); err != nil {
		s.logger.Error("Failed to clear expired session", zap.Error(err))
	}
	s.rec.Reset()
	if err := s.snapshots.Clear(ctx); err != nil {
		s.logger.Error("Failed to clear state snapshot", zap.Error(err))
	}
}

// bootstrap 会话建立后的初始同步：播种设备与组件，建立实时通道
func (s *SyncService) bootstrap(ctx context.Context) {
	s.refreshDevices(ctx)
	s.refreshWidgets(ctx)

	if err := s.manager.Connect(ctx, s.sessions.Token()); err != nil {
		// 管理器已排程重连
		s.logger.Warn("Initial realtime connect failed", zap.Error(err))
	}
}

// refreshLoop 周期性 REST 全量刷新
// 与实时事件并发写入同一状态，合并规则保证刷新不覆盖更新的遥测
func (s *SyncService) refreshLoop(ctx context.Context) error {
	interval := time.Duration(s.config.Sync.RefreshInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting periodic refresh",
		zap.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.sessions.Current() == nil {
				continue
			}
			s.refreshDevices(ctx)
		}
	}
}

// refreshDevices 拉取设备快照并播种
// 世代号在拉取前取得，登出后迟到的响应会被 reconciler 丢弃
func (s *SyncService) refreshDevices(ctx context.Context) {
	gen := s.rec.Generation()

	devices, err := s.api.GetDevices(ctx)
	if err != nil {
		s.logger.Error("Failed to fetch device snapshot", zap.Error(err))
		return
	}
	s.rec.SeedDevices(gen, devices)
}

// refreshWidgets 拉取全部仪表盘的组件并播种
func (s *SyncService) refreshWidgets(ctx context.Context) {
	gen := s.rec.Generation()

	dashboards, err := s.api.GetDashboards(ctx)
	if err != nil {
		s.logger.Error("Failed to fetch dashboards", zap.Error(err))
		return
	}

	for _, dashboard := range dashboards {
		widgets, err := s.api.GetWidgets(ctx, dashboard.ID)
		if err != nil {
			s.logger.Error("Failed to fetch widgets",
				zap.String("dashboard_id", dashboard.ID),
				zap.Error(err),
			)
			continue
		}
		s.rec.SeedWidgets(gen, dashboard.ID, widgets)
	}
}

// snapshotLoop 状态变更后写出快照缓存
func (s *SyncService) snapshotLoop(ctx context.Context) {
	changes := s.rec.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			if err := s.snapshots.UpdateDevices(ctx, s.rec.Devices()); err != nil {
				s.logger.Error("Failed to update device snapshot", zap.Error(err))
			}
			if err := s.snapshots.UpdateWidgets(ctx, s.rec.Widgets()); err != nil {
				s.logger.Error("Failed to update widget snapshot", zap.Error(err))
			}
		}
	}
}

// syncCtx 返回服务运行上下文（服务未 Start 时退回调用方上下文）
func (s *SyncService) syncCtx(fallback context.Context) context.Context {
	if s.runCtx != nil {
		return s.runCtx
	}
	return fallback
}

// ---- 状态读取 ----

// Devices 当前设备集合（派生在线状态）
func (s *SyncService) Devices() []models.Device {
	return s.rec.Devices()
}

// Device 按标识查找设备
func (s *SyncService) Device(id string) (models.Device, bool) {
	return s.rec.Device(id)
}

// Widgets 当前有效组件集合
func (s *SyncService) Widgets() []models.Widget {
	return s.rec.Widgets()
}

// Session 当前会话
func (s *SyncService) Session() *models.Session {
	return s.sessions.Current()
}

// ---- 设备/组件操作（写操作先经后端确认，再更新本地） ----

// CreateDevice 创建设备
func (s *SyncService) CreateDevice(ctx context.Context, name, deviceType string) (*models.Device, error) {
	device, err := s.api.CreateDevice(ctx, name, deviceType)
	if err != nil {
		return nil, err
	}
	s.rec.SeedDevices(s.rec.Generation(), []models.Device{*device})
	return device, nil
}

// UpdateDevice 更新设备属性
func (s *SyncService) UpdateDevice(ctx context.Context, deviceID string, fields map[string]any) error {
	return s.api.UpdateDevice(ctx, deviceID, fields)
}

// DeleteDevice 删除设备（后端删除成功才移除本地记录，无乐观删除）
func (s *SyncService) DeleteDevice(ctx context.Context, deviceID string) error {
	if err := s.api.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}
	s.rec.RemoveDevice(deviceID)
	return nil
}

// CreateWidget 创建组件
func (s *SyncService) CreateWidget(ctx context.Context, dashboardID string, widget models.Widget) (*models.Widget, error) {
	created, err := s.api.CreateWidget(ctx, dashboardID, widget)
	if err != nil {
		return nil, err
	}
	s.rec.Apply(models.Event{Type: models.EventWidgetUpdate, Widget: created})
	return created, nil
}

// UpdateWidget 更新组件配置
func (s *SyncService) UpdateWidget(ctx context.Context, widgetID string, fields map[string]any) error {
	return s.api.UpdateWidget(ctx, widgetID, fields)
}

// DeleteWidget 删除组件（后端删除成功才移除本地记录）
func (s *SyncService) DeleteWidget(ctx context.Context, widgetID string) error {
	if err := s.api.DeleteWidget(ctx, widgetID); err != nil {
		return err
	}
	s.rec.RemoveWidget(widgetID)
	return nil
}

// GetDashboards 拉取仪表盘列表
func (s *SyncService) GetDashboards(ctx context.Context) ([]models.Dashboard, error) {
	return s.api.GetDashboards(ctx)
}

// CreateDashboard 创建仪表盘
func (s *SyncService) CreateDashboard(ctx context.Context, name, dashboardType string) (*models.Dashboard, error) {
	return s.api.CreateDashboard(ctx, name, dashboardType)
}

// LoadDashboard 拉取指定仪表盘的组件并播种
func (s *SyncService) LoadDashboard(ctx context.Context, dashboardID string) error {
	gen := s.rec.Generation()
	widgets, err := s.api.GetWidgets(ctx, dashboardID)
	if err != nil {
		return err
	}
	s.rec.SeedWidgets(gen, dashboardID, widgets)
	return nil
}

// ---- 遥测 ----

// GetLatestTelemetry 按设备令牌拉取最新遥测
func (s *SyncService) GetLatestTelemetry(ctx context.Context, deviceToken string) (map[string]any, error) {
	return s.api.GetLatestTelemetry(ctx, deviceToken)
}

// PushTelemetry 代设备上报遥测
func (s *SyncService) PushTelemetry(ctx context.Context, deviceToken string, data map[string]any) error {
	return s.api.PushTelemetry(ctx, deviceToken, data)
}

// ---- Webhook ----

// ListWebhooks 拉取回调配置
func (s *SyncService) ListWebhooks(ctx context.Context) ([]models.Webhook, error) {
	return s.api.ListWebhooks(ctx)
}

// CreateWebhook 创建回调配置
func (s *SyncService) CreateWebhook(ctx context.Context, webhook models.Webhook) (*models.Webhook, error) {
	return s.api.CreateWebhook(ctx, webhook)
}

// UpdateWebhook 更新回调配置
func (s *SyncService) UpdateWebhook(ctx context.Context, webhookID string, fields map[string]any) error {
	return s.api.UpdateWebhook(ctx, webhookID, fields)
}

// DeleteWebhook 删除回调配置
func (s *SyncService) DeleteWebhook(ctx context.Context, webhookID string) error {
	return s.api.DeleteWebhook(ctx, webhookID)
}

// ---- 偏好 ----

// Theme 读取主题偏好
func (s *SyncService) Theme(ctx context.Context) (string, error) {
	return s.prefs.Theme(ctx)
}

// SetTheme 写入主题偏好
func (s *SyncService) SetTheme(ctx context.Context, theme string) error {
	return s.prefs.SetTheme(ctx, theme)
}
