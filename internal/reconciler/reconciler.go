package reconciler

import (
	"sort"
	"sync"
	"time"

	"thingsnxt-sync/internal/models"

	"go.uber.org/zap"
)

// Reconciler 状态调和器
// 持有设备/组件两个共享集合，REST 快照播种与实时事件并发写入同一份状态。
// 每次变更在锁内一次性完成（读-合并-写不让出），合并规则保证两条路径
// 幂等且与到达顺序无关：
//   - REST 播种保留本地遥测与时间戳，不覆盖更新的实时数据
//   - 状态合并 online 粘滞（任一侧 online 即 online）
//
// 世代计数器防止登出/重置后迟到的 REST 响应复活旧状态
type Reconciler struct {
	mu         sync.Mutex
	devices    map[string]models.Device
	widgets    map[string]models.Widget
	generation uint64
	window     time.Duration
	logger     *zap.Logger
	subs       []chan struct{}
}

// NewReconciler 创建调和器
// window: 在线判定窗口（last_active 距今不超过该窗口视为在线）
func NewReconciler(window time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		devices: make(map[string]models.Device),
		widgets: make(map[string]models.Widget),
		window:  window,
		logger:  logger,
	}
}

// Generation 当前世代号
// REST 拉取开始前取号，播种时带回；重置后旧世代的快照被丢弃
func (r *Reconciler) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Reset 清空全部状态并推进世代（登出时调用）
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]models.Device)
	r.widgets = make(map[string]models.Widget)
	r.generation++
	r.notifyLocked()
}

// Subscribe 返回变更通知通道（容量 1，通知合并不阻塞写入方）
func (r *Reconciler) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Reconciler) notifyLocked() {
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SeedDevices 以 REST 快照播种设备集合（合并式 upsert）
// 已存在的设备保留本地遥测/遥测时间戳，状态按 online 粘滞合并；
// 新设备默认 offline、空遥测。gen 与当前世代不符时整批丢弃
func (r *Reconciler) SeedDevices(gen uint64, snapshot []models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.generation {
		r.logger.Warn("Discarding stale device snapshot",
			zap.Uint64("snapshot_generation", gen),
			zap.Uint64("current_generation", r.generation),
		)
		return
	}

	for _, incoming := range snapshot {
		if incoming.ID == "" {
			continue
		}

		local, exists := r.devices[incoming.ID]
		if !exists {
			if incoming.Status == "" {
				incoming.Status = models.StatusOffline
			}
			if incoming.Telemetry == nil {
				incoming.Telemetry = make(map[string]any)
			}
			r.devices[incoming.ID] = incoming
			continue
		}

		merged := incoming
		// 本地实时数据优先，周期性刷新不得覆盖更新的遥测
		if len(local.Telemetry) > 0 {
			merged.Telemetry = local.Telemetry
		}
		if !local.LastTelemetry.IsZero() {
			merged.LastTelemetry = local.LastTelemetry
		}
		if local.LastActive.After(merged.LastActive) {
			merged.LastActive = local.LastActive
		}
		if local.Status == models.StatusOnline || incoming.Status == models.StatusOnline {
			merged.Status = models.StatusOnline
		} else if merged.Status == "" {
			merged.Status = local.Status
		}
		if merged.Value == nil {
			merged.Value = local.Value
			if merged.Unit == "" {
				merged.Unit = local.Unit
			}
		}
		r.devices[incoming.ID] = merged
	}

	r.notifyLocked()
}

// SeedWidgets 以 REST 快照播种指定仪表盘的组件（整组替换）
func (r *Reconciler) SeedWidgets(gen uint64, dashboardID string, widgets []models.Widget) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.generation {
		r.logger.Warn("Discarding stale widget snapshot",
			zap.String("dashboard_id", dashboardID),
			zap.Uint64("snapshot_generation", gen),
			zap.Uint64("current_generation", r.generation),
		)
		return
	}

	for id, w := range r.widgets {
		if w.DashboardID == dashboardID {
			delete(r.widgets, id)
		}
	}
	for _, w := range widgets {
		if w.ID == "" {
			continue
		}
		if w.DashboardID == "" {
			w.DashboardID = dashboardID
		}
		r.widgets[w.ID] = w
	}

	r.notifyLocked()
}

// Apply 应用一条实时事件，按类型分发
// 未知类型记录日志后忽略，绝不中断消费循环
func (r *Reconciler) Apply(event models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case models.EventTelemetryUpdate:
		r.applyTelemetryLocked(event)
	case models.EventStatusUpdate, models.EventDeviceStatus:
		r.applyStatusLocked(event)
	case models.EventInitialState:
		r.applyInitialStateLocked(event)
	case models.EventWidgetUpdate:
		r.applyWidgetUpdateLocked(event)
	case models.EventDeviceAdded:
		r.applyDeviceAddedLocked(event)
	case models.EventDeviceRemoved:
		r.applyDeviceRemovedLocked(event)
	case models.EventPing, models.EventPong:
		// 保活帧，无状态变更
	default:
		r.logger.Warn("Ignoring event with unknown type",
			zap.String("event_type", event.Type),
		)
	}
}

// applyTelemetryLocked 遥测更新
// 浅合并进 telemetry，刷新活跃时间并强制 online；
// 识别的键投影到顶层展示字段；同设备且订阅了该键的组件同步更新。
// 未知设备只记日志，不回源拉取（防止事件风暴引发无界重拉）
func (r *Reconciler) applyTelemetryLocked(event models.Event) {
	device, ok := r.devices[event.DeviceID]
	if !ok {
		r.logger.Info("Telemetry for unknown device, ignoring",
			zap.String("device_id", event.DeviceID),
		)
		return
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	telemetry := make(map[string]any, len(device.Telemetry)+len(event.Data))
	for k, v := range device.Telemetry {
		telemetry[k] = v
	}
	for k, v := range event.Data {
		telemetry[k] = v
	}

	device.Telemetry = telemetry
	device.LastTelemetry = ts
	device.LastActive = ts
	device.Status = models.StatusOnline

	if v, ok := event.Data["temperature"]; ok {
		device.Value = v
		device.Unit = "°C"
	} else if v, ok := event.Data["humidity"]; ok {
		device.Value = v
		device.Unit = "%"
	} else if v, ok := event.Data["value"]; ok {
		device.Value = v
		device.Unit = ""
	}

	r.devices[event.DeviceID] = device

	for id, w := range r.widgets {
		if w.DeviceID != event.DeviceID {
			continue
		}
		key := w.ConfigKey()
		if key == "" {
			continue
		}
		if v, ok := event.Data[key]; ok {
			w.Value = v
			r.widgets[id] = w
		}
	}

	r.notifyLocked()
}

// applyStatusLocked 状态更新（无匹配设备时忽略）
func (r *Reconciler) applyStatusLocked(event models.Event) {
	device, ok := r.devices[event.DeviceID]
	if !ok {
		return
	}

	if event.Status != "" {
		device.Status = event.Status
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	device.LastActive = ts

	r.devices[event.DeviceID] = device
	r.notifyLocked()
}

// applyInitialStateLocked 权威全量替换（连接建立后服务端下发一次）
// 是替换不是合并：空列表会清空本地集合
func (r *Reconciler) applyInitialStateLocked(event models.Event) {
	r.devices = make(map[string]models.Device, len(event.Devices))
	for _, device := range event.Devices {
		if device.ID == "" {
			continue
		}
		if device.Status == "" {
			device.Status = models.StatusOffline
		}
		if device.Telemetry == nil {
			device.Telemetry = make(map[string]any)
		}
		r.devices[device.ID] = device
	}

	r.logger.Info("Applied authoritative device state",
		zap.Int("device_count", len(r.devices)),
	)
	r.notifyLocked()
}

// applyWidgetUpdateLocked 组件 upsert
func (r *Reconciler) applyWidgetUpdateLocked(event models.Event) {
	if event.Widget == nil || event.Widget.ID == "" {
		r.logger.Warn("widget_update without widget payload, ignoring")
		return
	}

	widget := *event.Widget
	if widget.DashboardID == "" {
		widget.DashboardID = event.DashboardID
	}
	if existing, ok := r.widgets[widget.ID]; ok && widget.DashboardID == "" {
		widget.DashboardID = existing.DashboardID
	}
	r.widgets[widget.ID] = widget
	r.notifyLocked()
}

// applyDeviceAddedLocked 新设备插入（已存在时忽略）
func (r *Reconciler) applyDeviceAddedLocked(event models.Event) {
	if event.Device == nil || event.Device.ID == "" {
		return
	}
	if _, exists := r.devices[event.Device.ID]; exists {
		return
	}

	device := *event.Device
	if device.Status == "" {
		device.Status = models.StatusOffline
	}
	if device.Telemetry == nil {
		device.Telemetry = make(map[string]any)
	}
	r.devices[device.ID] = device
	r.notifyLocked()
}

// applyDeviceRemovedLocked 按标识移除设备
func (r *Reconciler) applyDeviceRemovedLocked(event models.Event) {
	if event.DeviceID == "" {
		return
	}
	if _, exists := r.devices[event.DeviceID]; !exists {
		return
	}
	delete(r.devices, event.DeviceID)
	r.notifyLocked()
}

// Liveness 派生在线状态（纯函数）
// last_active 距 now 不超过窗口视为在线（恰好等于窗口仍为在线）；
// 缺失 last_active 时退回存储的状态提示
func (r *Reconciler) Liveness(device models.Device, now time.Time) string {
	if device.LastActive.IsZero() {
		if device.Status == models.StatusOnline {
			return models.StatusOnline
		}
		return models.StatusOffline
	}
	if now.Sub(device.LastActive) <= r.window {
		return models.StatusOnline
	}
	return models.StatusOffline
}

// Devices 返回设备集合的快照副本，状态为读取时刻派生的权威在线状态
func (r *Reconciler) Devices() []models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	devices := make([]models.Device, 0, len(r.devices))
	for _, device := range r.devices {
		device.Status = r.Liveness(device, now)
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Device 按标识查找设备（状态同样为派生值）
func (r *Reconciler) Device(id string) (models.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return models.Device{}, false
	}
	device.Status = r.Liveness(device, time.Now())
	return device, true
}

// Widgets 返回有效组件集合
// led 组件必须能通过所属设备解析到 device_token，否则从结果中过滤
// （静默降级，不报错）
func (r *Reconciler) Widgets() []models.Widget {
	r.mu.Lock()
	defer r.mu.Unlock()

	widgets := make([]models.Widget, 0, len(r.widgets))
	for _, widget := range r.widgets {
		if widget.Type == models.WidgetTypeLED {
			device, ok := r.devices[widget.DeviceID]
			if !ok || device.DeviceToken == "" {
				continue
			}
		}
		widgets = append(widgets, widget)
	}
	sort.Slice(widgets, func(i, j int) bool { return widgets[i].ID < widgets[j].ID })
	return widgets
}

// RemoveDevice 本地移除设备（后端删除成功后调用）
func (r *Reconciler) RemoveDevice(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[id]; !exists {
		return
	}
	delete(r.devices, id)
	r.notifyLocked()
}

// RemoveWidget 本地移除组件（后端删除成功后调用）
func (r *Reconciler) RemoveWidget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.widgets[id]; !exists {
		return
	}
	delete(r.widgets, id)
	r.notifyLocked()
}
