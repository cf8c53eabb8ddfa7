package realtime_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"thingsnxt-sync/internal/models"
	"thingsnxt-sync/internal/normalizer"
	"thingsnxt-sync/internal/realtime"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport 仅用于单元测试：帧通过通道注入，关闭通道模拟传输断开
type fakeTransport struct {
	mu            sync.Mutex
	frames        chan []byte
	writes        [][]byte
	connects      int
	closes        int
	connectErr    error
	supportsWrite bool
	dropped       bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:        make(chan []byte, 16),
		supportsWrite: true,
	}
}

func (t *fakeTransport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connects++
	if t.connectErr != nil {
		return t.connectErr
	}
	t.frames = make(chan []byte, 16)
	t.dropped = false
	return nil
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	t.mu.Lock()
	frames := t.frames
	t.mu.Unlock()

	frame, ok := <-frames
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.writes = append(t.writes, data)
	return nil
}

func (t *fakeTransport) SupportsWrite() bool {
	return t.supportsWrite
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	t.dropConnection()
	return nil
}

// push 注入一帧
func (t *fakeTransport) push(frame string) {
	t.mu.Lock()
	frames := t.frames
	t.mu.Unlock()
	frames <- []byte(frame)
}

// dropConnection 模拟传输断开（读取端收到 EOF）
// 只关闭当前通道，新通道由 Connect 提供：晚启动的读循环
// 仍会拿到已关闭的通道并观察到断开
func (t *fakeTransport) dropConnection() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dropped {
		return
	}
	t.dropped = true
	select {
	case <-t.frames:
	default:
	}
	close(t.frames)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

func (t *fakeTransport) setConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

func newTestManager(transport realtime.Transport, handler func(models.Event), heartbeat, reconnect time.Duration) *realtime.Manager {
	return realtime.NewManager(
		transport,
		normalizer.NewNormalizer(zap.NewNop()),
		handler,
		heartbeat,
		reconnect,
		zap.NewNop(),
	)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_DeliversNormalizedEvents(t *testing.T) {
	transport := newFakeTransport()
	events := make(chan models.Event, 4)

	m := newTestManager(transport, func(e models.Event) { events <- e }, time.Hour, time.Hour)
	require.NoError(t, m.Connect(context.Background(), "token"))
	defer m.Close("test done")

	transport.push(`{"type": "telemetry_update", "device_id": "d1", "data": {"temperature": 21}}`)

	select {
	case event := <-events:
		require.Equal(t, models.EventTelemetryUpdate, event.Type)
		require.Equal(t, "d1", event.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestManager_ConnectIsIdempotentWhileConnected(t *testing.T) {
	transport := newFakeTransport()
	m := newTestManager(transport, nil, time.Hour, time.Hour)
	defer m.Close("test done")

	require.NoError(t, m.Connect(context.Background(), "token"))
	require.NoError(t, m.Connect(context.Background(), "token"))
	require.NoError(t, m.Connect(context.Background(), "token"))

	require.Equal(t, 1, transport.connectCount())
	require.Equal(t, realtime.StateConnected, m.State())
}

func TestManager_ReconnectsAfterTransportDrop(t *testing.T) {
	transport := newFakeTransport()
	m := newTestManager(transport, nil, time.Hour, 20*time.Millisecond)
	defer m.Close("test done")

	require.NoError(t, m.Connect(context.Background(), "token"))

	transport.dropConnection()

	waitFor(t, func() bool { return transport.connectCount() >= 2 }, "reconnect did not happen")
	waitFor(t, func() bool { return m.State() == realtime.StateConnected }, "channel did not recover")
}

func TestManager_ClosesLostTransportBeforeReconnect(t *testing.T) {
	transport := newFakeTransport()
	m := newTestManager(transport, nil, time.Hour, 20*time.Millisecond)
	defer m.Close("test done")

	require.NoError(t, m.Connect(context.Background(), "token"))
	require.Zero(t, transport.closeCount())

	// 读取失败不保证底层连接已断，旧连接必须显式关闭
	transport.dropConnection()

	waitFor(t, func() bool { return transport.closeCount() >= 1 }, "lost transport was not closed")
	waitFor(t, func() bool { return transport.connectCount() >= 2 }, "reconnect did not happen")
}

func TestManager_CloseSuppressesReconnect(t *testing.T) {
	transport := newFakeTransport()
	m := newTestManager(transport, nil, time.Hour, 20*time.Millisecond)

	require.NoError(t, m.Connect(context.Background(), "token"))
	m.Close("logout")

	time.Sleep(100 * time.Millisecond)

	require.Equal(t, 1, transport.connectCount(), "intentional close must not trigger reconnect")
	require.Equal(t, realtime.StateClosed, m.State())
}

func TestManager_ConnectFailureSchedulesRetry(t *testing.T) {
	transport := newFakeTransport()
	transport.setConnectErr(fmt.Errorf("backend unreachable"))

	m := newTestManager(transport, nil, time.Hour, 20*time.Millisecond)
	defer m.Close("test done")

	require.Error(t, m.Connect(context.Background(), "token"))

	transport.setConnectErr(nil)

	waitFor(t, func() bool { return transport.connectCount() >= 2 }, "retry did not happen")
	waitFor(t, func() bool { return m.State() == realtime.StateConnected }, "channel did not recover")
}

func TestManager_MalformedFramesDropped(t *testing.T) {
	transport := newFakeTransport()
	events := make(chan models.Event, 4)

	m := newTestManager(transport, func(e models.Event) { events <- e }, time.Hour, time.Hour)
	require.NoError(t, m.Connect(context.Background(), "token"))
	defer m.Close("test done")

	transport.push(`not json`)
	transport.push(`{"no_type": true}`)
	transport.push(`{"type": "status_update", "device_id": "d1", "status": "online"}`)

	select {
	case event := <-events:
		require.Equal(t, models.EventStatusUpdate, event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame not delivered")
	}
	require.Empty(t, events, "malformed frames must not reach the handler")
}

func TestManager_HeartbeatOnWritableTransport(t *testing.T) {
	transport := newFakeTransport()
	m := newTestManager(transport, nil, 10*time.Millisecond, time.Hour)

	require.NoError(t, m.Connect(context.Background(), "token"))
	defer m.Close("test done")

	waitFor(t, func() bool { return transport.writeCount() >= 2 }, "heartbeat not sent")

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.JSONEq(t, `{"type":"ping"}`, string(transport.writes[0]))
}

func TestManager_NoHeartbeatOnReadOnlyTransport(t *testing.T) {
	transport := newFakeTransport()
	transport.supportsWrite = false

	m := newTestManager(transport, nil, 10*time.Millisecond, time.Hour)
	require.NoError(t, m.Connect(context.Background(), "token"))
	defer m.Close("test done")

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, transport.writeCount())
}
