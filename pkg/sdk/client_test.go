package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kioskhub/kioskhub/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitTimeout = 2 * time.Second

// mockHub accepts sdk connections and records every frame they send.
type mockHub struct {
	t        *testing.T
	srv      *httptest.Server
	received chan *shared.Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newMockHub(t *testing.T) *mockHub {
	t.Helper()
	m := &mockHub{t: t, received: make(chan *shared.Envelope, 256)}
	upgrader := websocket.Upgrader{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := shared.UnmarshalEnvelope(data)
			if err != nil {
				continue
			}
			m.received <- env
		}
	}))
	t.Cleanup(m.close)
	return m
}

func (m *mockHub) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

// push writes a frame to the most recent connection.
func (m *mockHub) push(msgType shared.MessageType, requestID string, payload interface{}) {
	m.t.Helper()
	env, err := shared.NewEnvelope(string(msgType), payload)
	require.NoError(m.t, err)
	env.RequestID = requestID
	data, err := shared.MarshalEnvelope(env)
	require.NoError(m.t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(m.t, m.conns, "no sdk connection")
	require.NoError(m.t, m.conns[len(m.conns)-1].WriteMessage(websocket.TextMessage, data))
}

// next returns the next frame of msgType, skipping others.
func (m *mockHub) next(msgType shared.MessageType) *shared.Envelope {
	m.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case env := <-m.received:
			if env.Type == string(msgType) {
				return env
			}
		case <-deadline:
			m.t.Fatalf("timed out waiting for %s", msgType)
			return nil
		}
	}
}

func (m *mockHub) dropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.Close()
	}
	m.conns = nil
}

func (m *mockHub) close() {
	m.dropAll()
	m.srv.Close()
}

func connectClient(t *testing.T, m *mockHub, deviceType string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLogger(zap.NewNop()),
		WithBackoff(&Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}),
		WithHeartbeatInterval(0),
	}, opts...)
	c := New(m.url(), deviceType, opts...)
	c.Connect(context.Background())
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	m.next(shared.MessageTypeRegister)
	return c
}

func decode(t *testing.T, env *shared.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, env.DecodePayload(v))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for handler")
	}
	var zero T
	return zero
}

func TestNewGeneratesInstanceID(t *testing.T) {
	c := New("ws://unused", "timer")
	assert.True(t, strings.HasPrefix(c.InstanceID(), "timer-"))
	assert.Equal(t, "timer", c.DeviceType())
	assert.False(t, c.IsConnected())
}

func TestClientRegistersWithMetadata(t *testing.T) {
	m := newMockHub(t)
	c := New(m.url(), "timer",
		WithInstanceID("timer-1"),
		WithMetadata(map[string]interface{}{"room": "b"}),
		WithHeartbeatInterval(0),
	)
	c.Connect(context.Background())
	t.Cleanup(func() { c.Close() })

	var p shared.RegisterPayload
	decode(t, m.next(shared.MessageTypeRegister), &p)
	assert.Equal(t, "timer", p.Device)
	assert.Equal(t, "timer-1", p.InstanceID)
	assert.Equal(t, shared.TransportSocket, p.Transport)
	assert.Equal(t, Version, p.Metadata["sdkVersion"])
	assert.Equal(t, "b", p.Metadata["room"])
}

func TestClientAnswersPing(t *testing.T) {
	m := newMockHub(t)
	connectClient(t, m, "timer")

	m.push(shared.MessageTypePing, "", shared.PingPayload{PingID: "p1", SentAt: 1234})

	var pong shared.PongPayload
	decode(t, m.next(shared.MessageTypePong), &pong)
	assert.Equal(t, "p1", pong.PingID)
	assert.Equal(t, int64(1234), pong.SentAt)
	assert.Positive(t, pong.RespondedAt)
}

func TestClientSendsHeartbeats(t *testing.T) {
	m := newMockHub(t)
	connectClient(t, m, "timer", WithHeartbeatInterval(20*time.Millisecond))

	var hb shared.HeartbeatPayload
	decode(t, m.next(shared.MessageTypeHeartbeat), &hb)
	assert.Positive(t, hb.At)
}

func TestClientRecoversHandlerPanic(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "photobooth")

	got := make(chan json.RawMessage, 4)
	c.Direct().On("photobooth:show", func(json.RawMessage) { panic("boom") })
	c.Direct().On("photobooth:show", func(p json.RawMessage) { got <- p })

	m.push("photobooth:show", "", map[string]int{"n": 1})
	assert.JSONEq(t, `{"n":1}`, string(receive(t, got)))

	m.push("photobooth:show", "", map[string]int{"n": 2})
	assert.JSONEq(t, `{"n":2}`, string(receive(t, got)))
	assert.True(t, c.IsConnected())
}

func TestClientResetSkipsOwnEcho(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "console", WithInstanceID("console-1"))

	got := make(chan ResetEvent, 4)
	c.OnReset(func(ev ResetEvent) { got <- ev })

	require.NoError(t, c.Reset("round over", map[string]interface{}{"by": "gm"}))
	var sent shared.ResetPayload
	decode(t, m.next(shared.MessageTypeReset), &sent)
	assert.Equal(t, "console-1", sent.SourceInstanceID)
	assert.Equal(t, "console", sent.Source)
	assert.Equal(t, "round over", sent.Reason)

	m.push(shared.MessageTypeReset, "", sent)
	m.push(shared.MessageTypeReset, "", shared.ResetPayload{
		Reason:           "manual",
		Source:           "http",
		SourceInstanceID: "",
	})

	ev := receive(t, got)
	assert.Equal(t, "manual", ev.Reason)
	assert.Equal(t, "http", ev.Source)
}

func TestDevicesListRequest(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "console")

	type result struct {
		devices []DeviceInfo
		err     error
	}
	done := make(chan result, 1)
	go func() {
		devices, err := c.Devices().List(context.Background())
		done <- result{devices, err}
	}()

	req := m.next(shared.MessageTypeDevicesList)
	require.NotEmpty(t, req.RequestID)
	m.push(shared.MessageTypeDevicesList, req.RequestID, []map[string]interface{}{
		{"deviceType": "timer", "instanceId": "t1", "status": "online", "latencyMs": 12},
	})

	res := receive(t, done)
	require.NoError(t, res.err)
	require.Len(t, res.devices, 1)
	assert.Equal(t, "timer", res.devices[0].DeviceType)
	assert.True(t, res.devices[0].Online())
	require.NotNil(t, res.devices[0].LatencyMs)
	assert.Equal(t, int64(12), *res.devices[0].LatencyMs)
}

func TestRequestErrorBecomesHubError(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "console")

	done := make(chan error, 1)
	go func() {
		_, err := c.Devices().List(context.Background())
		done <- err
	}()

	req := m.next(shared.MessageTypeDevicesList)
	m.push(shared.MessageTypeError, req.RequestID, shared.ErrorPayload{Type: "devices:list", Message: "nope"})

	err := receive(t, done)
	var hubErr *HubError
	require.True(t, errors.As(err, &hubErr))
	assert.Equal(t, "nope", hubErr.Message)
}

func TestDevicesOnChange(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "console")

	got := make(chan []DeviceInfo, 1)
	c.Devices().OnChange(func(d []DeviceInfo) { got <- d })

	m.push(shared.MessageTypeDevicesList, "", []map[string]interface{}{
		{"deviceType": "photobooth", "instanceId": "l1", "status": "offline"},
	})
	devices := receive(t, got)
	require.Len(t, devices, 1)
	assert.False(t, devices[0].Online())
}

func TestUnsolicitedErrorGoesToOnError(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "console")

	got := make(chan *HubError, 1)
	c.OnError(func(e *HubError) { got <- e })

	m.push(shared.MessageTypeError, "", shared.ErrorPayload{Type: "direct:execute", Message: "unknown command"})
	e := receive(t, got)
	assert.Equal(t, "direct:execute", e.Type)
}

func TestStorageSubscriptionsFilterLocally(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "scoreboard")

	scores := make(chan StorageUpdate, 4)
	all := make(chan StorageUpdate, 4)

	_, err := c.Storage().Subscribe(func(u StorageUpdate) { scores <- u }, "score")
	require.NoError(t, err)
	var sub shared.StorageSubscribePayload
	decode(t, m.next(shared.MessageTypeStorageSubscribe), &sub)
	assert.Equal(t, []string{"score"}, sub.Keys)

	_, err = c.Storage().Subscribe(func(u StorageUpdate) { all <- u })
	require.NoError(t, err)
	sub = shared.StorageSubscribePayload{}
	decode(t, m.next(shared.MessageTypeStorageSubscribe), &sub)
	assert.Empty(t, sub.Keys)

	state := map[string]json.RawMessage{
		"score": json.RawMessage(`10`),
		"lives": json.RawMessage(`3`),
	}
	m.push(shared.MessageTypeStorageUpdate, "", shared.StorageUpdatePayload{State: state, ChangedKeys: []string{"lives"}})
	m.push(shared.MessageTypeStorageUpdate, "", shared.StorageUpdatePayload{State: state, ChangedKeys: []string{"score"}})

	first := receive(t, all)
	assert.Equal(t, []string{"lives"}, first.ChangedKeys)
	assert.Len(t, first.State, 2)
	receive(t, all)

	u := receive(t, scores)
	assert.Equal(t, []string{"score"}, u.ChangedKeys)
	assert.Equal(t, map[string]json.RawMessage{"score": json.RawMessage(`10`)}, u.State)
}

func TestStorageSnapshotReachesOnlyNewSubscription(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "scoreboard")

	scores := make(chan StorageUpdate, 4)
	lives := make(chan StorageUpdate, 4)
	state := map[string]json.RawMessage{
		"score": json.RawMessage(`10`),
		"lives": json.RawMessage(`3`),
	}

	_, err := c.Storage().Subscribe(func(u StorageUpdate) { scores <- u }, "score")
	require.NoError(t, err)
	m.next(shared.MessageTypeStorageSubscribe)
	m.push(shared.MessageTypeStorageUpdate, "", shared.StorageUpdatePayload{State: state})
	snap := receive(t, scores)
	assert.Empty(t, snap.ChangedKeys)

	_, err = c.Storage().Subscribe(func(u StorageUpdate) { lives <- u }, "lives")
	require.NoError(t, err)
	m.next(shared.MessageTypeStorageSubscribe)
	m.push(shared.MessageTypeStorageUpdate, "", shared.StorageUpdatePayload{State: state})
	snap = receive(t, lives)
	assert.Equal(t, map[string]json.RawMessage{"lives": json.RawMessage(`3`)}, snap.State)

	m.push(shared.MessageTypeStorageUpdate, "", shared.StorageUpdatePayload{State: state, ChangedKeys: []string{"score"}})
	u := receive(t, scores)
	assert.Equal(t, []string{"score"}, u.ChangedKeys, "the second snapshot must not be repeated to the first subscription")

	m.dropAll()
	m.next(shared.MessageTypeStorageSubscribe)
	m.push(shared.MessageTypeStorageUpdate, "", shared.StorageUpdatePayload{State: state})
	assert.Empty(t, receive(t, scores).ChangedKeys)
	assert.Empty(t, receive(t, lives).ChangedKeys)
}

func TestStorageUnsubscribeLast(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "scoreboard")

	unsubscribe, err := c.Storage().Subscribe(func(StorageUpdate) {}, "score")
	require.NoError(t, err)
	m.next(shared.MessageTypeStorageSubscribe)

	unsubscribe()
	m.next(shared.MessageTypeStorageUnsubscribe)
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "scoreboard", WithInstanceID("sb-1"))

	_, err := c.Storage().Subscribe(func(StorageUpdate) {}, "score", "lives")
	require.NoError(t, err)
	m.next(shared.MessageTypeStorageSubscribe)

	m.dropAll()

	var reg shared.RegisterPayload
	decode(t, m.next(shared.MessageTypeRegister), &reg)
	assert.Equal(t, "sb-1", reg.InstanceID)

	var sub shared.StorageSubscribePayload
	decode(t, m.next(shared.MessageTypeStorageSubscribe), &sub)
	assert.Equal(t, []string{"lives", "score"}, sub.Keys)
}

func TestStorageModify(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "scoreboard")

	require.NoError(t, c.Storage().Modify(map[string]interface{}{"score": 5}, Persist()))
	var p shared.StorageModifyPayload
	decode(t, m.next(shared.MessageTypeStorageModify), &p)
	assert.True(t, p.Persist)
	assert.JSONEq(t, `5`, string(p.Patch["score"]))

	require.NoError(t, c.Storage().Modify(map[string]interface{}{"name": "x"}, PersistKeys("name")))
	p = shared.StorageModifyPayload{}
	decode(t, m.next(shared.MessageTypeStorageModify), &p)
	assert.False(t, p.Persist)
	assert.Equal(t, []string{"name"}, p.PersistKeys)
}

func TestStatusCommands(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "console")

	require.NoError(t, c.Status().Start(StatusOptions{Note: "go", Operator: "gm", DurationSeconds: 600}))
	var p shared.StatusCommandPayload
	decode(t, m.next(shared.MessageTypeStatusStart), &p)
	assert.Equal(t, "go", p.Note)
	assert.Equal(t, "gm", p.Operator)
	require.NotNil(t, p.DurationSeconds)
	assert.Equal(t, 600.0, *p.DurationSeconds)

	require.NoError(t, c.Status().Pause(StatusOptions{}))
	p = shared.StatusCommandPayload{}
	decode(t, m.next(shared.MessageTypeStatusPause), &p)
	assert.Nil(t, p.DurationSeconds)

	require.NoError(t, c.Status().Restart(StatusOptions{}))
	m.next(shared.MessageTypeStatusRestart)
	require.NoError(t, c.Status().Win(StatusOptions{Note: "escaped"}))
	m.next(shared.MessageTypeStatusWin)
}

func TestStatusOnChange(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "timer")

	got := make(chan StatusSnapshot, 2)
	_, err := c.Status().OnChange(func(s StatusSnapshot) { got <- s })
	require.NoError(t, err)

	var sub shared.StorageSubscribePayload
	decode(t, m.next(shared.MessageTypeStorageSubscribe), &sub)
	assert.Equal(t, []string{"status", "timer"}, sub.Keys)

	m.push(shared.MessageTypeStorageUpdate, "", shared.StorageUpdatePayload{
		State: map[string]json.RawMessage{
			"status": json.RawMessage(`{"phase":"running","at":1}`),
			"timer":  json.RawMessage(`{"totalMs":600000,"remainingMs":599000,"startedAt":1,"phase":"running"}`),
		},
		ChangedKeys: []string{"status", "timer"},
	})

	snap := receive(t, got)
	assert.Equal(t, "running", snap.Status.Phase)
	assert.Equal(t, int64(599000), snap.Timer.RemainingMs)
}

func TestDirectExecute(t *testing.T) {
	m := newMockHub(t)
	c := connectClient(t, m, "console", WithInstanceID("console-1"))

	require.NoError(t, c.Direct().Execute("photobooth", "show", map[string]string{"slide": "intro"}, ToInstance("l1")))

	var p shared.DirectExecutePayload
	decode(t, m.next(shared.MessageTypeDirectExecute), &p)
	assert.Equal(t, "photobooth", p.Target)
	assert.Equal(t, "show", p.Command)
	assert.Equal(t, "console", p.Source)
	assert.Equal(t, "console-1", p.SourceInstanceID)
	assert.Equal(t, "l1", p.TargetInstanceID)
	assert.JSONEq(t, `{"slide":"intro"}`, string(p.Payload))
}

func TestSendWithoutConnection(t *testing.T) {
	c := New("ws://unused", "console")
	err := c.Direct().Execute("photobooth", "show", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Devices().List(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}
