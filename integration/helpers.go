package integration

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/kioskhub/kioskhub/internal/config"
	"github.com/kioskhub/kioskhub/internal/hub"
	"github.com/kioskhub/kioskhub/internal/storage"
	"github.com/kioskhub/kioskhub/pkg/sdk"
	"go.uber.org/zap"
)

const eventuallyTimeout = 3 * time.Second

type hubHarness struct {
	t   *testing.T
	srv *hub.Server
}

func newHubHarness(t *testing.T) *hubHarness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Storage.PersistPath = filepath.Join(dir, "storage.json")
	cfg.Storage.DebounceMS = 5
	cfg.Audit.Enabled = true
	cfg.Status.DefaultDurationSec = 600

	db, err := storage.Open(filepath.Join(dir, "hub.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv, err := hub.NewServer(cfg, db, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &hubHarness{t: t, srv: srv}
}

func (h *hubHarness) baseURL(scheme string) string {
	port := h.srv.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("%s://127.0.0.1:%d", scheme, port)
}

// connect starts an sdk client and waits until the hub lists it online.
func (h *hubHarness) connect(deviceType, instanceID string, opts ...sdk.Option) *sdk.Client {
	h.t.Helper()
	opts = append([]sdk.Option{
		sdk.WithInstanceID(instanceID),
		sdk.WithHeartbeatInterval(50 * time.Millisecond),
	}, opts...)
	c := sdk.New(h.baseURL("ws")+"/ws", deviceType, opts...)
	c.Connect(context.Background())
	h.t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), eventuallyTimeout)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		h.t.Fatalf("%s/%s did not connect: %v", deviceType, instanceID, err)
	}
	h.waitOnline(deviceType, instanceID)
	return c
}

func (h *hubHarness) waitOnline(deviceType, instanceID string) {
	h.t.Helper()
	waitFor(h.t, func() bool {
		for _, d := range h.srv.Coordinator().Registry.List() {
			if d.DeviceType == deviceType && d.InstanceID == instanceID && d.Status == hub.DeviceStatusOnline {
				return true
			}
		}
		return false
	}, fmt.Sprintf("%s/%s online", deviceType, instanceID))
}

func waitFor(t *testing.T, fn func() bool, label string) {
	t.Helper()
	deadline := time.Now().Add(eventuallyTimeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", label)
}

func receive[T any](t *testing.T, ch <-chan T, label string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(eventuallyTimeout):
		t.Fatalf("timed out waiting for %s", label)
	}
	var zero T
	return zero
}
