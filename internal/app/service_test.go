package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deadman/internal/clock"
	"deadman/internal/config"
	"deadman/internal/metrics"
	"deadman/internal/notify"
	"deadman/internal/state"

	"github.com/gin-gonic/gin"
)

const serviceConfig = `[heartbeat]
interval_sec = 3600

[rule.digest]
merchant = "acme"
name = "Weekly digest"
subject_pattern = "weekly digest*"
expected_interval_minutes = 60
dead_after_minutes = 120
`

func loadTestConfig(t *testing.T, body string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deadman.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadSnapshot(config.ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestServiceServesHitsAndShutsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := loadTestConfig(t, serviceConfig)
	clk := clock.NewManual(testStart)
	store := state.NewMemoryStore(clk.Now)
	sender := &fakeSender{}
	svc, err := newService(context.Background(), cfg, store, notify.NewDispatcherWithSenders(discardLogger(), sender), clk, discardLogger(), metrics.New())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.serve(ctx, listener) }()

	base := "http://" + listener.Addr().String()
	client := &http.Client{Timeout: 2 * time.Second}
	waitFor(t, 3*time.Second, func() bool {
		response, err := client.Get(base + "/readyz")
		if err != nil {
			return false
		}
		_ = response.Body.Close()
		return response.StatusCode == http.StatusOK
	}, "readiness")

	// Run-on-start heartbeat pass writes the first log.
	waitFor(t, 3*time.Second, func() bool {
		logs, _ := store.ListHeartbeatLogs(context.Background(), 0)
		return len(logs) >= 1
	}, "first heartbeat pass")

	response, err := client.Post(base+"/hits", "application/json", strings.NewReader(`{"merchant":"acme","subject":"Weekly digest #42"}`))
	if err != nil {
		t.Fatalf("post hit: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", response.StatusCode)
	}
	record, err := store.GetSignal(context.Background(), "digest")
	if err != nil || record.LastSeenAt == nil || !record.LastSeenAt.Equal(testStart) {
		t.Fatalf("hit must be recorded at clock time, got %+v err=%v", record, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
	if svc.readyFlag.Load() {
		t.Fatalf("service must not be ready after shutdown")
	}
}

func TestNewServiceSeedsConfiguredRules(t *testing.T) {
	cfg := loadTestConfig(t, serviceConfig)
	clk := clock.NewManual(testStart)
	store := state.NewMemoryStore(clk.Now)

	svc, err := newService(context.Background(), cfg, store, notify.NewDispatcherWithSenders(discardLogger()), clk, discardLogger(), metrics.New())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	status, err := svc.Monitor().SignalStatus(context.Background(), "digest")
	if err != nil {
		t.Fatalf("seeded rule status: %v", err)
	}
	if status.Rule.Name != "Weekly digest" || !status.Rule.Enabled {
		t.Fatalf("unexpected seeded rule %+v", status.Rule)
	}
}

func TestRunHeartbeatChainsRatioPass(t *testing.T) {
	cfg := loadTestConfig(t, serviceConfig+`
[rule.receipt]
merchant = "acme"
name = "Receipt"
subject_pattern = "receipt*"
expected_interval_minutes = 60
dead_after_minutes = 120

[ratio_monitor.digest-receipt]
name = "Digest to receipt"
first_rule = "digest"
second_rule = "receipt"
threshold_percent = 50
time_window = "1h"
`)
	clk := clock.NewManual(testStart)
	store := state.NewMemoryStore(clk.Now)
	svc, err := newService(context.Background(), cfg, store, notify.NewDispatcherWithSenders(discardLogger()), clk, discardLogger(), metrics.New())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := svc.runHeartbeat(context.Background()); err != nil {
		t.Fatalf("run heartbeat: %v", err)
	}
	alerts, _ := store.ListRatioAlerts(context.Background(), "digest-receipt", 0)
	if len(alerts) != 1 {
		t.Fatalf("ratio pass must run after heartbeat when it has no own interval, got %d alerts", len(alerts))
	}
}
