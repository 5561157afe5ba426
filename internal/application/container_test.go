package application

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hanepo/MQTTScanner/internal/api"
	"github.com/hanepo/MQTTScanner/internal/broker"
	"github.com/hanepo/MQTTScanner/internal/capture"
	"github.com/hanepo/MQTTScanner/internal/config"
	sharedErrors "github.com/hanepo/MQTTScanner/internal/shared/errors"
	"go.uber.org/zap/zaptest"
)

// insecureOnlyDialer answers on the plaintext port and refuses TLS.
type insecureOnlyDialer struct{}

func (insecureOnlyDialer) Dial(_ context.Context, endpoint broker.Endpoint, _ capture.DialOptions) (capture.BrokerSession, error) {
	if endpoint.TLSEnabled {
		return nil, sharedErrors.NewEndpointError(sharedErrors.KindConnectionFailure, "connection refused", false, nil)
	}
	return session{}, nil
}

type session struct{}

func (session) Subscribe(_ context.Context, _ string, handler capture.MessageHandler) error {
	handler("sensors/esp32/multi", []byte(`{"temperature":23.5,"humidity":51,"device":"esp32-a"}`), false)
	return nil
}

func (session) Disconnect() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Broker.Username = "dash"
	cfg.Broker.Password = "pw"
	cfg.Capture.PollInterval = time.Millisecond
	cfg.Capture.SettleLoops = 1
	cfg.Capture.MaxLoops = 3
	return &cfg
}

func TestNewContainer_InMemory(t *testing.T) {
	c, err := NewContainer(testConfig(t), Options{Dialer: insecureOnlyDialer{}, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	defer c.Close()

	if c.Registry == nil || c.Orchestrator == nil {
		t.Fatal("expected registry and orchestrator")
	}
	if c.History != nil || c.Remote != nil || c.Notifier != nil {
		t.Fatal("optional integrations should be off by default")
	}
	if got := c.Orchestrator.Config().Secure.Address(); got != "localhost:8883" {
		t.Errorf("unexpected secure endpoint %s", got)
	}
}

func TestNewContainer_PersistentStores(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Storage.StorePath = filepath.Join(dir, "scanner.db")
	cfg.Storage.HistoryPath = filepath.Join(dir, "history.db")

	c, err := NewContainer(cfg, Options{Dialer: insecureOnlyDialer{}, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}

	ctx := context.Background()
	result, err := c.Orchestrator.CaptureLatestSensorData(ctx, true, true, true)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if result.Secure.OK() {
		t.Error("secure endpoint should have failed")
	}
	if len(result.Insecure.Readings) != 1 {
		t.Fatalf("expected one insecure reading, got %d", len(result.Insecure.Readings))
	}

	records, err := c.History.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 1 || records[0].Device != "esp32-a" {
		t.Fatalf("unexpected history %+v", records)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// the bbolt file keeps the registry and cache across restarts
	reopened, err := NewContainer(cfg, Options{Dialer: insecureOnlyDialer{}, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	clients, err := reopened.Registry.Clients(ctx)
	if err != nil {
		t.Fatalf("clients: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected publisher and scanner subscriber, got %+v", clients)
	}
	if _, ok, err := reopened.Orchestrator.CachedResult(ctx); err != nil || !ok {
		t.Fatalf("expected cached result after reopen, ok=%v err=%v", ok, err)
	}
}

func TestNewContainer_BadRemoteURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.URL = "ftp://scanner"

	if _, err := NewContainer(cfg, Options{}); err == nil {
		t.Fatal("expected error for non-http remote url")
	}
}

func TestNewContainer_NATSUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.NATSURL = "nats://127.0.0.1:1"

	c, err := NewContainer(cfg, Options{Dialer: insecureOnlyDialer{}, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	defer c.Close()
	if c.Notifier != nil {
		t.Fatal("notifier should be disabled when nats is unreachable")
	}
}

func TestContainer_ScanService(t *testing.T) {
	c, err := NewContainer(testConfig(t), Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	defer c.Close()

	svc := c.ScanService(insecureOnlyDialer{})
	defer svc.Shutdown()
	job, err := svc.Start(api.ScanRequest{Target: "tcp://broker.local:1883"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Wait()

	got := svc.Jobs().GetJob(job.ID)
	if got == nil || got.Result == nil || len(got.Result.Readings) != 1 {
		t.Fatalf("unexpected job %+v", got)
	}
}
