package telemetrysdk_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/pkg/telemetrysdk"
)

type testModule struct {
	name     string
	maxLogs  int
	interval time.Duration
	parallel int
	listener telemetry.GroupListener
}

func (m *testModule) GroupName() string { return m.name }
func (m *testModule) BatchPolicy() (int, time.Duration, int) {
	return m.maxLogs, m.interval, m.parallel
}
func (m *testModule) GroupListener() telemetry.GroupListener { return m.listener }

type countingListener struct {
	mu      sync.Mutex
	success int
}

func (c *countingListener) OnBeforeSending(*telemetry.Log) {}
func (c *countingListener) OnFailure(*telemetry.Log, error) {}
func (c *countingListener) OnSuccess(*telemetry.Log) {
	c.mu.Lock()
	c.success++
	c.mu.Unlock()
}

func (c *countingListener) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.success
}

func TestConfigureEnqueueAndDeliver(t *testing.T) {
	var mu sync.Mutex
	var secrets []string
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		secrets = append(secrets, r.Header.Get("App-Secret"))
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sdk, err := telemetrysdk.Configure("my-secret",
		telemetrysdk.WithDataDir(t.TempDir()),
		telemetrysdk.WithServerURL(srv.URL),
	)
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	defer telemetrysdk.Unset()

	lis := &countingListener{}
	sdk.Register(&testModule{name: "analytics", maxLogs: 2, interval: time.Minute, parallel: 1, listener: lis})

	sdk.Enqueue(&telemetry.Log{Type: "event", Payload: map[string]any{"n": 1}}, "analytics")
	sdk.Enqueue(&telemetry.Log{Type: "event", Payload: map[string]any{"n": 2}}, "analytics")

	deadline := time.Now().Add(5 * time.Second)
	for lis.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if lis.count() != 2 {
		t.Fatalf("delivered: got %d want 2", lis.count())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(secrets) != 1 || secrets[0] != "my-secret" {
		t.Fatalf("app secret header: %v", secrets)
	}
	var container struct {
		Logs []json.RawMessage `json:"logs"`
	}
	if err := json.Unmarshal(bodies[0], &container); err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(container.Logs) != 2 {
		t.Fatalf("batch size: got %d want 2", len(container.Logs))
	}
}

func TestConfigureTwiceFails(t *testing.T) {
	_, err := telemetrysdk.Configure("s", telemetrysdk.WithDataDir(t.TempDir()))
	if err != nil {
		t.Fatalf("first configure: %v", err)
	}
	defer telemetrysdk.Unset()

	if _, err := telemetrysdk.Configure("s", telemetrysdk.WithDataDir(t.TempDir())); err == nil {
		t.Fatal("second configure should fail")
	}
}

func TestUnsetAllowsReconfigure(t *testing.T) {
	if _, err := telemetrysdk.Configure("s", telemetrysdk.WithDataDir(t.TempDir())); err != nil {
		t.Fatalf("configure: %v", err)
	}
	telemetrysdk.Unset()
	if telemetrysdk.Default() != nil {
		t.Fatal("Default should be nil after Unset")
	}

	sdk, err := telemetrysdk.Configure("s", telemetrysdk.WithDataDir(t.TempDir()))
	if err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if telemetrysdk.Default() != sdk {
		t.Fatal("Default should return the new instance")
	}
	telemetrysdk.Unset()
}

func TestInstallIDStableAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	sdk, err := telemetrysdk.Configure("s", telemetrysdk.WithDataDir(dir))
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	id := sdk.InstallID()
	telemetrysdk.Unset()

	sdk2, err := telemetrysdk.Configure("s", telemetrysdk.WithDataDir(dir))
	if err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	defer telemetrysdk.Unset()
	if sdk2.InstallID() != id {
		t.Fatalf("install id changed across restart: %s → %s", id, sdk2.InstallID())
	}
}

func TestShutdownIdempotent(t *testing.T) {
	sdk, err := telemetrysdk.Configure("s", telemetrysdk.WithDataDir(t.TempDir()))
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	sdk.Shutdown()
	sdk.Shutdown()
	telemetrysdk.Unset()
}
