package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
)

const (
	apiVersion     = "1.0.0"
	headerSecret   = "App-Secret"
	headerInstall  = "Install-ID"
	maxErrBodySize = 4 << 10
)

// logContainer is the JSON body POSTed to the ingestion endpoint. Each
// element carries its own "type" discriminator via telemetry.Log.
type logContainer struct {
	Logs []json.RawMessage `json:"logs"`
}

// HTTPTransport is the base Transport: a plain POST of the batch to
// {serverURL}/logs?api_version=… with the app secret and install id as
// headers. Decorate with NewRetryer and NewNetworkGate for production use.
type HTTPTransport struct {
	client *http.Client

	mu        sync.Mutex
	serverURL string
}

// NewHTTPTransport builds an HTTPTransport against serverURL. A nil
// client gets a default with a 60 second timeout, the longest the
// ingestion service is allowed to hold a batch upload.
func NewHTTPTransport(serverURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTransport{client: client, serverURL: serverURL}
}

// SetServerURL overrides the base endpoint for subsequent sends.
func (t *HTTPTransport) SetServerURL(url string) {
	t.mu.Lock()
	t.serverURL = url
	t.mu.Unlock()
}

// Send serializes the batch and POSTs it on a background goroutine.
// callback receives nil on 2xx and a classified error otherwise.
func (t *HTTPTransport) Send(appSecret, installID string, logs []*telemetry.Log, callback func(err error)) {
	t.mu.Lock()
	url := t.serverURL
	t.mu.Unlock()

	go func() {
		callback(Classify(t.post(url, appSecret, installID, logs)))
	}()
}

func (t *HTTPTransport) post(serverURL, appSecret, installID string, logs []*telemetry.Log) error {
	container := logContainer{Logs: make([]json.RawMessage, 0, len(logs))}
	for _, l := range logs {
		raw, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("ingestion: marshal log %s: %w", l.ID, err)
		}
		container.Logs = append(container.Logs, raw)
	}
	body, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("ingestion: marshal container: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/logs?api_version="+apiVersion, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ingestion: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSecret, appSecret)
	req.Header.Set(headerInstall, installID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("ingestion: POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize))
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(errBody))}
}

// Close releases idle connections. In-flight sends are not cancelled;
// their callbacks still fire. The transport remains usable afterwards —
// the channel closes it on every suspend and keeps sending after resume.
// Idempotent, and must not block: the channel calls it under its lock.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
