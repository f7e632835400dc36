// Package device builds the immutable device snapshot attached to logs
// that do not carry their own. The channel caches one snapshot and
// rebuilds it only after an explicit cache invalidation.
package device

import (
	"os"
	"runtime"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
)

const (
	sdkName    = "telemetry.go"
	sdkVersion = "1.0.0"
)

// Collector produces a device snapshot. The channel calls it at most
// once per cache generation, synchronously during enqueue.
type Collector interface {
	Collect() (*telemetry.Device, error)
}

// RuntimeCollector gathers the snapshot from the Go runtime and process
// environment. It stands in for the platform-specific collectors a
// mobile host would register.
type RuntimeCollector struct{}

// Collect returns a snapshot of the current runtime.
func (RuntimeCollector) Collect() (*telemetry.Device, error) {
	return &telemetry.Device{
		OSName:     runtime.GOOS,
		OSVersion:  runtime.Version(),
		Model:      runtime.GOARCH,
		SDKName:    sdkName,
		SDKVersion: sdkVersion,
		Locale:     localeFromEnv(),
	}, nil
}

// localeFromEnv resolves the POSIX locale, falling back through the
// usual precedence chain.
func localeFromEnv() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "en_US"
}
