package device

import (
	"runtime"
	"testing"
)

func TestRuntimeCollectorFillsSnapshot(t *testing.T) {
	d, err := RuntimeCollector{}.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if d.OSName != runtime.GOOS {
		t.Errorf("os name: got %q want %q", d.OSName, runtime.GOOS)
	}
	if d.Model != runtime.GOARCH {
		t.Errorf("model: got %q want %q", d.Model, runtime.GOARCH)
	}
	if d.SDKName == "" || d.SDKVersion == "" {
		t.Errorf("sdk identity empty: %+v", d)
	}
	if d.Locale == "" {
		t.Error("locale empty")
	}
}

func TestLocaleFallsBack(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_MESSAGES", "")
	t.Setenv("LANG", "")
	if got := localeFromEnv(); got != "en_US" {
		t.Errorf("fallback locale: got %q", got)
	}

	t.Setenv("LANG", "de_DE.UTF-8")
	if got := localeFromEnv(); got != "de_DE.UTF-8" {
		t.Errorf("LANG locale: got %q", got)
	}

	t.Setenv("LC_ALL", "fr_FR")
	if got := localeFromEnv(); got != "fr_FR" {
		t.Errorf("LC_ALL precedence: got %q", got)
	}
}
