package logger

import (
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnCountersByComponent(t *testing.T) {
	before := atomic.LoadInt64(&warnsBroker)
	Logger().WithComponent("broker_server").Warn("test warn")
	if got := atomic.LoadInt64(&warnsBroker); got != before+1 {
		t.Fatalf("broker warn counter not incremented: before=%d after=%d", before, got)
	}
}

func TestMetricHelpers(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")

	// CloudWatch is not initialised in tests; the helpers must still log
	// without publishing.
	log.LogMetric("test", "rows_inserted", int64(42), "counter", Fields{"symbol": "BTCUSDT"})
	entry.LogMetric("test", "frames", 7, "", nil)
	LogPerformanceEntry(entry, "test", "insert_trade", 1500000, Fields{"symbol": "BTCUSDT"})
	LogDataFlowEntry(entry, "upstream_stream", "bus", 10, "ticks")
}
