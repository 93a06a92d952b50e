package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerTeeKeepsFields(t *testing.T) {
	var process, attempt bytes.Buffer
	base := NewFromZerolog(zerolog.New(&process), &process).WithNode("gluuopendj_1", "ldap")

	tee := base.Tee(&attempt)
	tee.Info("container started")

	for name, buf := range map[string]*bytes.Buffer{"process": &process, "attempt": &attempt} {
		out := buf.String()
		if !strings.Contains(out, "container started") || !strings.Contains(out, `"node":"gluuopendj_1"`) {
			t.Errorf("%s log missing entry: %s", name, out)
		}
	}
}

func TestOpenAttemptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node-setup.log")

	logger, closer, err := NewFromZerolog(zerolog.New(io.Discard), io.Discard).OpenAttemptLog(path)
	if err != nil {
		t.Fatalf("open attempt log: %v", err)
	}
	logger.Warnf("step %d failed", 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "step 3 failed") {
		t.Errorf("unexpected log content %s", data)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected no-op logger")
	}

	l := Nop().NewComponentLogger("engine")
	if got := FromContext(l.WithContext(context.Background())); got != l {
		t.Error("expected logger from context")
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordSetupStarted("ldap")
	m.RecordRollback("ldap")
	m.TaskStarted()
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}

	var nilMetrics *Metrics
	nilMetrics.RecordDistribution(true)
}

func TestMetricsRecord(t *testing.T) {
	cfg := DefaultMetricsConfig()
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatal(err)
	}

	m.RecordSetupStarted("ldap")
	m.RecordSetupCompleted("ldap", "SUCCESS", 90*time.Second)
	m.RecordRollback("oxauth")
	m.RecordDistribution(false)
	m.RecordAgentCommand("sync", errors.New("boom"))

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counts := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counts[mf.GetName()] += c.GetValue()
			}
		}
	}
	for name, want := range map[string]float64{
		"gluu_engine_setups_started_total":         1,
		"gluu_engine_rollbacks_total":              1,
		"gluu_engine_recovery_distributions_total": 1,
		"gluu_engine_agent_commands_total":         1,
		"gluu_engine_setups_completed_total":       1,
	} {
		if counts[name] != want {
			t.Errorf("%s = %v, want %v", name, counts[name], want)
		}
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "gluu_engine_setups_started_total") {
		t.Errorf("metrics output missing counter: %s", rec.Body.String())
	}
}

func TestTracerDisabled(t *testing.T) {
	tr, err := NewTracer(DefaultTracingConfig(), "gluu-engine", "test")
	if err != nil {
		t.Fatal(err)
	}
	ctx, span := tr.StartNodeSpan(context.Background(), "setup", "n", "ldap")
	RecordError(span, errors.New("x"))
	span.End()
	if TraceID(ctx) != "" {
		t.Error("no-op tracer should not produce trace ids")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestTracingConfigValidate(t *testing.T) {
	cfg := TracingConfig{Enabled: true, Exporter: "otlp"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for otlp without endpoint")
	}
}
