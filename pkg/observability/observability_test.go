package observability

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterGatherFormat(t *testing.T) {
	reg := NewRegistry()
	c := reg.Counter("asap_requests_total", "total requests")
	c.Inc(1, "method", "asap.send")
	c.Inc(2, "method", "asap.send")
	c.Inc(1, "method", "asap.cancel")

	out := reg.Gather()
	assert.Contains(t, out, "# HELP asap_requests_total total requests")
	assert.Contains(t, out, "# TYPE asap_requests_total counter")
	assert.Contains(t, out, `asap_requests_total{method="asap.send"} 3`)
	assert.Contains(t, out, `asap_requests_total{method="asap.cancel"} 1`)
}

func TestHistogramGatherFormat(t *testing.T) {
	reg := NewRegistry()
	h := reg.Histogram("asap_request_duration_seconds", "request duration", []float64{0.1, 0.5, 1})
	h.Observe(0.05)
	h.Observe(0.3)
	h.Observe(2.0)

	out := reg.Gather()
	assert.Contains(t, out, `asap_request_duration_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `asap_request_duration_seconds_bucket{le="0.5"} 2`)
	assert.Contains(t, out, `asap_request_duration_seconds_bucket{le="1"} 2`)
	assert.Contains(t, out, `asap_request_duration_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "asap_request_duration_seconds_count 3")
}

func TestLabelEscaping(t *testing.T) {
	reg := NewRegistry()
	c := reg.Counter("asap_errors_total", "errors")
	c.Inc(1, "message", `bad "quote" and \backslash\`)

	out := reg.Gather()
	assert.Contains(t, out, `message="bad \"quote\" and \\backslash\\"`)
}

func TestProviderNoneExporterIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), TracingConfig{ServiceName: "test", Exporter: "none"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, span := p.StartSpan(context.Background(), "op")
	span.End()
	assert.NotNil(t, ctx)
}

func TestProviderConsoleExporterDoesNotError(t *testing.T) {
	p, err := NewProvider(context.Background(), TracingConfig{ServiceName: "test", Exporter: "console"})
	require.NoError(t, err)

	_, span := p.StartSpan(context.Background(), "op")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTracingConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := TracingConfigFromEnv("asap")
	assert.Equal(t, "none", cfg.Exporter)
	assert.True(t, strings.Contains(cfg.OTLPEndpoint, "4317"))
}
