package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/cronkeep/internal/core"
)

func init() {
	core.RegisterModule(&OTelModule{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*OTelModule)(nil)
	_ core.Provisioner  = (*OTelModule)(nil)
	_ core.Validator    = (*OTelModule)(nil)
	_ core.Stopper      = (*OTelModule)(nil)
)

// OTelConfig configures trace export.
type OTelConfig struct {
	// Endpoint is the OTLP/HTTP collector, host:port. Export is disabled
	// when empty.
	Endpoint string `yaml:"endpoint"`

	// Insecure sends spans over plain HTTP.
	Insecure bool `yaml:"insecure"`

	// ServiceName is reported as service.name. Defaults to "cronkeep".
	ServiceName string `yaml:"service_name"`

	// SampleRatio is the fraction of root spans kept. Defaults to 1.
	SampleRatio *float64 `yaml:"sample_ratio"`

	// Headers are sent with every export request.
	Headers map[string]string `yaml:"headers"`
}

func (c *OTelConfig) defaults() {
	if c.ServiceName == "" {
		c.ServiceName = "cronkeep"
	}
	if c.SampleRatio == nil {
		one := 1.0
		c.SampleRatio = &one
	}
}

// OTelModule installs a global TracerProvider exporting over OTLP/HTTP.
type OTelModule struct {
	config   OTelConfig
	logger   *slog.Logger
	provider *sdktrace.TracerProvider
}

// ModuleInfo implements core.Module.
func (m *OTelModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "telemetry.otel",
		New: func() core.Module { return &OTelModule{} },
	}
}

// Configure implements core.Configurable.
func (m *OTelModule) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("telemetry: decode config: %w", err)
	}
	return nil
}

// Provision implements core.Provisioner.
func (m *OTelModule) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	m.logger = ctx.Logger

	if m.config.Endpoint == "" {
		m.logger.Info("telemetry: no endpoint configured, tracing disabled")
		return nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(m.config.Endpoint)}
	if m.config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(m.config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(m.config.Headers))
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("telemetry: create exporter: %w", err)
	}

	m.provider = NewTracerProvider(exporter, m.config.ServiceName, *m.config.SampleRatio)
	otel.SetTracerProvider(m.provider)

	m.logger.Info("telemetry: tracing enabled", "endpoint", m.config.Endpoint)
	return nil
}

// NewTracerProvider builds a provider batching spans to exporter.
func NewTracerProvider(exporter sdktrace.SpanExporter, serviceName string, ratio float64) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
}

// Validate implements core.Validator.
func (m *OTelModule) Validate() error {
	if r := *m.config.SampleRatio; r < 0 || r > 1 {
		return errors.New("telemetry: sample_ratio must be between 0 and 1")
	}
	return nil
}

// Stop implements core.Stopper. Pending spans are flushed.
func (m *OTelModule) Stop(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}
	return nil
}
