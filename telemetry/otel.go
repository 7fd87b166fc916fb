package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/textileops/go-readcache/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by every package in this module.
const TracerName = "github.com/textileops/go-readcache"

// GenerateOTLPBearerToken signs token with sharedSecret so the collector can
// verify it without a round trip.
func GenerateOTLPBearerToken(sharedSecret string, token string) (string, error) {
	if token == "" {
		return "", errors.New("token is required")
	}
	hash := sha256.Sum256([]byte(sharedSecret + "." + token))
	return token + "." + base64.StdEncoding.EncodeToString(hash[:]), nil
}

type ShutdownFunc func()

// New installs a global OTLP/HTTP tracer provider and a log provider, both
// exporting to otlpServerURL. The returned logger writes to log and to the
// collector.
func New(ctx context.Context, serviceName string, sharedSecret string, otlpServerURL string, log logger.Logger) (context.Context, logger.Logger, ShutdownFunc, error) {
	otlpURL, err := url.Parse(otlpServerURL)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "error parsing oltpServerURL")
	}
	traceURL := otlpURL.JoinPath("/v1/traces").String()
	logURL := otlpURL.JoinPath("/v1/logs").String()

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, nil, nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if sharedSecret != "" {
		token, err := GenerateOTLPBearerToken(sharedSecret, serviceName)
		if err != nil {
			return nil, nil, nil, err
		}
		headers["Authorization"] = "Bearer " + token
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(traceURL),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(10 * time.Second),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if otlpURL.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "error creating trace exporter")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(10 * time.Second),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if otlpURL.Scheme == "http" {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, nil, nil, errors.Wrap(err, "error creating log exporter")
	}
	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	if log == nil {
		log = logger.NewConsoleLogger()
	}
	exported := logger.NewOtelLogger(logProvider.Logger(serviceName), logger.GetLevelFromEnv())
	return ctx, exported.Stack(log).WithContext(ctx), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
		_ = logProvider.Shutdown(ctx)
	}, nil
}

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span and returns a logger tagged with its trace id.
func StartSpan(ctx context.Context, log logger.Logger, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, logger.Logger, trace.Span) {
	ctx, span := tracer.Start(ctx, name, opts...)
	return ctx, log.WithContext(ctx), span
}
