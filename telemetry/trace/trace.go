//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package trace bootstraps OTLP trace exporting and exposes the
// global Tracer used by the engine's instrumented paths.
package trace

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentName = "trpc.group/trpc-go/trpc-codex-go"

// Protocol constants accepted by WithProtocol.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

const (
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "localhost:4318"
)

// Tracer is the tracer used by instrumented engine paths. It is a
// no-op until Start installs a provider.
var Tracer trace.Tracer = otel.Tracer(instrumentName)

type options struct {
	protocol    string
	endpoint    string
	endpointURL string
	headers     map[string]string
	serviceName string
}

// Option configures Start.
type Option func(*options)

// WithProtocol selects the OTLP transport: "grpc" (default) or "http".
func WithProtocol(p string) Option {
	return func(o *options) { o.protocol = p }
}

// WithEndpoint sets the collector endpoint (host:port).
func WithEndpoint(ep string) Option {
	return func(o *options) { o.endpoint = ep }
}

// WithEndpointURL sets a full collector URL; its host overrides the
// endpoint and, for HTTP, its path becomes the URL path.
func WithEndpointURL(u string) Option {
	return func(o *options) { o.endpointURL = u }
}

// WithHeaders sets extra headers sent to the collector.
func WithHeaders(h map[string]string) Option {
	return func(o *options) { o.headers = h }
}

// WithServiceName overrides the reported service name.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// Start installs an OTLP-backed tracer provider and returns a cleanup
// function that flushes and shuts it down.
func Start(ctx context.Context, opts ...Option) (func() error, error) {
	o := options{
		protocol:    ProtocolGRPC,
		serviceName: "trpc-codex-go",
	}
	for _, opt := range opts {
		opt(&o)
	}

	endpoint := o.endpoint
	urlPath := ""
	if o.endpointURL != "" {
		ep, path, err := parseEndpointURL(o.endpointURL)
		if err != nil {
			return nil, err
		}
		endpoint, urlPath = ep, path
	}
	if endpoint == "" {
		endpoint = tracesEndpoint(o.protocol)
	}

	exp, err := newExporter(ctx, o, endpoint, urlPath)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(o.serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	Tracer = tp.Tracer(instrumentName)

	return func() error {
		return tp.Shutdown(context.Background())
	}, nil
}

func newExporter(ctx context.Context, o options, endpoint, urlPath string) (sdktrace.SpanExporter, error) {
	switch o.protocol {
	case ProtocolHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		}
		if urlPath != "" && urlPath != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(urlPath))
		}
		if len(o.headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(o.headers))
		}
		return otlptracehttp.New(ctx, opts...)
	case ProtocolGRPC, "":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		}
		if len(o.headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(o.headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", o.protocol)
	}
}

// tracesEndpoint resolves the collector endpoint from the standard
// OTEL environment variables, specific before generic, falling back
// to the protocol's conventional localhost port.
func tracesEndpoint(protocol string) string {
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"); ep != "" {
		return ep
	}
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		return ep
	}
	if protocol == ProtocolHTTP {
		return defaultHTTPEndpoint
	}
	return defaultGRPCEndpoint
}

// parseEndpointURL splits a collector URL into host:port and path.
// A missing scheme is tolerated; a missing path implies "/".
func parseEndpointURL(raw string) (endpoint, path string, err error) {
	in := raw
	if !strings.Contains(in, "://") {
		in = "http://" + in
	}
	u, err := url.Parse(in)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("endpoint url %q has no host", raw)
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return u.Host, p, nil
}
