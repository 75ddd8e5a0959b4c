package observability

import (
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"google.golang.org/grpc"
)

// grpcExporterOptions returns the OTLP/gRPC exporter options for endpoint.
// The user agent carries service/version.
func grpcExporterOptions(endpoint, service, version string) []otlptracegrpc.Option {
	return []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(service + "/" + version)),
	}
}
