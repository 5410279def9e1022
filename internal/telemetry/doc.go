// Package telemetry exports the OpenTelemetry metrics of a node on a
// Prometheus scrape endpoint.
package telemetry
