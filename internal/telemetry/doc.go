// Package telemetry exports circuit pool activity as Prometheus metrics.
//
// PrometheusCollector is a circuit.Observer; pass it to circuit.New with
// circuit.WithObserver. Server exposes a registry on /metrics for the
// lifetime of a command.
package telemetry
