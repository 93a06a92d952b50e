// Package telemetry provides logging, metrics and tracing for gluu-engine.
//
// Logging is structured with zerolog. Every setup or teardown attempt gets
// its own file logger that tees the process log, so operators can follow a
// single deployment. Provisioning outcomes are exported as Prometheus
// metrics and each attempt is wrapped in an OpenTelemetry span.
package telemetry
