// Package telemetry provides the logging, tracing and metrics of a declman
// run.
//
// Logging uses zerolog. Library packages accept a zerolog.Logger; the CLI
// builds one through NewLogger and also stores it in the context, where the
// reconciler picks it up with zerolog.Ctx.
//
// Tracing uses OpenTelemetry. The reconciler opens one span per run and one
// per phase on the tracer returned by Tracer.Tracer. Spans go to stdout or
// to an OTLP collector over gRPC; tracing is off by default.
//
// Metrics use a private Prometheus registry. Metrics implements
// engine.Observer and is written to a node exporter textfile when the
// process shuts down:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	deps.Observer = tel.Metrics
//	deps.Tracer = tel.Tracer.Tracer()
//	ctx = tel.WithContext(ctx)
//
// Metric names, all prefixed with the configured namespace:
//
//	runs_completed_total{status}
//	run_duration_seconds
//	last_run_timestamp_seconds
//	last_run_status{status}
//	phase_duration_seconds{phase}
//	phase_errors_total{phase,code}
//	package_builds_total{state}
package telemetry
