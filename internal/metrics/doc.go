/*
Package metrics exports b2fs counters and histograms through Prometheus.

Collector implements types.MetricsCollector and owns a private registry, so
several mounts in one process never collide on metric names.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   "127.0.0.1:9100",
		Path:      "/metrics",
		Namespace: "b2fs",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

Exported series:

	b2fs_operations_total{operation,status}
	b2fs_operation_duration_seconds{operation}
	b2fs_operation_size_bytes{operation}
	b2fs_cache_requests_total{cache,result}
	b2fs_errors_total{operation,code}
	b2fs_session_refreshes_total{status}
	b2fs_bounded_retries_total{operation,reason}
	b2fs_staging_bytes

Error codes come from pkg/errors, so dashboards can split rate limiting from
server failures without parsing messages.
*/
package metrics
