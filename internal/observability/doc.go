// Package observability provides the dashboard's structured logging with
// zap, Prometheus metrics and health/readiness checks.
//
// # Logging
//
// Initialize the logger once at startup:
//
//	logger, err := observability.InitLogger("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// # Metrics
//
// The Metrics type records CSE requests and provisioning runs. It is handed
// to the oneM2M connection and the provisioning workflow as their recorder:
//
//	metrics := observability.InitMetrics("trafficweave")
//	conn, err := onem2m.NewConnection(&onem2m.Config{Recorder: metrics, ...})
//
// # Health Checks
//
//	hc := observability.NewHealthChecker(version)
//	hc.RegisterHealthCheck("redis", observability.PingCheck("redis", pingRedis))
//	hc.RegisterReadinessCheck("cse", observability.ConnectedCheck("cse", dash.Connected))
package observability
