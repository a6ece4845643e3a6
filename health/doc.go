// Package health reports whether a swrr process can serve.
//
// A Checker reports one component's Status. The Aggregator runs a set of
// checkers concurrently with a shared deadline and folds their results into
// an overall status, which the HTTP handlers expose as probes:
//
//	agg := health.NewAggregator(health.AggregatorConfig{Timeout: 2 * time.Second})
//	agg.Register(health.NewBackplaneChecker(bp, health.BackplaneCheckerConfig{}))
//	agg.Register(health.NewBacklogChecker(bg, health.BacklogCheckerConfig{Degraded: 500}))
//
//	mux.Handle("/healthz", health.LivenessHandler())
//	mux.Handle("/readyz", health.ReadinessHandler(agg))
package health
