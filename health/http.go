package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// LivenessHandler returns an HTTP handler for liveness probes.
// It only shows the process is serving HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// Response is the JSON body of the readiness endpoint.
type Response struct {
	Status    Status        `json:"status"`
	Timestamp string        `json:"timestamp"`
	Checks    []CheckDetail `json:"checks,omitempty"`
}

// CheckDetail is one checker's entry in Response.
type CheckDetail struct {
	Result
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// ReadinessHandler runs every check and answers 200 when the overall status
// is healthy or degraded, 503 otherwise.
func ReadinessHandler(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := agg.CheckAll(r.Context())
		status := Overall(results)

		resp := Response{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    make([]CheckDetail, 0, len(results)),
		}
		for _, res := range results {
			d := CheckDetail{Result: res, Duration: res.Duration.String()}
			if res.Err != nil {
				d.Error = res.Err.Error()
			}
			resp.Checks = append(resp.Checks, d)
		}

		w.Header().Set("Content-Type", "application/json")
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// RegisterHandlers mounts /healthz and /readyz on mux.
func RegisterHandlers(mux *http.ServeMux, agg *Aggregator) {
	mux.Handle("/healthz", LivenessHandler())
	mux.Handle("/readyz", ReadinessHandler(agg))
}
