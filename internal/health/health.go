// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/alvicsam/cidermill/internal/buildinfo"
)

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	PoolSize     int       `json:"pool_size"`
	ActiveSlots  int       `json:"active_slots"`
	Timestamp    time.Time `json:"timestamp"`
}

// Pool reports slot occupancy.  *pool.Pool satisfies it.
type Pool interface {
	Active() int
}

// Handler responds to health check requests. It reports build info, the
// hypervisor engine and how many of the size slots are inside a lifecycle.
// The status is always "healthy" (200 OK): slots recover on their own, so
// this is a liveness check only.
func Handler(engine string, size int, p Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "cidermill",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			PoolSize:     size,
			Timestamp:    time.Now().UTC(),
		}
		if p != nil {
			response.ActiveSlots = p.Active()
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
