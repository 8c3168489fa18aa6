// Package health exposes the liveness and readiness probes for a Voiceline
// instance.
//
//   - /healthz — liveness; a process that can serve HTTP is alive.
//   - /readyz  — readiness; an instance that cannot reach Postgres or Redis
//     cannot admit calls, so every registered [Checker] must pass before the
//     load balancer routes traffic here.
//
// Responses are JSON with a top-level "status" ("ok" or "fail") and a
// "checks" map with each named checker's result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check. Load balancers poll /readyz
// on short intervals, so a hung dependency must turn into a failed check
// quickly rather than a slow response.
const checkTimeout = 2 * time.Second

// Checker is a named dependency probe. Check returns nil when the dependency
// is reachable and a descriptive error otherwise; it must respect context
// cancellation.
type Checker struct {
	// Name keys this check in the JSON response, e.g. "postgres" or "redis".
	Name string

	Check func(ctx context.Context) error
}

// result is the JSON response body for both probes.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every checker passes. Checks run concurrently,
// each under its own [checkTimeout], so one slow dependency does not stack
// delays onto the rest.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	for _, c := range h.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
		}(c)
	}
	wg.Wait()

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code, falling back to a canned
// 500 body when encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
