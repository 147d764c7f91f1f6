// Package health serves the liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
)

const checkTimeout = 5 * time.Second

// Status represents a health check result.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker defines a named health check function. A failing optional checker
// reports the service as degraded but keeps it ready; the event feeds are
// optional, the ledger is not.
type Checker struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	clock    clock.Clock
}

// NewHandler creates a new health handler with the given checkers.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk}
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{
			Status:    "ok",
			Timestamp: h.timestamp(),
		})
	}
}

// ReadinessHandler returns HTTP 200 if the service is ready. Checks run
// concurrently.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready := h.ready
		h.mu.RUnlock()

		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, Status{
				Status:    "not_ready",
				Timestamp: h.timestamp(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		errs := make([]error, len(h.checkers))
		var wg sync.WaitGroup
		for i, c := range h.checkers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = c.Check(ctx)
			}()
		}
		wg.Wait()

		checks := make(map[string]string, len(h.checkers))
		status, code := "ready", http.StatusOK
		for i, c := range h.checkers {
			if errs[i] == nil {
				checks[c.Name] = "ok"
				continue
			}
			checks[c.Name] = errs[i].Error()
			switch {
			case !c.Optional:
				status, code = "not_ready", http.StatusServiceUnavailable
			case status == "ready":
				status = "degraded"
			}
		}

		writeJSON(w, code, Status{
			Status:    status,
			Checks:    checks,
			Timestamp: h.timestamp(),
		})
	}
}

func (h *Handler) timestamp() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
