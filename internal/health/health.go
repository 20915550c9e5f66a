// Package health serves the liveness and readiness probes of the service.
//
// /healthz always answers 200 while the process can serve HTTP. /readyz
// runs every registered Checker and answers 503 when any of them fails.
// /health is the service summary kept for existing clients.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultCheckTimeout = 5 * time.Second

// Checker probes one dependency. Check must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Summary is the body of /health.
type Summary struct {
	Status       string    `json:"status"`
	Service      string    `json:"service"`
	Version      string    `json:"version,omitempty"`
	DefaultModel string    `json:"default_model,omitempty"`
	Backends     []string  `json:"backends,omitempty"`
	Uptime       float64   `json:"uptime_seconds"`
	Time         time.Time `json:"time"`
}

type Handler struct {
	info     Summary
	checkers []Checker
	timeout  time.Duration
	started  time.Time
	now      func() time.Time
}

func New(info Summary, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{
		info:     info,
		checkers: c,
		timeout:  DefaultCheckTimeout,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	s := h.info
	s.Status = "healthy"
	now := h.now()
	s.Time = now.UTC()
	s.Uptime = now.Sub(h.started).Seconds()
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	report := h.Check(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Check runs every checker concurrently, each under its own deadline.
func (h *Handler) Check(ctx context.Context) Report {
	var mu sync.Mutex
	checks := make(map[string]string, len(h.checkers))
	healthy := true

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				healthy = false
				return nil
			}
			checks[c.Name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: "ok", Checks: checks}
	if !healthy {
		report.Status = "fail"
	}
	return report
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
