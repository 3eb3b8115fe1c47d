package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/lensa-payments/internal/common"
)

const defaultTimeout = 500 * time.Millisecond

// Check is one readiness dependency.
type Check struct {
	Name    string
	Timeout time.Duration
	Probe   func(ctx context.Context) error
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	checks   []Check
	logger   zerolog.Logger
	draining atomic.Bool
}

// NewHandler builds a Handler probing checks on every readiness request.
func NewHandler(logger zerolog.Logger, checks ...Check) *Handler {
	return &Handler{checks: checks, logger: logger}
}

// Drain makes readiness fail so load balancers stop routing before shutdown.
func (h *Handler) Drain() {
	h.draining.Store(true)
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Live answers 200 while the process is up.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready probes every check concurrently. Any failure, or draining, answers 503.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, readiness{Status: "draining"})
		return
	}

	results := make([]string, len(h.checks))
	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.probe(r.Context(), c)
		}()
	}
	wg.Wait()

	body := readiness{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for i, c := range h.checks {
		body.Checks[c.Name] = results[i]
		if results[i] != "ok" {
			body.Status = "unavailable"
		}
	}
	code := http.StatusOK
	if body.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, body)
}

func (h *Handler) probe(ctx context.Context, c Check) string {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Probe(ctx); err != nil {
		h.logger.Warn().Err(err).Str("check", c.Name).Msg("readiness probe failed")
		return "unavailable"
	}
	return "ok"
}
