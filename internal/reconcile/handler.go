package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/lensa-payments/internal/common"
	"github.com/noah-isme/lensa-payments/internal/lock"
)

// LockKey guards against overlapping sweeps across replicas.
const LockKey = "reconcile:sweep"

// Runner performs one reconciliation sweep.
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

// TryLocker runs fn under a non-blocking distributed lock.
type TryLocker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// RunExclusive runs the sweep while holding LockKey. A nil locker runs it
// unguarded. lock.ErrNotAcquired is returned when another sweep is in flight.
func RunExclusive(ctx context.Context, locker TryLocker, ttl time.Duration, runner Runner) (Summary, error) {
	if locker == nil {
		return runner.Run(ctx)
	}
	var summary Summary
	err := locker.TryWithLock(ctx, LockKey, ttl, func(ctx context.Context) error {
		var runErr error
		summary, runErr = runner.Run(ctx)
		return runErr
	})
	return summary, err
}

// Handler exposes the sweep to operators. A manual sweep is detached from the
// request so a disconnecting client cannot stop it halfway; Timeout bounds it.
type Handler struct {
	Sweeper Runner
	Locker  TryLocker
	LockTTL time.Duration
	Timeout time.Duration
	Logger  zerolog.Logger
}

type triggerResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Results *Summary `json:"results"`
}

// Trigger handles POST /admin/reconcile-payments.
func (h Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if op, ok := common.OperatorFrom(r.Context()); ok {
		logger = logger.With().Str("operator_id", op.UserID).Logger()
	}
	logger.Info().Msg("reconcile: manual sweep requested")

	ctx := context.WithoutCancel(r.Context())
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	summary, err := RunExclusive(ctx, h.Locker, h.LockTTL, h.Sweeper)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		common.JSONFailure(w, http.StatusConflict, "reconciliation already running")
		return
	case err != nil:
		logger.Error().Err(err).Msg("reconcile: manual sweep failed")
		common.JSONFailure(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	common.JSON(w, http.StatusOK, triggerResponse{
		Success: true,
		Message: fmt.Sprintf("Reconciled %d of %d stale purchases", summary.Reconciled, summary.Total),
		Results: &summary,
	})
}
