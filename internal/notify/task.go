package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TaskConfirmation is the asynq task type carrying a purchase confirmation.
const TaskConfirmation = "purchase:confirmation"

// Enqueuer is the subset of *asynq.Client used to publish tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSender hands confirmations to the worker through asynq instead of calling
// the notification service inline.
type QueueSender struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
	// Retention keeps the task ID reserved after completion so duplicates are dropped.
	Retention time.Duration
}

// SendConfirmation implements Sender by enqueueing a TaskConfirmation.
func (q QueueSender) SendConfirmation(ctx context.Context, purchaseIDs []string) error {
	if q.Client == nil {
		return errors.New("notify: queue client not configured")
	}
	payload := NewConfirmationPayload(purchaseIDs, time.Now())
	if len(payload.PurchaseIDs) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.TaskID("confirm:" + payload.EventID),
		asynq.MaxRetry(q.MaxRetry),
	}
	if q.Queue != "" {
		opts = append(opts, asynq.Queue(q.Queue))
	}
	if q.Retention > 0 {
		opts = append(opts, asynq.Retention(q.Retention))
	}
	_, err = q.Client.EnqueueContext(ctx, asynq.NewTask(TaskConfirmation, data), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue confirmation: %w", err)
	}
	return nil
}

// NewConfirmationHandler consumes TaskConfirmation tasks and forwards them to sender.
func NewConfirmationHandler(sender Sender, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload ConfirmationPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			logger.Error().Err(err).Msg("discarding malformed confirmation task")
			return fmt.Errorf("decode confirmation: %v: %w", err, asynq.SkipRetry)
		}
		if err := sender.SendConfirmation(ctx, payload.PurchaseIDs); err != nil {
			logger.Error().Err(err).Str("event_id", payload.EventID).Msg("confirmation delivery failed")
			return err
		}
		logger.Info().Str("event_id", payload.EventID).Int("purchases", len(payload.PurchaseIDs)).Msg("confirmation delivered")
		return nil
	}
}
