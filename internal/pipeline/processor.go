package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-unitalert-service/internal/triggers"
)

// Triggers is the passive half of *triggers.Triggers.
type Triggers interface {
	UnitTaken(ctx context.Context, userKey string) (triggers.Result, error)
	SafeArrival(ctx context.Context, userKey string, value any) (triggers.Result, error)
}

// Invalidator drops cached directory snapshots. *cache.CachedUserStore
// satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// NewProcessor routes each write event to its trigger. Trigger failures are
// logged and swallowed so a broken event never blocks the subscription.
// invalidator may be nil when the directory is not cached.
func NewProcessor(t Triggers, invalidator Invalidator, logger *slog.Logger) messagepipeline.StreamProcessor[WriteEvent] {
	return func(ctx context.Context, original messagepipeline.Message, event *WriteEvent) error {
		procLogger := logger.With(
			"user_key", event.UserKey,
			"event_kind", string(event.Kind),
			"pubsub_msg_id", original.ID,
		)

		if invalidator != nil && event.Kind != EventUnitTaken {
			if err := invalidator.Invalidate(ctx); err != nil {
				procLogger.Warn("Failed to invalidate directory cache", "err", err)
			}
		}

		switch event.Kind {
		case EventUnitTaken:
			triggers.BestEffort(ctx, procLogger, triggers.TriggerThreshold, func(ctx context.Context) error {
				_, err := t.UnitTaken(ctx, event.UserKey)
				return err
			})
		case EventSafeArrival:
			triggers.BestEffort(ctx, procLogger, triggers.TriggerSafeArrival, func(ctx context.Context) error {
				value, err := event.Value()
				if err != nil {
					return err
				}
				_, err = t.SafeArrival(ctx, event.UserKey, value)
				return err
			})
		default:
			procLogger.Debug("Profile change, no trigger")
		}
		return nil
	}
}
