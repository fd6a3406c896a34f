package triggers

import (
	"context"
	"fmt"
	"log/slog"
)

// BestEffort runs fn for an event-driven trigger that has no caller to report
// to. Errors and panics are logged and swallowed.
func BestEffort(ctx context.Context, logger *slog.Logger, trigger string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Trigger panicked", "trigger", trigger, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(ctx); err != nil {
		logger.Error("Trigger failed", "trigger", trigger, "err", err)
	}
}
