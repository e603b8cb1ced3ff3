package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/ContentForge/internal/port/messagequeue"
)

// publish sends a lifecycle event. Events are notifications only, so a
// missing bus or a failed publish is logged and otherwise ignored.
func publish(ctx context.Context, q messagequeue.Queue, subject string, payload any) {
	if q == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshal event", "subject", subject, "error", err)
		return
	}
	if err := q.Publish(context.WithoutCancel(ctx), subject, data); err != nil {
		slog.WarnContext(ctx, "publish event failed", "subject", subject, "error", err)
	}
}
