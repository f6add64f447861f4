package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/tourbridge/internal/webhooks"
)

// sendTimeout bounds one alert delivery including retries.
const sendTimeout = 30 * time.Second

// WebhookAlerter posts alerts at or above a minimum level to a signed
// webhook. Delivery runs in the background.
type WebhookAlerter struct {
	sender   *webhooks.Sender
	minLevel Level
	logger   *slog.Logger
}

// NewWebhookAlerter creates a WebhookAlerter for url, signing with secret.
func NewWebhookAlerter(url, secret string, minLevel Level, logger *slog.Logger) *WebhookAlerter {
	return &WebhookAlerter{
		sender:   webhooks.NewSender(url, secret),
		minLevel: minLevel,
		logger:   logger,
	}
}

// Alert queues delivery and returns immediately.
func (a *WebhookAlerter) Alert(ctx context.Context, level Level, message string, details map[string]any) {
	if rank(level) < rank(a.minLevel) {
		return
	}

	data := make(map[string]any, len(details)+2)
	for k, v := range details {
		data[k] = v
	}
	data["level"] = string(level)
	data["message"] = message
	event := webhooks.NewEvent("alert."+string(level), data)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("alert webhook panicked", "panic", r)
			}
		}()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := a.sender.Send(sendCtx, event); err != nil {
			a.logger.Warn("alert webhook delivery failed", "event", event.ID, "error", err)
		}
	}()
}

func rank(l Level) int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}
