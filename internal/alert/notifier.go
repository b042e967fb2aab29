package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"paperflow/internal/config"
	"paperflow/internal/logger"
)

// Notifier delivers operator alerts. Delivery is fire-and-forget: there is
// no synchronous caller to report to, so failures are swallowed after a
// log line.
type Notifier interface {
	Notify(ctx context.Context, headline string, contextLines []string)
}

// WebhookNotifier posts alerts to a chat webhook.
type WebhookNotifier struct {
	url  string
	http *http.Client
	log  zerolog.Logger
}

// NewWebhookNotifier builds the notifier. With no webhook configured
// alerts degrade to warning log lines.
func NewWebhookNotifier(cfg *config.Config) *WebhookNotifier {
	return &WebhookNotifier{
		url:  cfg.AlertWebhookURL,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  logger.WithComponent("alert"),
	}
}

// Notify sends one alert. Errors are logged and dropped.
func (n *WebhookNotifier) Notify(ctx context.Context, headline string, contextLines []string) {
	if n.url == "" {
		n.log.Warn().
			Str("headline", headline).
			Strs("context", contextLines).
			Msg("Alert webhook not configured, alert logged only")
		return
	}

	text := headline
	for _, line := range contextLines {
		text += "\n• " + line
	}

	encoded, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to encode alert")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(encoded))
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Str("headline", headline).Msg("Alert delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.log.Warn().
			Int("status", resp.StatusCode).
			Str("headline", headline).
			Msg("Alert webhook rejected the message")
		return
	}

	n.log.Debug().Str("headline", headline).Msg("Alert delivered")
}
