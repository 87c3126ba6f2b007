package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/commutepulse/commutepulse/internal/config"
)

// WebhookNotifier posts notification events to the configured webhook
// targets. It is the default Notifier; the real push/email transport sits
// behind these URLs.
type WebhookNotifier struct {
	targets []config.WebhookConfig
	client  *http.Client
}

// NewWebhookNotifier creates a notifier for the configured targets. An empty
// target list is valid — Notify becomes a no-op.
func NewWebhookNotifier(targets []config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		targets: targets,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify delivers ev to every configured target. The first failure is
// returned; remaining targets are still attempted.
func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	var firstErr error
	for _, t := range n.targets {
		url := t.URL()
		if url == "" {
			continue
		}

		var err error
		switch t.Type {
		case "slack":
			err = n.sendSlack(ctx, url, ev)
		case "http":
			err = n.sendHTTP(ctx, url, ev)
		default:
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("alerts: webhook %s: %w", t.Type, err)
		}
	}
	return firstErr
}

func (n *WebhookNotifier) sendSlack(ctx context.Context, url string, ev Event) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s", eventLabel(ev.Kind), describe(ev)),
	})
	return n.post(ctx, url, body)
}

func (n *WebhookNotifier) sendHTTP(ctx context.Context, url string, ev Event) error {
	body, _ := json.Marshal(map[string]any{"event": ev})
	return n.post(ctx, url, body)
}

func (n *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func eventLabel(k EventKind) string {
	switch k {
	case EventDelayed:
		return "[DELAYED]"
	case EventNotRunning:
		return "[NOT RUNNING]"
	case EventDelayIncrease:
		return "[DELAY INCREASE]"
	case EventResolved:
		return "[RESOLVED]"
	default:
		return "[ALERT]"
	}
}

func describe(ev Event) string {
	switch ev.Kind {
	case EventDelayed, EventDelayIncrease:
		return fmt.Sprintf("%s is delayed ~%d min (confidence %.0f%%)",
			ev.RouteName, ev.Summary.DelayMinutes, ev.Summary.Confidence)
	case EventNotRunning:
		return fmt.Sprintf("%s appears not to be running (confidence %.0f%%)",
			ev.RouteName, ev.Summary.Confidence)
	case EventResolved:
		return fmt.Sprintf("%s is back on time", ev.RouteName)
	default:
		return fmt.Sprintf("%s status is now %s", ev.RouteName, ev.Summary.Status)
	}
}
