package alert

import (
	"context"
	"fmt"

	pkghttp "copytrade/pkg/http"
)

// SlackChannel posts to an incoming webhook
type SlackChannel struct {
	webhookURL string
	client     *pkghttp.Client
}

func NewSlackChannel(webhookURL string, client *pkghttp.Client) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     client,
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f" // Green (Info)
	switch alert.Level {
	case Warning:
		color = "#ffcc00"
	case Error:
		color = "#ff0000"
	case Critical:
		color = "#8b0000"
	}

	var fields []map[string]interface{}
	for k, v := range alert.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	attachment := map[string]interface{}{
		"color":  color,
		"text":   alert.Message,
		"fields": fields,
		"ts":     alert.Timestamp.Unix(),
		"footer": "copytrade",
	}
	if alert.Title != "" {
		attachment["pretext"] = fmt.Sprintf("[%s] %s", alert.Level, alert.Title)
	}

	if _, err := s.client.PostJSON(ctx, s.webhookURL, map[string]interface{}{
		"attachments": []map[string]interface{}{attachment},
	}); err != nil {
		return fmt.Errorf("slack webhook failed: %w", err)
	}
	return nil
}
