package alert

import (
	"context"

	"copytrade/internal/events"
)

// StreamChannel publishes alerts to connected event stream clients
type StreamChannel struct {
	hub *events.Hub
}

func NewStreamChannel(hub *events.Hub) *StreamChannel {
	return &StreamChannel{hub: hub}
}

func (s *StreamChannel) Name() string {
	return "stream"
}

// Send never blocks on clients; slow subscribers are dropped by the hub
func (s *StreamChannel) Send(ctx context.Context, alert AlertPayload) error {
	msgType := events.TypeNotification
	if alert.Title != "" {
		msgType = events.TypeAlert
	}
	s.hub.Publish(events.Message{
		Type: msgType,
		Time: alert.Timestamp,
		Data: map[string]interface{}{
			"level":   alert.Level,
			"title":   alert.Title,
			"message": alert.Message,
			"fields":  alert.Fields,
		},
	})
	return nil
}
