// Package alert delivers operator notifications over the configured channels
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"copytrade/internal/core"
	"copytrade/pkg/telemetry"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager fans a payload out to every channel. It implements core.INotifier.
type AlertManager struct {
	channels    []AlertChannel
	logger      core.ILogger
	sendTimeout time.Duration
	mu          sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels:    make([]AlertChannel, 0),
		logger:      logger.WithField("component", "alert_manager"),
		sendTimeout: 10 * time.Second,
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Channels returns the registered channel names
func (am *AlertManager) Channels() []string {
	am.mu.RLock()
	defer am.mu.RUnlock()
	names := make([]string, len(am.channels))
	for i, ch := range am.channels {
		names[i] = ch.Name()
	}
	return names
}

// Notify sends operator text to every channel and waits for delivery, so
// consecutive report blocks arrive in order.
func (am *AlertManager) Notify(ctx context.Context, text string) error {
	return am.send(ctx, AlertPayload{Level: Info, Message: text, Timestamp: time.Now()})
}

// Alert sends a titled alert without blocking the caller
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}
	am.logger.Info("Triggering alert", "title", title, "level", level)

	go func() {
		_ = am.send(context.WithoutCancel(ctx), payload)
	}()
}

func (am *AlertManager) send(ctx context.Context, payload AlertPayload) error {
	am.mu.RLock()
	channels := make([]AlertChannel, len(am.channels))
	copy(channels, am.channels)
	am.mu.RUnlock()

	if len(channels) == 0 {
		am.logger.Debug("No alert channel configured, message dropped", "message", payload.Message)
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range channels {
		wg.Add(1)
		go func(c AlertChannel) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, am.sendTimeout)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err.Error())
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
				mu.Unlock()
				return
			}
			telemetry.GetGlobalMetrics().RecordNotification(ctx, c.Name())
		}(ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Render formats a payload as plain message text
func Render(alert AlertPayload) string {
	if alert.Title == "" && len(alert.Fields) == 0 {
		return alert.Message
	}
	text := fmt.Sprintf("[%s] %s\n\n%s", alert.Level, alert.Title, alert.Message)
	for k, v := range alert.Fields {
		text += fmt.Sprintf("\n- %s: %s", k, v)
	}
	return text
}
