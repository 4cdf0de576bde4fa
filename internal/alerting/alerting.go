// Package alerting emits operator alerts for conditions a user never sees
// directly: growing backlogs, jobs pending too long, boot diagnostics.
// Alerts are fire-and-forget; a failed emit is logged, never propagated.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Kind classifies the alert condition.
type Kind string

const (
	KindPendingAge Kind = "pending_age"
	KindQueueDepth Kind = "queue_depth"
	KindBoot       Kind = "boot"
)

// Severity grades the alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the event published on the alert exchange.
type Alert struct {
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Service   string         `json:"service"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Emitter delivers alerts to operators.
type Emitter interface {
	Emit(ctx context.Context, alert Alert)
}

// publisher is the slice of shared/rabbitmq.Client the emitter needs.
type publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// AMQPEmitter publishes alerts as JSON on the alert exchange, routed
// <prefix>.<kind>. Publish failures degrade to a log line so the alert is
// never silently lost.
type AMQPEmitter struct {
	pub     publisher
	prefix  string
	service string
	logger  *slog.Logger
}

func NewAMQPEmitter(pub publisher, routingPrefix, service string, logger *slog.Logger) *AMQPEmitter {
	if routingPrefix == "" {
		routingPrefix = "alerts"
	}
	return &AMQPEmitter{
		pub:     pub,
		prefix:  routingPrefix,
		service: service,
		logger:  logger,
	}
}

func (e *AMQPEmitter) Emit(ctx context.Context, alert Alert) {
	alert.Service = e.service
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(alert)
	if err != nil {
		e.logger.Error("Failed to encode alert",
			slog.String("kind", string(alert.Kind)),
			slog.Any("error", err),
		)
		return
	}

	routingKey := fmt.Sprintf("%s.%s", e.prefix, alert.Kind)
	if err := e.pub.PublishWithRetry(ctx, routingKey, body, "application/json"); err != nil {
		logAlert(e.logger, alert, slog.Any("publish_error", err))
		return
	}

	e.logger.Debug("Alert published",
		slog.String("kind", string(alert.Kind)),
		slog.String("severity", string(alert.Severity)),
		slog.String("routing_key", routingKey),
	)
}

// LogEmitter writes alerts to the service log. Used when no alert bus is
// configured, and as the degradation target when publishing fails.
type LogEmitter struct {
	service string
	logger  *slog.Logger
}

func NewLogEmitter(service string, logger *slog.Logger) *LogEmitter {
	return &LogEmitter{service: service, logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, alert Alert) {
	alert.Service = e.service
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	logAlert(e.logger, alert)
}

func logAlert(logger *slog.Logger, alert Alert, extra ...any) {
	attrs := []any{
		slog.String("kind", string(alert.Kind)),
		slog.String("severity", string(alert.Severity)),
		slog.String("service", alert.Service),
	}
	for k, v := range alert.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	attrs = append(attrs, extra...)

	switch alert.Severity {
	case SeverityCritical:
		logger.Error("ALERT: "+alert.Message, attrs...)
	case SeverityWarning:
		logger.Warn("ALERT: "+alert.Message, attrs...)
	default:
		logger.Info("ALERT: "+alert.Message, attrs...)
	}
}
