// Package metrics предоставляет систему метрик на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SagaMetrics сборщик метрик координационного ядра.
// Nil-безопасен: все методы на nil-приемнике являются no-op, что позволяет
// не оборачивать каждый вызов проверкой.
type SagaMetrics struct {
	meter                 metric.Meter
	sagasStarted          metric.Int64Counter
	sagasFinished         metric.Int64Counter
	sagaDuration          metric.Float64Histogram
	stepsExecuted         metric.Int64Counter
	compensationsExecuted metric.Int64Counter
	breakerTransitions    metric.Int64Counter
	eventsAppended        metric.Int64Counter
	activeSagas           metric.Int64UpDownCounter
}

// NewSagaMetrics создает новый сборщик метрик
func NewSagaMetrics() (*SagaMetrics, error) {
	meter := otel.Meter("sagakit")

	sagasStarted, err := meter.Int64Counter(
		"sagas_started_total",
		metric.WithDescription("Total number of saga instances started"),
	)
	if err != nil {
		return nil, err
	}

	sagasFinished, err := meter.Int64Counter(
		"sagas_finished_total",
		metric.WithDescription("Total number of saga instances reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	sagaDuration, err := meter.Float64Histogram(
		"saga_duration_seconds",
		metric.WithDescription("Saga execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stepsExecuted, err := meter.Int64Counter(
		"saga_steps_total",
		metric.WithDescription("Total number of saga step executions"),
	)
	if err != nil {
		return nil, err
	}

	compensationsExecuted, err := meter.Int64Counter(
		"saga_compensations_total",
		metric.WithDescription("Total number of saga compensation executions"),
	)
	if err != nil {
		return nil, err
	}

	breakerTransitions, err := meter.Int64Counter(
		"circuit_breaker_transitions_total",
		metric.WithDescription("Total number of circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}

	eventsAppended, err := meter.Int64Counter(
		"events_appended_total",
		metric.WithDescription("Total number of events appended to the event store"),
	)
	if err != nil {
		return nil, err
	}

	activeSagas, err := meter.Int64UpDownCounter(
		"active_sagas",
		metric.WithDescription("Number of saga instances currently running"),
	)
	if err != nil {
		return nil, err
	}

	return &SagaMetrics{
		meter:                 meter,
		sagasStarted:          sagasStarted,
		sagasFinished:         sagasFinished,
		sagaDuration:          sagaDuration,
		stepsExecuted:         stepsExecuted,
		compensationsExecuted: compensationsExecuted,
		breakerTransitions:    breakerTransitions,
		eventsAppended:        eventsAppended,
		activeSagas:           activeSagas,
	}, nil
}

// SagaStarted записывает запуск экземпляра саги
func (m *SagaMetrics) SagaStarted(definition string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("definition", definition))
	m.sagasStarted.Add(ctx, 1, attrs)
	m.activeSagas.Add(ctx, 1, attrs)
}

// SagaFinished записывает достижение конечного состояния
func (m *SagaMetrics) SagaFinished(definition, state string, duration time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.sagasFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("definition", definition),
		attribute.String("state", state),
	))
	m.sagaDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("definition", definition),
	))
	m.activeSagas.Add(ctx, -1, metric.WithAttributes(attribute.String("definition", definition)))
}

// StepExecuted записывает результат выполнения шага
func (m *SagaMetrics) StepExecuted(definition, step string, success bool) {
	if m == nil {
		return
	}
	m.stepsExecuted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("definition", definition),
		attribute.String("step", step),
		attribute.Bool("success", success),
	))
}

// CompensationExecuted записывает результат компенсации шага
func (m *SagaMetrics) CompensationExecuted(definition, step string, success bool) {
	if m == nil {
		return
	}
	m.compensationsExecuted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("definition", definition),
		attribute.String("step", step),
		attribute.Bool("success", success),
	))
}

// BreakerTransition записывает смену состояния circuit breaker'а
func (m *SagaMetrics) BreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// EventsAppended записывает добавление событий в хранилище
func (m *SagaMetrics) EventsAppended(aggregateType string, count int64) {
	if m == nil {
		return
	}
	m.eventsAppended.Add(context.Background(), count, metric.WithAttributes(
		attribute.String("aggregate_type", aggregateType),
	))
}
