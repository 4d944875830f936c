package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/akriventsev/sagakit/events"
)

// Типы событий жизненного цикла саги
const (
	EventTypeSagaStarted            = "saga.started"
	EventTypeStepCompleted          = "saga.step_completed"
	EventTypeStepFailed             = "saga.step_failed"
	EventTypeSagaCompensating       = "saga.compensating"
	EventTypeStepCompensated        = "saga.step_compensated"
	EventTypeStepCompensationFailed = "saga.step_compensation_failed"
	EventTypeSagaCompleted          = "saga.completed"
	EventTypeSagaCompensated        = "saga.compensated"
	EventTypeSagaFailed             = "saga.failed"
)

// SagaStreamID возвращает идентификатор потока событий экземпляра саги
func SagaStreamID(sagaID string) string {
	return "saga-" + sagaID
}

// SagaStartedEvent сага создана и запущена
type SagaStartedEvent struct {
	*events.BaseEvent
	SagaID         string                 `json:"saga_id"`
	Definition     string                 `json:"definition"`
	InitialContext map[string]interface{} `json:"initial_context"`
}

// NewSagaStartedEvent создает событие запуска саги
func NewSagaStartedEvent(sagaID, definition string, initialContext map[string]interface{}) *SagaStartedEvent {
	return &SagaStartedEvent{
		BaseEvent:      events.NewBaseEvent(EventTypeSagaStarted, SagaStreamID(sagaID)),
		SagaID:         sagaID,
		Definition:     definition,
		InitialContext: initialContext,
	}
}

// StepCompletedEvent шаг успешно выполнен
type StepCompletedEvent struct {
	*events.BaseEvent
	SagaID    string        `json:"saga_id"`
	StepName  string        `json:"step_name"`
	StepIndex int           `json:"step_index"`
	Result    interface{}   `json:"result,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// NewStepCompletedEvent создает событие успешного завершения шага
func NewStepCompletedEvent(sagaID, stepName string, stepIndex int, result interface{}, duration time.Duration) *StepCompletedEvent {
	return &StepCompletedEvent{
		BaseEvent: events.NewBaseEvent(EventTypeStepCompleted, SagaStreamID(sagaID)),
		SagaID:    sagaID,
		StepName:  stepName,
		StepIndex: stepIndex,
		Result:    result,
		Duration:  duration,
	}
}

// StepFailedEvent шаг исчерпал попытки выполнения
type StepFailedEvent struct {
	*events.BaseEvent
	SagaID    string `json:"saga_id"`
	StepName  string `json:"step_name"`
	StepIndex int    `json:"step_index"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// NewStepFailedEvent создает событие неудачного завершения шага
func NewStepFailedEvent(sagaID, stepName string, stepIndex int, err error, attempts int) *StepFailedEvent {
	return &StepFailedEvent{
		BaseEvent: events.NewBaseEvent(EventTypeStepFailed, SagaStreamID(sagaID)),
		SagaID:    sagaID,
		StepName:  stepName,
		StepIndex: stepIndex,
		Error:     err.Error(),
		Attempts:  attempts,
	}
}

// SagaCompensatingEvent начат откат выполненных шагов
type SagaCompensatingEvent struct {
	*events.BaseEvent
	SagaID string `json:"saga_id"`
	Reason string `json:"reason"`
}

// NewSagaCompensatingEvent создает событие начала компенсации
func NewSagaCompensatingEvent(sagaID, reason string) *SagaCompensatingEvent {
	return &SagaCompensatingEvent{
		BaseEvent: events.NewBaseEvent(EventTypeSagaCompensating, SagaStreamID(sagaID)),
		SagaID:    sagaID,
		Reason:    reason,
	}
}

// StepCompensatedEvent компенсация шага выполнена
type StepCompensatedEvent struct {
	*events.BaseEvent
	SagaID   string `json:"saga_id"`
	StepName string `json:"step_name"`
}

// NewStepCompensatedEvent создает событие успешной компенсации шага
func NewStepCompensatedEvent(sagaID, stepName string) *StepCompensatedEvent {
	return &StepCompensatedEvent{
		BaseEvent: events.NewBaseEvent(EventTypeStepCompensated, SagaStreamID(sagaID)),
		SagaID:    sagaID,
		StepName:  stepName,
	}
}

// StepCompensationFailedEvent компенсация шага завершилась ошибкой
type StepCompensationFailedEvent struct {
	*events.BaseEvent
	SagaID   string `json:"saga_id"`
	StepName string `json:"step_name"`
	Error    string `json:"error"`
}

// NewStepCompensationFailedEvent создает событие неудачной компенсации шага
func NewStepCompensationFailedEvent(sagaID, stepName string, err error) *StepCompensationFailedEvent {
	return &StepCompensationFailedEvent{
		BaseEvent: events.NewBaseEvent(EventTypeStepCompensationFailed, SagaStreamID(sagaID)),
		SagaID:    sagaID,
		StepName:  stepName,
		Error:     err.Error(),
	}
}

// SagaCompletedEvent все шаги выполнены успешно
type SagaCompletedEvent struct {
	*events.BaseEvent
	SagaID   string        `json:"saga_id"`
	Duration time.Duration `json:"duration"`
}

// NewSagaCompletedEvent создает событие успешного завершения саги
func NewSagaCompletedEvent(sagaID string, duration time.Duration) *SagaCompletedEvent {
	return &SagaCompletedEvent{
		BaseEvent: events.NewBaseEvent(EventTypeSagaCompleted, SagaStreamID(sagaID)),
		SagaID:    sagaID,
		Duration:  duration,
	}
}

// SagaCompensatedEvent откат завершен, все компенсации подтверждены
type SagaCompensatedEvent struct {
	*events.BaseEvent
	SagaID string `json:"saga_id"`
}

// NewSagaCompensatedEvent создает событие завершенного отката
func NewSagaCompensatedEvent(sagaID string) *SagaCompensatedEvent {
	return &SagaCompensatedEvent{
		BaseEvent: events.NewBaseEvent(EventTypeSagaCompensated, SagaStreamID(sagaID)),
		SagaID:    sagaID,
	}
}

// SagaFailedEvent откат не подтвержден, требуется вмешательство оператора
type SagaFailedEvent struct {
	*events.BaseEvent
	SagaID string   `json:"saga_id"`
	Errors []string `json:"errors"`
}

// NewSagaFailedEvent создает событие необратимого сбоя саги
func NewSagaFailedEvent(sagaID string, errs []string) *SagaFailedEvent {
	return &SagaFailedEvent{
		BaseEvent: events.NewBaseEvent(EventTypeSagaFailed, SagaStreamID(sagaID)),
		SagaID:    sagaID,
		Errors:    errs,
	}
}

// EventDeserializer десериализует события жизненного цикла саги из хранилища
type EventDeserializer struct{}

// DeserializeEvent восстанавливает событие саги по типу
func (d *EventDeserializer) DeserializeEvent(eventType string, data []byte) (events.Event, error) {
	var target events.Event
	switch eventType {
	case EventTypeSagaStarted:
		target = &SagaStartedEvent{BaseEvent: events.NewBaseEvent(eventType, "")}
	case EventTypeStepCompleted:
		target = &StepCompletedEvent{BaseEvent: events.NewBaseEvent(eventType, "")}
	case EventTypeStepFailed:
		target = &StepFailedEvent{BaseEvent: events.NewBaseEvent(eventType, "")}
	case EventTypeSagaCompensating:
		target = &SagaCompensatingEvent{BaseEvent: events.NewBaseEvent(eventType, "")}
	case EventTypeStepCompensated:
		target = &StepCompensatedEvent{BaseEvent: events.NewBaseEvent(eventType, "")}
	case EventTypeStepCompensationFailed:
		target = &StepCompensationFailedEvent{BaseEvent: events.NewBaseEvent(eventType, "")}
	case EventTypeSagaCompleted:
		target = &SagaCompletedEvent{BaseEvent: events.NewBaseEvent(eventType, "")}
	case EventTypeSagaCompensated:
		target = &SagaCompensatedEvent{BaseEvent: events.NewBaseEvent(eventType, "")}
	case EventTypeSagaFailed:
		target = &SagaFailedEvent{BaseEvent: events.NewBaseEvent(eventType, "")}
	default:
		return nil, fmt.Errorf("unknown saga event type: %s", eventType)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", eventType, err)
	}
	return target, nil
}
