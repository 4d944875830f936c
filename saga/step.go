// Package saga предоставляет оркестратор долгоживущих транзакций с компенсациями.
package saga

import (
	"context"
	"fmt"
	"time"
)

// ActionFunc основное действие шага. Возвращаемый результат сохраняется
// в контексте саги под ключом "<имя шага>.result" и в журнале stepResults.
type ActionFunc func(ctx context.Context, sagaCtx SagaContext) (interface{}, error)

// CompensationFunc компенсирующее действие шага
type CompensationFunc func(ctx context.Context, sagaCtx SagaContext) error

// RetryPolicy политика повторов шага с экспоненциальной задержкой
type RetryPolicy struct {
	// MaxAttempts общее число попыток, включая первую
	MaxAttempts int
	// Delay базовая задержка перед повтором
	Delay time.Duration
}

// CalculateDelay возвращает задержку после неудачной попытки attempt (с нуля):
// Delay * 2^attempt
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	delay := p.Delay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// NoRetry создает политику без повторов
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// ExponentialBackoff создает политику повторов с экспоненциальной задержкой
func ExponentialBackoff(maxAttempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, Delay: delay}
}

// SagaStep интерфейс шага саги
type SagaStep interface {
	// Name возвращает имя шага
	Name() string
	// Execute выполняет основное действие шага
	Execute(ctx context.Context, sagaCtx SagaContext) (interface{}, error)
	// Compensate выполняет компенсирующее действие
	Compensate(ctx context.Context, sagaCtx SagaContext) error
	// Timeout возвращает таймаут одной попытки, 0 — таймаут по умолчанию
	Timeout() time.Duration
	// RetryPolicy возвращает политику повторов
	RetryPolicy() RetryPolicy
}

// BaseStep базовая реализация SagaStep
type BaseStep struct {
	name         string
	action       ActionFunc
	compensation CompensationFunc
	timeout      time.Duration
	retryPolicy  RetryPolicy
}

// NewBaseStep создает новый базовый шаг
func NewBaseStep(name string) *BaseStep {
	return &BaseStep{
		name:        name,
		retryPolicy: NoRetry(),
	}
}

func (s *BaseStep) Name() string {
	return s.name
}

func (s *BaseStep) Execute(ctx context.Context, sagaCtx SagaContext) (interface{}, error) {
	if s.action == nil {
		return nil, fmt.Errorf("action not set for step %s", s.name)
	}
	return s.action(ctx, sagaCtx)
}

func (s *BaseStep) Compensate(ctx context.Context, sagaCtx SagaContext) error {
	if s.compensation == nil {
		// Отсутствие компенсации — no-op, не ошибка
		return nil
	}
	return s.compensation(ctx, sagaCtx)
}

func (s *BaseStep) Timeout() time.Duration {
	return s.timeout
}

func (s *BaseStep) RetryPolicy() RetryPolicy {
	return s.retryPolicy
}

// WithAction устанавливает основное действие
func (s *BaseStep) WithAction(action ActionFunc) *BaseStep {
	s.action = action
	return s
}

// WithCompensation устанавливает компенсирующее действие
func (s *BaseStep) WithCompensation(compensation CompensationFunc) *BaseStep {
	s.compensation = compensation
	return s
}

// WithTimeout устанавливает таймаут одной попытки
func (s *BaseStep) WithTimeout(timeout time.Duration) *BaseStep {
	s.timeout = timeout
	return s
}

// WithRetry устанавливает политику повторов
func (s *BaseStep) WithRetry(policy RetryPolicy) *BaseStep {
	s.retryPolicy = policy
	return s
}
