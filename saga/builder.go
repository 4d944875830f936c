package saga

import (
	"fmt"
	"time"
)

// SagaBuilder fluent построитель определения саги
type SagaBuilder struct {
	name        string
	steps       []SagaStep
	timeout     time.Duration
	retryPolicy *RetryPolicy
}

// NewSagaBuilder создает новый построитель саги
func NewSagaBuilder(name string) *SagaBuilder {
	return &SagaBuilder{
		name:  name,
		steps: make([]SagaStep, 0),
	}
}

// AddStep добавляет готовый шаг в сагу
func (b *SagaBuilder) AddStep(step SagaStep) *SagaBuilder {
	b.steps = append(b.steps, step)
	return b
}

// Step добавляет шаг через построитель шага
func (b *SagaBuilder) Step(name string, configure func(*StepBuilder)) *SagaBuilder {
	sb := NewStepBuilder(name)
	configure(sb)
	b.steps = append(b.steps, sb.build())
	return b
}

// WithTimeout устанавливает общий таймаут саги
func (b *SagaBuilder) WithTimeout(timeout time.Duration) *SagaBuilder {
	b.timeout = timeout
	return b
}

// WithRetryPolicy устанавливает политику повторов по умолчанию для шагов,
// не задавших свою
func (b *SagaBuilder) WithRetryPolicy(policy RetryPolicy) *SagaBuilder {
	b.retryPolicy = &policy
	return b
}

// Build строит SagaDefinition
func (b *SagaBuilder) Build() (*SagaDefinition, error) {
	for _, step := range b.steps {
		if baseStep, ok := step.(*BaseStep); ok {
			if b.retryPolicy != nil && baseStep.retryPolicy.MaxAttempts <= 1 && baseStep.retryPolicy.Delay == 0 {
				baseStep.WithRetry(*b.retryPolicy)
			}
			if baseStep.action == nil {
				return nil, fmt.Errorf("action is required for step %s", step.Name())
			}
		}
	}
	return NewSagaDefinition(b.name, b.timeout, b.steps...)
}

// StepBuilder построитель шага
type StepBuilder struct {
	step *BaseStep
}

// NewStepBuilder создает новый построитель шага
func NewStepBuilder(name string) *StepBuilder {
	return &StepBuilder{step: NewBaseStep(name)}
}

// WithAction устанавливает основное действие
func (b *StepBuilder) WithAction(action ActionFunc) *StepBuilder {
	b.step.WithAction(action)
	return b
}

// WithCompensation устанавливает компенсирующее действие
func (b *StepBuilder) WithCompensation(compensation CompensationFunc) *StepBuilder {
	b.step.WithCompensation(compensation)
	return b
}

// WithTimeout устанавливает таймаут одной попытки
func (b *StepBuilder) WithTimeout(timeout time.Duration) *StepBuilder {
	b.step.WithTimeout(timeout)
	return b
}

// WithRetry устанавливает политику повторов
func (b *StepBuilder) WithRetry(policy RetryPolicy) *StepBuilder {
	b.step.WithRetry(policy)
	return b
}

// Build строит SagaStep
func (b *StepBuilder) Build() (SagaStep, error) {
	if b.step.action == nil {
		return nil, fmt.Errorf("action is required for step %s", b.step.Name())
	}
	return b.step, nil
}

func (b *StepBuilder) build() SagaStep {
	return b.step
}
