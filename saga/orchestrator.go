package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/sagakit/breaker"
	"github.com/akriventsev/sagakit/core"
	"github.com/akriventsev/sagakit/events"
	"github.com/akriventsev/sagakit/eventsourcing"
	"github.com/akriventsev/sagakit/metrics"
)

// OrchestratorConfig конфигурация оркестратора
type OrchestratorConfig struct {
	// DefaultStepTimeout таймаут одной попытки шага, если шаг не задает свой
	DefaultStepTimeout time.Duration
	// DefaultSagaTimeout общий таймаут саги, если определение не задает свой
	DefaultSagaTimeout time.Duration
	// TerminalRetention время, в течение которого завершенный экземпляр
	// остается доступным через GetSagaStatus до вытеснения из live set
	TerminalRetention time.Duration
	// Breaker конфигурация circuit breaker'ов шагов
	Breaker breaker.Config
	// Metrics опциональный сборщик метрик
	Metrics *metrics.SagaMetrics
}

// DefaultOrchestratorConfig возвращает конфигурацию по умолчанию
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		DefaultStepTimeout: 30 * time.Second,
		DefaultSagaTimeout: 5 * time.Minute,
		TerminalRetention:  10 * time.Minute,
		Breaker:            breaker.DefaultConfig(),
	}
}

// Validate проверяет корректность конфигурации
func (c *OrchestratorConfig) Validate() error {
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 30 * time.Second
	}
	if c.DefaultSagaTimeout <= 0 {
		c.DefaultSagaTimeout = 5 * time.Minute
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 10 * time.Minute
	}
	return c.Breaker.Validate()
}

// Orchestrator выполняет экземпляры саг: шаги строго последовательно в
// прямом порядке, компенсации best-effort в обратном. Каждый экземпляр
// выполняется собственной goroutine; действия шагов защищены circuit
// breaker'ом, разделяемым по имени шага между всеми сагами процесса.
type Orchestrator struct {
	config   OrchestratorConfig
	store    eventsourcing.EventStore
	breakers *breaker.Group

	defMu       sync.RWMutex
	definitions map[string]*SagaDefinition

	instMu    sync.RWMutex
	instances map[string]*SagaInstance
}

// NewOrchestrator создает новый оркестратор саг
func NewOrchestrator(store eventsourcing.EventStore, config OrchestratorConfig) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	breakers, err := breaker.NewGroup(config.Breaker)
	if err != nil {
		return nil, err
	}
	if config.Metrics != nil {
		breakers.OnStateChange(func(name string, from, to breaker.State) {
			config.Metrics.BreakerTransition(name, from.String(), to.String())
		})
	}

	return &Orchestrator{
		config:      config,
		store:       store,
		breakers:    breakers,
		definitions: make(map[string]*SagaDefinition),
		instances:   make(map[string]*SagaInstance),
	}, nil
}

// RegisterSaga регистрирует определение саги. Повторная регистрация с тем же
// именем перезаписывает определение; уже запущенные экземпляры продолжают
// работать со снимком шагов, захваченным при старте.
func (o *Orchestrator) RegisterSaga(definition *SagaDefinition) error {
	if definition == nil {
		return fmt.Errorf("saga definition cannot be nil")
	}
	o.defMu.Lock()
	defer o.defMu.Unlock()
	o.definitions[definition.Name()] = definition
	return nil
}

// StartSaga создает экземпляр саги и запускает его асинхронно.
// Возвращается сразу после публикации SagaStarted, не дожидаясь выполнения.
func (o *Orchestrator) StartSaga(ctx context.Context, definitionName string, initialContext map[string]interface{}) (string, error) {
	o.defMu.RLock()
	definition, exists := o.definitions[definitionName]
	o.defMu.RUnlock()
	if !exists {
		return "", fmt.Errorf("saga %s: %w", definitionName, ErrDefinitionNotFound)
	}

	sagaCtx := NewSagaContext(initialContext)
	if sagaCtx.CorrelationID() == "" {
		sagaCtx.SetCorrelationID(uuid.New().String())
	}

	inst := newSagaInstance(uuid.New().String(), definition, sagaCtx)

	o.instMu.Lock()
	o.instances[inst.id] = inst
	o.instMu.Unlock()

	started := NewSagaStartedEvent(inst.id, definitionName, sagaCtx.ToMap())
	started.WithCorrelationID(sagaCtx.CorrelationID())
	newVersion, err := o.store.AppendEvents(ctx, SagaStreamID(inst.id), "Saga", inst.version, []events.Event{started})
	if err != nil {
		o.evict(inst.id)
		return "", fmt.Errorf("failed to persist saga start: %w", err)
	}
	inst.version = newVersion

	inst.setState(StateRunning)
	o.config.Metrics.SagaStarted(definitionName)

	go o.run(inst)
	return inst.id, nil
}

// GetSagaStatus возвращает снимок состояния живого экземпляра или nil,
// если экземпляр завершился и был вытеснен. История завершенных саг
// остается доступной через Event Store.
func (o *Orchestrator) GetSagaStatus(sagaID string) *SagaStatus {
	o.instMu.RLock()
	inst, exists := o.instances[sagaID]
	o.instMu.RUnlock()
	if !exists {
		return nil
	}
	status := inst.Status()
	return &status
}

// WaitForSaga блокирует до конечного состояния экземпляра или отмены контекста
func (o *Orchestrator) WaitForSaga(ctx context.Context, sagaID string) (*SagaStatus, error) {
	o.instMu.RLock()
	inst, exists := o.instances[sagaID]
	o.instMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("saga %s: %w", sagaID, core.NewError(core.ErrNotFound, "saga instance not found"))
	}

	select {
	case <-inst.done:
		status := inst.Status()
		return &status, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BreakerMetrics возвращает метрики circuit breaker'ов всех шагов
func (o *Orchestrator) BreakerMetrics() map[string]breaker.Metrics {
	return o.breakers.GetMetrics()
}

// run выполняет экземпляр саги от первого шага до конечного состояния
func (o *Orchestrator) run(inst *SagaInstance) {
	timeout := inst.timeout
	if timeout <= 0 {
		timeout = o.config.DefaultSagaTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var failure error
	lastCompleted := -1

	for i, step := range inst.steps {
		inst.setCurrentStep(i)

		started := time.Now()
		result, attempts, err := o.executeStep(ctx, inst, step)
		if err != nil {
			inst.recordError(err)
			o.appendEvent(inst, NewStepFailedEvent(inst.id, step.Name(), i, err, attempts))
			o.config.Metrics.StepExecuted(inst.definition, step.Name(), false)
			failure = err
			break
		}

		inst.recordResult(step.Name(), result)
		inst.context.Set(ResultKey(step.Name()), result)
		o.appendEvent(inst, NewStepCompletedEvent(inst.id, step.Name(), i, result, time.Since(started)))
		o.config.Metrics.StepExecuted(inst.definition, step.Name(), true)
		lastCompleted = i
	}

	if failure == nil {
		o.appendEvent(inst, NewSagaCompletedEvent(inst.id, time.Since(inst.startedAt)))
		inst.setState(StateCompleted)
		o.config.Metrics.SagaFinished(inst.definition, string(StateCompleted), time.Since(inst.startedAt))
		o.scheduleEviction(inst)
		return
	}

	inst.setState(StateCompensating)
	o.appendEvent(inst, NewSagaCompensatingEvent(inst.id, failure.Error()))

	compensationErrors := o.compensate(inst, lastCompleted)

	var terminal SagaState
	if len(compensationErrors) == 0 {
		terminal = StateCompensated
		o.appendEvent(inst, NewSagaCompensatedEvent(inst.id))
	} else {
		// Неподтвержденный откат требует вмешательства оператора
		terminal = StateFailed
		status := inst.Status()
		o.appendEvent(inst, NewSagaFailedEvent(inst.id, status.Errors))
	}
	inst.setState(terminal)
	o.config.Metrics.SagaFinished(inst.definition, string(terminal), time.Since(inst.startedAt))
	o.scheduleEviction(inst)
}

// executeStep выполняет шаг с повторами и экспоненциальной задержкой.
// Отклонение открытым breaker'ом расходует попытку наравне со сбоем.
func (o *Orchestrator) executeStep(ctx context.Context, inst *SagaInstance, step SagaStep) (interface{}, int, error) {
	cb := o.breakers.Get(step.Name())

	policy := step.RetryPolicy()
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.CalculateDelay(attempt - 1)):
			case <-ctx.Done():
				return nil, attempt, fmt.Errorf("saga %s: %w", inst.id, ErrSagaTimeout)
			}
		}

		result, err := o.attemptStep(ctx, inst, step, cb)
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err

		// Общий таймаут саги прекращает повторы немедленно
		if errors.Is(err, ErrSagaTimeout) {
			return nil, attempt + 1, err
		}
	}

	return nil, maxAttempts, core.Wrap(lastErr, core.ErrStepExecutionFailed,
		fmt.Sprintf("step %s exhausted %d attempts", step.Name(), maxAttempts))
}

// attemptStep выполняет одну попытку шага с таймаутом.
// Действие запускается в отдельной goroutine; буферизованный канал
// позволяет просроченной попытке завершиться позже, не блокируя
// оркестратор — поздний результат отбрасывается.
func (o *Orchestrator) attemptStep(ctx context.Context, inst *SagaInstance, step SagaStep, cb *breaker.CircuitBreaker) (interface{}, error) {
	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = o.config.DefaultStepTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		result, err := cb.Execute(attemptCtx, func(c context.Context) (interface{}, error) {
			return step.Execute(c, inst.context)
		})
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("saga %s: %w", inst.id, ErrSagaTimeout)
		}
		return nil, fmt.Errorf("step %s attempt timed out after %s", step.Name(), timeout)
	}
}

// compensate откатывает выполненные шаги в обратном порядке.
// Ошибка компенсации фиксируется, но не прерывает откат остальных шагов.
func (o *Orchestrator) compensate(inst *SagaInstance, from int) []error {
	var errs []error
	for i := from; i >= 0; i-- {
		step := inst.steps[i]
		inst.setCurrentStep(i)

		err := o.runCompensation(inst, step)
		o.config.Metrics.CompensationExecuted(inst.definition, step.Name(), err == nil)
		if err != nil {
			wrapped := core.Wrap(err, core.ErrCompensationFailed,
				fmt.Sprintf("compensation for step %s failed", step.Name()))
			errs = append(errs, wrapped)
			inst.recordError(wrapped)
			o.appendEvent(inst, NewStepCompensationFailedEvent(inst.id, step.Name(), err))
			log.Printf("saga %s: compensation for step %s failed: %v", inst.id, step.Name(), err)
			continue
		}
		o.appendEvent(inst, NewStepCompensatedEvent(inst.id, step.Name()))
	}
	return errs
}

// runCompensation выполняет компенсацию одного шага с собственным таймаутом.
// Компенсация запускается на свежем контексте: контекст саги к этому
// моменту уже мог истечь.
func (o *Orchestrator) runCompensation(inst *SagaInstance, step SagaStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation for step %s panicked: %v", step.Name(), r)
		}
	}()

	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = o.config.DefaultStepTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return step.Compensate(ctx, inst.context)
}

// appendEvent добавляет событие жизненного цикла в поток саги.
// Поток пишет только goroutine-владелец, поэтому версия отслеживается
// без блокировки. Сбой записи логируется и не прерывает выполнение.
func (o *Orchestrator) appendEvent(inst *SagaInstance, event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	newVersion, err := o.store.AppendEvents(ctx, SagaStreamID(inst.id), "Saga", inst.version, []events.Event{event})
	if err != nil {
		log.Printf("saga %s: failed to append %s: %v", inst.id, event.EventType(), err)
		return
	}
	inst.version = newVersion
}

// scheduleEviction вытесняет завершенный экземпляр из live set по таймеру
func (o *Orchestrator) scheduleEviction(inst *SagaInstance) {
	time.AfterFunc(o.config.TerminalRetention, func() {
		o.evict(inst.id)
	})
}

func (o *Orchestrator) evict(sagaID string) {
	o.instMu.Lock()
	defer o.instMu.Unlock()
	delete(o.instances, sagaID)
}
