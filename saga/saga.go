package saga

import (
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/sagakit/core"
)

var (
	// ErrDefinitionNotFound определение саги не зарегистрировано
	ErrDefinitionNotFound = core.NewError(core.ErrNotFound, "saga definition not found")
	// ErrStepExecutionFailed шаг исчерпал попытки выполнения
	ErrStepExecutionFailed = core.NewError(core.ErrStepExecutionFailed, "saga step execution failed")
	// ErrCompensationFailed компенсация шага завершилась ошибкой
	ErrCompensationFailed = core.NewError(core.ErrCompensationFailed, "saga compensation failed")
	// ErrSagaTimeout общий таймаут саги истек
	ErrSagaTimeout = core.NewError(core.ErrSagaTimeout, "saga timed out")
)

// SagaState состояние экземпляра саги
type SagaState string

const (
	StatePending      SagaState = "pending"
	StateRunning      SagaState = "running"
	StateCompensating SagaState = "compensating"
	StateCompleted    SagaState = "completed"
	StateCompensated  SagaState = "compensated"
	StateFailed       SagaState = "failed"
)

// IsTerminal возвращает true для конечных состояний
func (s SagaState) IsTerminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateFailed
}

// SagaDefinition неизменяемый шаблон саги.
// Создается один раз при старте процесса и регистрируется в оркестраторе.
type SagaDefinition struct {
	name    string
	steps   []SagaStep
	timeout time.Duration
}

// NewSagaDefinition создает новое определение саги
func NewSagaDefinition(name string, timeout time.Duration, steps ...SagaStep) (*SagaDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("saga name cannot be empty")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("saga %s must have at least one step", name)
	}
	seen := make(map[string]bool, len(steps))
	for _, step := range steps {
		if step.Name() == "" {
			return nil, fmt.Errorf("saga %s has a step with empty name", name)
		}
		if seen[step.Name()] {
			return nil, fmt.Errorf("saga %s has duplicate step %s", name, step.Name())
		}
		seen[step.Name()] = true
	}

	copied := make([]SagaStep, len(steps))
	copy(copied, steps)
	return &SagaDefinition{
		name:    name,
		steps:   copied,
		timeout: timeout,
	}, nil
}

// Name возвращает имя определения
func (d *SagaDefinition) Name() string {
	return d.name
}

// Steps возвращает копию списка шагов
func (d *SagaDefinition) Steps() []SagaStep {
	result := make([]SagaStep, len(d.steps))
	copy(result, d.steps)
	return result
}

// Timeout возвращает общий таймаут саги
func (d *SagaDefinition) Timeout() time.Duration {
	return d.timeout
}

// StepResult запись журнала выполненных шагов
type StepResult struct {
	Step        string
	Result      interface{}
	CompletedAt time.Time
}

// SagaStatus race-free снимок состояния экземпляра саги
type SagaStatus struct {
	SagaID      string
	Definition  string
	State       SagaState
	CurrentStep int
	StepResults []StepResult
	Errors      []string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SagaInstance выполняющийся экземпляр саги.
// Мутации выполняет только goroutine оркестратора, владеющая экземпляром;
// остальные читают состояние через Status().
type SagaInstance struct {
	mu          sync.RWMutex
	id          string
	definition  string
	steps       []SagaStep // снимок шагов на момент старта
	timeout     time.Duration
	state       SagaState
	currentStep int
	context     SagaContext
	stepResults []StepResult
	errors      []string
	startedAt   time.Time
	completedAt *time.Time
	version     int64 // версия потока событий саги
	done        chan struct{}
}

func newSagaInstance(id string, def *SagaDefinition, sagaCtx SagaContext) *SagaInstance {
	return &SagaInstance{
		id:         id,
		definition: def.Name(),
		steps:      def.Steps(),
		timeout:    def.Timeout(),
		state:      StatePending,
		context:    sagaCtx,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// ID возвращает идентификатор экземпляра
func (s *SagaInstance) ID() string {
	return s.id
}

// Context возвращает контекст саги
func (s *SagaInstance) Context() SagaContext {
	return s.context
}

// Done возвращает канал, закрываемый при достижении конечного состояния
func (s *SagaInstance) Done() <-chan struct{} {
	return s.done
}

// Status возвращает race-free снимок состояния
func (s *SagaInstance) Status() SagaStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]StepResult, len(s.stepResults))
	copy(results, s.stepResults)
	errs := make([]string, len(s.errors))
	copy(errs, s.errors)

	var completedAt *time.Time
	if s.completedAt != nil {
		t := *s.completedAt
		completedAt = &t
	}

	return SagaStatus{
		SagaID:      s.id,
		Definition:  s.definition,
		State:       s.state,
		CurrentStep: s.currentStep,
		StepResults: results,
		Errors:      errs,
		StartedAt:   s.startedAt,
		CompletedAt: completedAt,
	}
}

// setState переводит экземпляр в новое состояние
func (s *SagaInstance) setState(state SagaState) {
	s.mu.Lock()
	s.state = state
	if state.IsTerminal() {
		now := time.Now()
		s.completedAt = &now
	}
	s.mu.Unlock()

	if state.IsTerminal() {
		close(s.done)
	}
}

func (s *SagaInstance) setCurrentStep(index int) {
	s.mu.Lock()
	s.currentStep = index
	s.mu.Unlock()
}

func (s *SagaInstance) recordResult(stepName string, result interface{}) {
	s.mu.Lock()
	s.stepResults = append(s.stepResults, StepResult{
		Step:        stepName,
		Result:      result,
		CompletedAt: time.Now(),
	})
	s.mu.Unlock()
}

func (s *SagaInstance) recordError(err error) {
	s.mu.Lock()
	s.errors = append(s.errors, err.Error())
	s.mu.Unlock()
}

// SagaContext потокобезопасный контекст выполнения саги
type SagaContext interface {
	// Get получает значение по ключу
	Get(key string) interface{}
	// Set устанавливает значение по ключу
	Set(key string, value interface{})
	// GetString получает строковое значение
	GetString(key string) string
	// GetInt64 получает целочисленное значение
	GetInt64(key string) int64
	// GetFloat64 получает значение float64
	GetFloat64(key string) float64
	// GetBool получает булево значение
	GetBool(key string) bool
	// CorrelationID возвращает correlation ID
	CorrelationID() string
	// SetCorrelationID устанавливает correlation ID
	SetCorrelationID(id string)
	// ToMap возвращает снимок контекста
	ToMap() map[string]interface{}
}

// sagaContext реализация SagaContext
type sagaContext struct {
	mu            sync.RWMutex
	data          map[string]interface{}
	correlationID string
}

// NewSagaContext создает контекст саги из начальных данных
func NewSagaContext(initial map[string]interface{}) SagaContext {
	data := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		data[k] = v
	}
	return &sagaContext{data: data}
}

func (c *sagaContext) Get(key string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[key]
}

func (c *sagaContext) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *sagaContext) GetString(key string) string {
	if str, ok := c.Get(key).(string); ok {
		return str
	}
	return ""
}

func (c *sagaContext) GetInt64(key string) int64 {
	switch v := c.Get(key).(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (c *sagaContext) GetFloat64(key string) float64 {
	switch v := c.Get(key).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func (c *sagaContext) GetBool(key string) bool {
	if b, ok := c.Get(key).(bool); ok {
		return b
	}
	return false
}

func (c *sagaContext) CorrelationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.correlationID
}

func (c *sagaContext) SetCorrelationID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.correlationID = id
}

func (c *sagaContext) ToMap() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]interface{}, len(c.data))
	for k, v := range c.data {
		result[k] = v
	}
	return result
}

// ResultKey возвращает ключ контекста, под которым сохраняется результат шага
func ResultKey(stepName string) string {
	return stepName + ".result"
}
