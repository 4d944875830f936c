// Package breaker реализует паттерн Circuit Breaker для защиты внешних вызовов.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/sagakit/core"
)

// ErrCircuitOpen возвращается при отклонении вызова открытым breaker'ом.
// Операция при этом не вызывается.
var ErrCircuitOpen = core.NewError(core.ErrCircuitOpen, "circuit breaker is open")

// State состояние circuit breaker
type State int

const (
	// StateClosed вызовы проходят, сбои считаются
	StateClosed State = iota
	// StateOpen вызовы отклоняются без обращения к операции
	StateOpen
	// StateHalfOpen ограниченное число пробных вызовов
	StateHalfOpen
)

// String возвращает строковое представление состояния
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config конфигурация circuit breaker
type Config struct {
	// FailureThreshold число последовательных сбоев до перехода в Open
	FailureThreshold int
	// SuccessThreshold число успешных проб в HalfOpen до перехода в Closed
	SuccessThreshold int
	// Timeout задержка Open -> HalfOpen
	Timeout time.Duration
	// HalfOpenRequests максимум одновременных проб в HalfOpen
	HalfOpenRequests int
	// TimeWindow скользящее окно для расчета failure rate
	TimeWindow time.Duration
	// ExcludedErrors ошибки, не считающиеся сбоями (бизнес-валидация и т.п.)
	ExcludedErrors []error
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 1,
		TimeWindow:       60 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("FailureThreshold must be positive")
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("SuccessThreshold must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive")
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = 60 * time.Second
	}
	return nil
}

// Operation защищаемая операция
type Operation func(ctx context.Context) (interface{}, error)

// StateChangeHandler обработчик смены состояния
type StateChangeHandler func(name string, from, to State)

// Metrics снимок метрик breaker'а
type Metrics struct {
	Name                string
	State               State
	FailureRate         float64
	ConsecutiveFailures int
	TotalRequests       int64
	TotalSuccesses      int64
	TotalFailures       int64
	TotalRejected       int64
	LastStateChange     time.Time
}

// outcome результат вызова в скользящем окне
type outcome struct {
	at      time.Time
	failure bool
}

// CircuitBreaker защищает одну логическую внешнюю операцию.
// Один экземпляр разделяется всеми конкурентными вызовами этой операции.
type CircuitBreaker struct {
	name   string
	config Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	window           []outcome

	totalRequests  int64
	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64

	handlers []StateChangeHandler
}

// New создает новый circuit breaker
func New(name string, config Config) (*CircuitBreaker, error) {
	if name == "" {
		return nil, fmt.Errorf("breaker name cannot be empty")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}, nil
}

// Name возвращает имя breaker'а
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State возвращает текущее состояние
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange регистрирует обработчик смены состояния.
// Обработчики вызываются асинхронно на каждый переход.
func (cb *CircuitBreaker) OnStateChange(handler StateChangeHandler) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.handlers = append(cb.handlers, handler)
}

// Execute выполняет операцию под защитой breaker'а.
// В Open вызов отклоняется с ErrCircuitOpen без обращения к операции.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation Operation) (interface{}, error) {
	if err := cb.admit(); err != nil {
		return nil, err
	}

	result, err := operation(ctx)
	cb.record(err)
	return result, err
}

// admit решает, допускать ли вызов, и резервирует пробу в HalfOpen
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.config.Timeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenInFlight++
			return nil
		}
		cb.totalRejected++
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenRequests {
			cb.halfOpenInFlight++
			return nil
		}
		cb.totalRejected++
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	default:
		cb.totalRejected++
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}
}

// record учитывает результат допущенного вызова
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil && !cb.isExcluded(err) {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses++
	cb.pushOutcome(false)

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.totalFailures++
	cb.lastFailureTime = time.Now()
	cb.pushOutcome(true)

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Единственный сбой пробы снова открывает цепь
		cb.transitionTo(StateOpen)
	}
}

// isExcluded проверяет, входит ли ошибка в список исключений
func (cb *CircuitBreaker) isExcluded(err error) bool {
	for _, excluded := range cb.config.ExcludedErrors {
		if errors.Is(err, excluded) {
			return true
		}
	}
	return false
}

// transitionTo переводит breaker в новое состояние, вызывается под mu
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case StateOpen:
		cb.successCount = 0
		cb.halfOpenInFlight = 0
	case StateHalfOpen:
		cb.successCount = 0
	}

	for _, handler := range cb.handlers {
		go handler(cb.name, oldState, newState)
	}
}

// pushOutcome добавляет результат в скользящее окно, вызывается под mu
func (cb *CircuitBreaker) pushOutcome(failure bool) {
	now := time.Now()
	cb.window = append(cb.window, outcome{at: now, failure: failure})
	cutoff := now.Add(-cb.config.TimeWindow)
	for len(cb.window) > 0 && cb.window[0].at.Before(cutoff) {
		cb.window = cb.window[1:]
	}
}

// GetMetrics возвращает снимок метрик breaker'а
func (cb *CircuitBreaker) GetMetrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cutoff := time.Now().Add(-cb.config.TimeWindow)
	total := 0
	failed := 0
	for _, o := range cb.window {
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if o.failure {
			failed++
		}
	}

	failureRate := 0.0
	if total > 0 {
		failureRate = float64(failed) / float64(total)
	}

	return Metrics{
		Name:                cb.name,
		State:               cb.state,
		FailureRate:         failureRate,
		ConsecutiveFailures: cb.failureCount,
		TotalRequests:       cb.totalRequests,
		TotalSuccesses:      cb.totalSuccesses,
		TotalFailures:       cb.totalFailures,
		TotalRejected:       cb.totalRejected,
		LastStateChange:     cb.lastStateChange,
	}
}

// Reset принудительно возвращает breaker в Closed (для тестов и операторских действий)
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = 0
	cb.window = nil
}

// Group именованный набор breaker'ов с общей конфигурацией.
// Используется для ленивого создания breaker'а на каждую защищаемую операцию.
type Group struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]*CircuitBreaker
	handlers []StateChangeHandler
}

// NewGroup создает новую группу breaker'ов
func NewGroup(config Config) (*Group, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	return &Group{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}, nil
}

// OnStateChange регистрирует обработчик для всех breaker'ов группы,
// включая создаваемые позже
func (g *Group) OnStateChange(handler StateChangeHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, handler)
	for _, cb := range g.breakers {
		cb.OnStateChange(handler)
	}
}

// Get возвращает breaker с указанным именем, создавая его при необходимости
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	cb := &CircuitBreaker{
		name:            name,
		config:          g.config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
	for _, handler := range g.handlers {
		cb.handlers = append(cb.handlers, handler)
	}
	g.breakers[name] = cb
	return cb
}

// GetMetrics возвращает метрики всех breaker'ов группы
func (g *Group) GetMetrics() map[string]Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := make(map[string]Metrics, len(g.breakers))
	for name, cb := range g.breakers {
		result[name] = cb.GetMetrics()
	}
	return result
}
