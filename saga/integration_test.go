package saga_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/sagakit/events"
	"github.com/akriventsev/sagakit/eventsourcing"
	"github.com/akriventsev/sagakit/saga"
)

// Сквозной сценарий: сага денежного перевода поверх event sourced счетов.
// Проверяет координацию оркестратора, репозитория и хранилища событий.

const (
	evAccountOpened       = "account.opened"
	evFundsReserved       = "account.funds_reserved"
	evReservationReleased = "account.reservation_released"
	evAccountDebited      = "account.debited"
	evAccountCredited     = "account.credited"
)

type accountOpened struct {
	*events.BaseEvent
	Amount int64 `json:"amount"`
}

type fundsReserved struct {
	*events.BaseEvent
	Amount int64 `json:"amount"`
}

type reservationReleased struct {
	*events.BaseEvent
	Amount int64 `json:"amount"`
}

type accountDebited struct {
	*events.BaseEvent
	Amount int64 `json:"amount"`
}

type accountCredited struct {
	*events.BaseEvent
	Amount int64 `json:"amount"`
}

type account struct {
	*eventsourcing.EventSourcedAggregate
	Balance  int64 `json:"balance"`
	Reserved int64 `json:"reserved"`
}

func newAccount(id string) *account {
	a := &account{
		EventSourcedAggregate: eventsourcing.NewEventSourcedAggregate(id, "Account"),
	}
	a.SetApplier(a)
	return a
}

func (a *account) Apply(event events.Event) error {
	switch e := event.(type) {
	case *accountOpened:
		a.Balance = e.Amount
	case *fundsReserved:
		a.Reserved += e.Amount
	case *reservationReleased:
		a.Reserved -= e.Amount
	case *accountDebited:
		a.Balance -= e.Amount
		a.Reserved -= e.Amount
	case *accountCredited:
		a.Balance += e.Amount
	default:
		return fmt.Errorf("unknown event type: %s", event.EventType())
	}
	return nil
}

func (a *account) Open(balance int64) error {
	return a.RaiseEvent(&accountOpened{
		BaseEvent: events.NewBaseEvent(evAccountOpened, a.ID()),
		Amount:    balance,
	})
}

func (a *account) Reserve(amount int64) error {
	if a.Balance-a.Reserved < amount {
		return fmt.Errorf("insufficient funds on %s: available %d, requested %d",
			a.ID(), a.Balance-a.Reserved, amount)
	}
	return a.RaiseEvent(&fundsReserved{
		BaseEvent: events.NewBaseEvent(evFundsReserved, a.ID()),
		Amount:    amount,
	})
}

func (a *account) ReleaseReservation(amount int64) error {
	if a.Reserved < amount {
		return fmt.Errorf("reservation on %s is smaller than %d", a.ID(), amount)
	}
	return a.RaiseEvent(&reservationReleased{
		BaseEvent: events.NewBaseEvent(evReservationReleased, a.ID()),
		Amount:    amount,
	})
}

func (a *account) CommitReservation(amount int64) error {
	if a.Reserved < amount {
		return fmt.Errorf("reservation on %s is smaller than %d", a.ID(), amount)
	}
	return a.RaiseEvent(&accountDebited{
		BaseEvent: events.NewBaseEvent(evAccountDebited, a.ID()),
		Amount:    amount,
	})
}

func (a *account) Credit(amount int64) error {
	return a.RaiseEvent(&accountCredited{
		BaseEvent: events.NewBaseEvent(evAccountCredited, a.ID()),
		Amount:    amount,
	})
}

// transferEnv инфраструктура сценария перевода
type transferEnv struct {
	store    *eventsourcing.InMemoryEventStore
	accounts *eventsourcing.EventSourcedRepository[*account]
	orch     *saga.Orchestrator

	mu       sync.Mutex
	notices  []string
	released int
}

func newTransferEnv(t *testing.T, riskLimit int64) *transferEnv {
	t.Helper()

	store := eventsourcing.NewInMemoryEventStore(eventsourcing.DefaultInMemoryEventStoreConfig())
	repoConfig := eventsourcing.DefaultRepositoryConfig()
	// Конкурентные переводы с одного счета конфликтуют часто
	repoConfig.MaxConflictRetries = 20
	env := &transferEnv{
		store: store,
		accounts: eventsourcing.NewEventSourcedRepository[*account](
			store,
			eventsourcing.NewInMemorySnapshotStore(),
			repoConfig,
			newAccount,
		),
	}

	config := saga.DefaultOrchestratorConfig()
	config.DefaultStepTimeout = 2 * time.Second
	config.DefaultSagaTimeout = 10 * time.Second
	orch, err := saga.NewOrchestrator(store, config)
	require.NoError(t, err)
	env.orch = orch

	definition, err := saga.NewSagaBuilder("transfer").
		Step("reserve_funds", func(b *saga.StepBuilder) {
			b.WithAction(func(ctx context.Context, sagaCtx saga.SagaContext) (interface{}, error) {
				from := sagaCtx.GetString("from")
				amount := sagaCtx.GetInt64("amount")
				err := env.accounts.ExecuteCommand(ctx, from, func(a *account) error {
					return a.Reserve(amount)
				})
				if err != nil {
					return nil, err
				}
				return amount, nil
			}).WithCompensation(func(ctx context.Context, sagaCtx saga.SagaContext) error {
				from := sagaCtx.GetString("from")
				amount := sagaCtx.GetInt64("amount")
				err := env.accounts.ExecuteCommand(ctx, from, func(a *account) error {
					return a.ReleaseReservation(amount)
				})
				if err == nil {
					env.mu.Lock()
					env.released++
					env.mu.Unlock()
				}
				return err
			})
		}).
		Step("risk_check", func(b *saga.StepBuilder) {
			b.WithAction(func(ctx context.Context, sagaCtx saga.SagaContext) (interface{}, error) {
				amount := sagaCtx.GetInt64("amount")
				if amount > riskLimit {
					return nil, fmt.Errorf("transfer of %d exceeds risk limit %d", amount, riskLimit)
				}
				return "approved", nil
			})
		}).
		Step("execute_transfer", func(b *saga.StepBuilder) {
			b.WithAction(func(ctx context.Context, sagaCtx saga.SagaContext) (interface{}, error) {
				from := sagaCtx.GetString("from")
				to := sagaCtx.GetString("to")
				amount := sagaCtx.GetInt64("amount")

				if err := env.accounts.ExecuteCommand(ctx, from, func(a *account) error {
					return a.CommitReservation(amount)
				}); err != nil {
					return nil, err
				}
				if err := env.accounts.ExecuteCommand(ctx, to, func(a *account) error {
					return a.Credit(amount)
				}); err != nil {
					return nil, err
				}
				return fmt.Sprintf("%s->%s:%d", from, to, amount), nil
			})
		}).
		Step("notify", func(b *saga.StepBuilder) {
			b.WithAction(func(ctx context.Context, sagaCtx saga.SagaContext) (interface{}, error) {
				env.mu.Lock()
				env.notices = append(env.notices, sagaCtx.GetString("to"))
				env.mu.Unlock()
				return nil, nil
			})
		}).
		Build()
	require.NoError(t, err)
	require.NoError(t, orch.RegisterSaga(definition))

	return env
}

func (e *transferEnv) openAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	acc := newAccount(id)
	require.NoError(t, acc.Open(balance))
	require.NoError(t, e.accounts.Save(context.Background(), acc))
}

func (e *transferEnv) loadAccount(t *testing.T, id string) *account {
	t.Helper()
	acc, err := e.accounts.GetByID(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func (e *transferEnv) runTransfer(t *testing.T, from, to string, amount int64) *saga.SagaStatus {
	t.Helper()
	sagaID, err := e.orch.StartSaga(context.Background(), "transfer", map[string]interface{}{
		"from":   from,
		"to":     to,
		"amount": amount,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	status, err := e.orch.WaitForSaga(ctx, sagaID)
	require.NoError(t, err)
	return status
}

func TestTransferSagaCompletes(t *testing.T) {
	env := newTransferEnv(t, 1000)
	env.openAccount(t, "acc-alice", 100)
	env.openAccount(t, "acc-bob", 10)

	status := env.runTransfer(t, "acc-alice", "acc-bob", 40)

	require.Equal(t, saga.StateCompleted, status.State, "errors: %v", status.Errors)
	require.Len(t, status.StepResults, 4)
	assert.Equal(t, "reserve_funds", status.StepResults[0].Step)
	assert.Equal(t, "risk_check", status.StepResults[1].Step)
	assert.Equal(t, "execute_transfer", status.StepResults[2].Step)
	assert.Equal(t, "notify", status.StepResults[3].Step)
	assert.Equal(t, "approved", status.StepResults[1].Result)

	alice := env.loadAccount(t, "acc-alice")
	assert.Equal(t, int64(60), alice.Balance)
	assert.Equal(t, int64(0), alice.Reserved)

	bob := env.loadAccount(t, "acc-bob")
	assert.Equal(t, int64(50), bob.Balance)

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Equal(t, []string{"acc-bob"}, env.notices)
	assert.Zero(t, env.released)
}

func TestTransferSagaCompensatesOnRiskRejection(t *testing.T) {
	env := newTransferEnv(t, 30)
	env.openAccount(t, "acc-alice", 100)
	env.openAccount(t, "acc-bob", 10)

	status := env.runTransfer(t, "acc-alice", "acc-bob", 40)

	require.Equal(t, saga.StateCompensated, status.State)
	// Выполнился только первый шаг
	require.Len(t, status.StepResults, 1)
	assert.Equal(t, "reserve_funds", status.StepResults[0].Step)
	require.NotEmpty(t, status.Errors)
	assert.Contains(t, status.Errors[0], "risk limit")

	// Резерв снят, балансы не изменились
	alice := env.loadAccount(t, "acc-alice")
	assert.Equal(t, int64(100), alice.Balance)
	assert.Equal(t, int64(0), alice.Reserved)

	bob := env.loadAccount(t, "acc-bob")
	assert.Equal(t, int64(10), bob.Balance)

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Equal(t, 1, env.released, "release compensation must run exactly once")
	assert.Empty(t, env.notices, "notify must not run after a failed step")
}

func TestTransferSagaFailsOnInsufficientFunds(t *testing.T) {
	env := newTransferEnv(t, 1000)
	env.openAccount(t, "acc-alice", 20)
	env.openAccount(t, "acc-bob", 10)

	status := env.runTransfer(t, "acc-alice", "acc-bob", 40)

	// Первый же шаг не выполнился: компенсировать нечего
	require.Equal(t, saga.StateCompensated, status.State)
	assert.Empty(t, status.StepResults)
	require.NotEmpty(t, status.Errors)
	assert.Contains(t, status.Errors[0], "insufficient funds")

	alice := env.loadAccount(t, "acc-alice")
	assert.Equal(t, int64(20), alice.Balance)
	assert.Equal(t, int64(0), alice.Reserved)

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Zero(t, env.released)
}

func TestConcurrentTransfersFromSameAccount(t *testing.T) {
	env := newTransferEnv(t, 1000)
	env.openAccount(t, "acc-alice", 100)
	env.openAccount(t, "acc-bob", 0)

	const transfers = 5
	var wg sync.WaitGroup
	statuses := make([]*saga.SagaStatus, transfers)
	for i := 0; i < transfers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = env.runTransfer(t, "acc-alice", "acc-bob", 20)
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, status := range statuses {
		if status.State == saga.StateCompleted {
			completed++
		}
	}
	// Конфликты версий разрешаются повторами ExecuteCommand, весь баланс
	// переводится без потерь и двойных списаний
	assert.Equal(t, transfers, completed)

	alice := env.loadAccount(t, "acc-alice")
	assert.Equal(t, int64(0), alice.Balance)
	assert.Equal(t, int64(0), alice.Reserved)

	bob := env.loadAccount(t, "acc-bob")
	assert.Equal(t, int64(100), bob.Balance)
}
