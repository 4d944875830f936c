package eventsourcing

import (
	"fmt"
	"testing"

	"github.com/akriventsev/sagakit/events"
)

// testAccount тестовый Event Sourced агрегат
type testAccount struct {
	*EventSourcedAggregate
	Balance int64 `json:"balance"`
}

func newTestAccount(id string) *testAccount {
	account := &testAccount{
		EventSourcedAggregate: NewEventSourcedAggregate(id, "Account"),
	}
	account.SetApplier(account)
	return account
}

func (a *testAccount) Apply(event events.Event) error {
	switch e := event.(type) {
	case *depositEvent:
		a.Balance += e.Amount
	case *withdrawEvent:
		if a.Balance < e.Amount {
			return fmt.Errorf("insufficient balance: %d < %d", a.Balance, e.Amount)
		}
		a.Balance -= e.Amount
	default:
		return fmt.Errorf("unknown event type: %s", event.EventType())
	}
	return nil
}

func (a *testAccount) Deposit(amount int64) error {
	return a.RaiseEvent(newDepositEvent(a.ID(), amount))
}

func (a *testAccount) Withdraw(amount int64) error {
	return a.RaiseEvent(newWithdrawEvent(a.ID(), amount))
}

func TestRaiseEventAppliesAndTracksUncommitted(t *testing.T) {
	account := newTestAccount("acc-1")

	if err := account.Deposit(100); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := account.Deposit(50); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	if account.Balance != 150 {
		t.Errorf("expected balance 150, got %d", account.Balance)
	}
	if account.Version() != 2 {
		t.Errorf("expected version 2, got %d", account.Version())
	}
	if got := len(account.GetUncommittedEvents()); got != 2 {
		t.Errorf("expected 2 uncommitted events, got %d", got)
	}
}

func TestRaiseEventRejectedByApplier(t *testing.T) {
	account := newTestAccount("acc-1")

	if err := account.Withdraw(100); err == nil {
		t.Fatal("expected error withdrawing from empty account")
	}

	// Отклоненное событие не меняет версию и не попадает в uncommitted
	if account.Version() != 0 {
		t.Errorf("expected version 0, got %d", account.Version())
	}
	if got := len(account.GetUncommittedEvents()); got != 0 {
		t.Errorf("expected 0 uncommitted events, got %d", got)
	}
}

func TestMarkEventsAsCommitted(t *testing.T) {
	account := newTestAccount("acc-1")
	if err := account.Deposit(100); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	account.MarkEventsAsCommitted()

	if got := len(account.GetUncommittedEvents()); got != 0 {
		t.Errorf("expected 0 uncommitted events after commit, got %d", got)
	}
	if account.Version() != 1 {
		t.Errorf("expected version to stay at 1, got %d", account.Version())
	}
}

func TestLoadFromHistory(t *testing.T) {
	history := []events.Event{
		newDepositEvent("acc-1", 100),
		newDepositEvent("acc-1", 50),
		newWithdrawEvent("acc-1", 30),
	}

	account := newTestAccount("acc-1")
	if err := account.LoadFromHistory(history); err != nil {
		t.Fatalf("LoadFromHistory failed: %v", err)
	}

	if account.Balance != 120 {
		t.Errorf("expected balance 120, got %d", account.Balance)
	}
	if account.Version() != 3 {
		t.Errorf("expected version 3, got %d", account.Version())
	}
	if got := len(account.GetUncommittedEvents()); got != 0 {
		t.Errorf("history replay must not produce uncommitted events, got %d", got)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	history := []events.Event{
		newDepositEvent("acc-1", 100),
		newWithdrawEvent("acc-1", 40),
		newDepositEvent("acc-1", 15),
	}

	first := newTestAccount("acc-1")
	second := newTestAccount("acc-1")
	if err := first.LoadFromHistory(history); err != nil {
		t.Fatalf("LoadFromHistory failed: %v", err)
	}
	if err := second.LoadFromHistory(history); err != nil {
		t.Fatalf("LoadFromHistory failed: %v", err)
	}

	if first.Balance != second.Balance {
		t.Errorf("replay diverged: %d != %d", first.Balance, second.Balance)
	}
	if first.Version() != second.Version() {
		t.Errorf("replay versions diverged: %d != %d", first.Version(), second.Version())
	}
}

func TestApplyWithoutApplier(t *testing.T) {
	aggregate := NewEventSourcedAggregate("acc-1", "Account")

	if err := aggregate.Apply(newDepositEvent("acc-1", 100)); err == nil {
		t.Fatal("expected error applying event without EventApplier")
	}
}
