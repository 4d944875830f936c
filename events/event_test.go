package events

import "testing"

func TestNewBaseEvent(t *testing.T) {
	event := NewBaseEvent("account.opened", "acc-1")

	if event.EventID() == "" {
		t.Error("Expected non-empty event ID")
	}
	if event.EventType() != "account.opened" {
		t.Errorf("Expected account.opened, got %s", event.EventType())
	}
	if event.AggregateID() != "acc-1" {
		t.Errorf("Expected acc-1, got %s", event.AggregateID())
	}
	if event.OccurredAt().IsZero() {
		t.Error("Expected non-zero occurredAt")
	}
}

func TestBaseEvent_UniqueIDs(t *testing.T) {
	a := NewBaseEvent("test", "agg-1")
	b := NewBaseEvent("test", "agg-1")
	if a.EventID() == b.EventID() {
		t.Error("Expected unique event IDs")
	}
}

func TestEventMetadata_CorrelationAndCausation(t *testing.T) {
	event := NewBaseEvent("test", "agg-1").
		WithCorrelationID("corr-1").
		WithCausationID("cause-1").
		WithMetadata("user_id", "user-1")

	if event.Metadata().CorrelationID() != "corr-1" {
		t.Errorf("Expected corr-1, got %s", event.Metadata().CorrelationID())
	}
	if event.Metadata().CausationID() != "cause-1" {
		t.Errorf("Expected cause-1, got %s", event.Metadata().CausationID())
	}
	val, ok := event.Metadata().Get("user_id")
	if !ok || val != "user-1" {
		t.Errorf("Expected user-1, got %v", val)
	}
}

func TestEventMetadata_MissingKeys(t *testing.T) {
	event := NewBaseEvent("test", "agg-1")
	if event.Metadata().CorrelationID() != "" {
		t.Error("Expected empty correlation ID")
	}
	if event.Metadata().CausationID() != "" {
		t.Error("Expected empty causation ID")
	}
}
