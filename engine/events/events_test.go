package events

import "testing"

func TestEmitDeliversToSubscriber(t *testing.T) {
	b := NewBus()
	var got any
	b.Subscribe(func(e any) { got = e })

	b.Emit(ExecutionStart{ExecutionID: "exec-1"})

	ev, ok := got.(ExecutionStart)
	if !ok {
		t.Fatalf("got %T, want ExecutionStart", got)
	}
	if ev.ExecutionID != "exec-1" {
		t.Errorf("ExecutionID = %q, want exec-1", ev.ExecutionID)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	count := 0
	unsub := b.Subscribe(func(e any) { count++ })

	b.Emit(ExecutionComplete{ExecutionID: "exec-1"})
	unsub()
	b.Emit(ExecutionComplete{ExecutionID: "exec-2"})

	if count != 1 {
		t.Errorf("handler invoked %d times, want 1", count)
	}
}

func TestEmitSurvivesPanickingHandler(t *testing.T) {
	b := NewBus()
	secondCalled := false
	b.Subscribe(func(e any) { panic("boom") })
	b.Subscribe(func(e any) { secondCalled = true })

	b.Emit(Timeout{ExecutionID: "exec-1", Reason: "Timeout"})

	if !secondCalled {
		t.Error("second handler should still be invoked after first panics")
	}
}

func TestMultipleSubscribersAllReceiveEvent(t *testing.T) {
	b := NewBus()
	var calls []string
	b.Subscribe(func(e any) { calls = append(calls, "a") })
	b.Subscribe(func(e any) { calls = append(calls, "b") })

	b.Emit(ResourceWarning{ExecutionID: "e", Resource: "cpu", Percent: 81, Severity: SeverityMedium})

	if len(calls) != 2 {
		t.Fatalf("expected 2 handler calls, got %d", len(calls))
	}
}
