package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(New(TaskCreated, "task-1", "myapp", nil))

	select {
	case evt := <-ch:
		if evt.Type != TaskCreated {
			t.Errorf("event type = %q, want %q", evt.Type, TaskCreated)
		}
		if evt.TaskID != "task-1" {
			t.Errorf("event task_id = %q, want %q", evt.TaskID, "task-1")
		}
		if evt.Time.IsZero() {
			t.Error("event time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusTypeFilter(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe(4, TaskFailed)
	defer cancel()

	bus.Publish(New(TaskLog, "task-1", "myapp", nil))
	bus.Publish(New(TaskFailed, "task-1", "myapp", nil))

	select {
	case evt := <-ch:
		if evt.Type != TaskFailed {
			t.Errorf("filtered subscription received %q, want only %q", evt.Type, TaskFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected second event %q on filtered subscription", evt.Type)
	default:
	}
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	bus := NewBus(nil)

	// Buffer of one, never drained: the second publish must drop
	// instead of blocking.
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		bus.Publish(New(TaskLog, "task-1", "", nil))
		bus.Publish(New(TaskLog, "task-1", "", nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	if got := bus.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel() // second cancel is a no-op

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after cancel, want 0", got)
	}

	// Publishing with no subscribers must not panic.
	bus.Publish(New(TaskStatus, "task-2", "", nil))
}
