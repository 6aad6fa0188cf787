package store

import (
	"context"
	"log/slog"

	"slipway/internal/events"
)

// Mirror consumes bus events and writes them to the store so the event
// history survives restarts. It runs as its own consumer on a buffered
// subscription: persistence lag drops events for the mirror alone and
// never slows the workflow that published them.
type Mirror struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewMirror wires a mirror to a store and bus. The logger may be nil.
func NewMirror(store *Store, bus *events.Bus, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{store: store, bus: bus, logger: logger}
}

// Run subscribes and persists until the context ends. Persistence
// failures are logged and skipped; the stream keeps flowing.
func (m *Mirror) Run(ctx context.Context) {
	ch, cancel := m.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			m.persist(ctx, evt)
		}
	}
}

func (m *Mirror) persist(ctx context.Context, evt events.Event) {
	// Raw output chunks are transient: each command's full transcript
	// is already appended to the task record, so persisting every
	// chunk would just duplicate it row by row.
	if stream, _ := evt.Payload["stream"].(bool); stream {
		return
	}

	if err := m.store.RecordEvent(ctx, evt); err != nil {
		m.logger.Warn("failed to persist event",
			"type", evt.Type,
			"task_id", evt.TaskID,
			"error", err)
	}

	if evt.Type != events.TaskLog {
		return
	}

	message, _ := evt.Payload["message"].(string)
	if message == "" {
		return
	}
	source, _ := evt.Payload["source"].(string)
	if source == "" {
		source = "system"
	}
	level, _ := evt.Payload["level"].(string)
	if level == "" {
		level = "info"
	}

	entry := LogEntry{
		TaskID:  evt.TaskID,
		Time:    evt.Time,
		Level:   level,
		Source:  source,
		Message: message,
	}
	if err := m.store.CreateLogEntry(ctx, entry); err != nil {
		m.logger.Warn("failed to persist log entry",
			"task_id", evt.TaskID,
			"error", err)
	}
}
