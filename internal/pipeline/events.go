package pipeline

import (
	"log/slog"
	"sync"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// EventKind names a lifecycle event
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventFinishedPass1 EventKind = "finishedPass1"
	EventProcessed     EventKind = "processed"
	EventFinishedPass2 EventKind = "finishedPass2"
	EventError         EventKind = "error"
)

// Event is emitted as a (asset, variation) pair moves through the pipeline.
// Asset is nil when the record could not be loaded.
type Event struct {
	Kind      EventKind
	AssetID   string
	Variation string
	Processor string
	Asset     *domain.Asset
	// Produced is set on EventFinishedPass1
	Produced bool
	Err      error
}

// EventHandler observes events. Handlers run synchronously on the stage's
// goroutine and must not block.
type EventHandler func(Event)

type emitter struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (e *emitter) on(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func logEvents(logger *slog.Logger) EventHandler {
	return func(ev Event) {
		attrs := []any{
			slog.String("event", string(ev.Kind)),
			slog.String("asset_id", ev.AssetID),
			slog.String("variation", ev.Variation),
			slog.String("processor", ev.Processor),
		}

		switch ev.Kind {
		case EventError:
			logger.Error("Processing failed", append(attrs, slog.Any("error", ev.Err))...)
		case EventFinishedPass1:
			logger.Info("Pass 1 finished", append(attrs, slog.Bool("produced", ev.Produced))...)
		case EventFinishedPass2:
			logger.Info("Pass 2 finished", attrs...)
		default:
			logger.Debug("Pipeline event", attrs...)
		}
	}
}
