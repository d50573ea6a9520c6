package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/govgate/internal/fault"
)

// deliveryBudget bounds one event's delivery, retries included.
const deliveryBudget = 30 * time.Second

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty; a nil Dispatcher drops every event.
func NewDispatcher(configs []AlertConfig) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{
		configs: configs,
		logger:  slog.Default().With("component", "alert"),
	}
}

// Dispatch sends the event to all webhooks whose Events list matches.
// Matching is based on event.Type or event.Escalation.
// Fires goroutines and does not block the caller.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliveryBudget)
			defer cancel()
			if err := Send(ctx, cfg, event); err != nil {
				d.logger.Warn("alert delivery failed", "url", cfg.URL, "type", event.Type, "subject", event.Subject, "kind", fault.KindOf(err), "error", err)
			}
		}(cfg)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == event.Type {
			return true
		}
		if event.Escalation != "" && e == event.Escalation {
			return true
		}
	}
	return false
}
