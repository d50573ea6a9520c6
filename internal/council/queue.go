package council

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/govgate/internal/authority"
	"github.com/ppiankov/govgate/internal/ids"
	"github.com/ppiankov/govgate/internal/model"
)

// DefaultScheduleDelay is applied when an item is enqueued without a time.
const DefaultScheduleDelay = 24 * time.Hour

// ItemStatus is a launch queue item's state.
type ItemStatus string

const (
	ItemPending  ItemStatus = "PENDING"
	ItemApproved ItemStatus = "APPROVED"
	ItemHeld     ItemStatus = "HELD"
	ItemExecuted ItemStatus = "EXECUTED"
)

// Item is one command waiting in the launch queue.
type Item struct {
	ID           string               `json:"id"`
	Command      model.ExecuteCommand `json:"command"`
	Status       ItemStatus           `json:"status"`
	ScheduledFor time.Time            `json:"scheduled_for"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
	DecisionID   string               `json:"decision_id,omitempty"`
	Escalation   model.Escalation     `json:"escalation,omitempty"`
	ProcessedAt  *time.Time           `json:"processed_at,omitempty"`
	ExecutedAt   *time.Time           `json:"executed_at,omitempty"`
	Success      bool                 `json:"success"`
	Error        string               `json:"error,omitempty"`
}

// LaunchQueue batches commands for deliberation. Held items stay in the
// queue; nothing is ever removed.
type LaunchQueue struct {
	council *Council
	path    string
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	items []*Item
}

// NewLaunchQueue builds a queue over c. A non-empty path persists the queue
// as JSON and reloads it if the file exists.
func NewLaunchQueue(c *Council, path string) (*LaunchQueue, error) {
	q := &LaunchQueue{
		council: c,
		path:    path,
		now:     c.now,
		logger:  c.logger.With("subsystem", "queue"),
	}
	if path == "" {
		return q, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read launch queue: %w", err)
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return nil, fmt.Errorf("parse launch queue %s: %w", path, err)
	}
	return q, nil
}

// Enqueue admits cmd. A zero scheduledFor defaults to now plus
// DefaultScheduleDelay.
func (q *LaunchQueue) Enqueue(cmd model.ExecuteCommand, scheduledFor time.Time) (Item, error) {
	if err := authority.CheckCommand(cmd); err != nil {
		return Item{}, err
	}
	now := q.now().UTC()
	if cmd.ID == "" {
		cmd.ID = ids.New(ids.Command)
	}
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = now
	}
	if scheduledFor.IsZero() {
		scheduledFor = now.Add(DefaultScheduleDelay)
	}
	it := &Item{
		ID:           ids.New(ids.QueueItem),
		Command:      cmd.Clone(),
		Status:       ItemPending,
		ScheduledFor: scheduledFor.UTC(),
		EnqueuedAt:   now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	if err := q.save(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return Item{}, err
	}
	return *it, nil
}

// Process deliberates every PENDING item in enqueue order and marks it
// APPROVED or HELD. An item whose deliberation errors stays PENDING with the
// error recorded, and processing continues.
func (q *LaunchQueue) Process(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var processed []Item
	for _, it := range q.items {
		if it.Status != ItemPending {
			continue
		}
		cd, err := q.council.Deliberate(ctx, it.Command)
		if err != nil {
			it.Error = err.Error()
			q.logger.Warn("queued command deliberation failed", "item_id", it.ID, "command_id", it.Command.ID, "error", err)
			processed = append(processed, *it)
			continue
		}
		at := q.now().UTC()
		it.ProcessedAt = &at
		it.DecisionID = cd.ID
		it.Error = ""
		if cd.FinalDecision == model.DecisionAutoExecute {
			it.Status = ItemApproved
		} else {
			it.Status = ItemHeld
			it.Escalation = cd.Alert.Escalation
		}
		processed = append(processed, *it)
	}
	return processed, q.save()
}

// ExecuteApproved dispatches every APPROVED item and marks it EXECUTED with
// its success or failure. Held items are left untouched.
func (q *LaunchQueue) ExecuteApproved(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var executed []Item
	for _, it := range q.items {
		if it.Status != ItemApproved {
			continue
		}
		out, err := q.council.Execute(ctx, it.DecisionID)
		at := q.now().UTC()
		it.Status = ItemExecuted
		it.ExecutedAt = &at
		switch {
		case err != nil:
			it.Success = false
			it.Error = err.Error()
		default:
			it.Success = out.Success
			it.Error = out.Error
		}
		executed = append(executed, *it)
	}
	return executed, q.save()
}

// List returns items in enqueue order, optionally filtered by status.
func (q *LaunchQueue) List(status ItemStatus) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if status != "" && it.Status != status {
			continue
		}
		out = append(out, *it)
	}
	return out
}

func (q *LaunchQueue) save() error {
	if q.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0700); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
