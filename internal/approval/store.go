package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/model"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fault.Validation("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fault.Validation("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fault.Validation("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Status represents the state of a review request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// Approval is a manual review request for a command the council held.
// Key is the council decision id.
type Approval struct {
	Key        string               `json:"key"`
	Status     Status               `json:"status"`
	Reason     string               `json:"reason"`
	Escalation model.Escalation     `json:"escalation"`
	Command    model.ExecuteCommand `json:"command"`
	Reviewer   string               `json:"reviewer,omitempty"`
	Note       string               `json:"note,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	ResolvedAt *time.Time           `json:"resolved_at,omitempty"`
}

// Store manages review files on disk, one JSON file per held decision.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create review directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Request opens a pending review for a HELD council decision.
// No-op if a review for the decision already exists.
func (s *Store) Request(held model.CouncilDecision) error {
	if held.FinalDecision != model.DecisionHold {
		return fault.Validation("decision %s is %s, only HOLD decisions need review", held.ID, held.FinalDecision)
	}
	if err := validateKey(held.ID); err != nil {
		return fmt.Errorf("invalid review key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(held.ID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	a := Approval{
		Key:       held.ID,
		Status:    StatusPending,
		Reason:    reasonFor(held.Alert),
		Command:   held.Command.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	if held.Alert != nil {
		a.Escalation = held.Alert.Escalation
	}

	return s.writeAtomic(path, a)
}

func reasonFor(alert *model.ChairmanAlert) string {
	if alert == nil {
		return "held without alert"
	}
	var parts []string
	for _, f := range alert.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Voter, strings.Join(f.FailedChecks, ", ")))
	}
	return strings.Join(parts, "; ")
}

// Approve marks a pending review as approved. If duration > 0, sets expiration.
// If duration == 0, the approval is one-time (consumed on first use).
func (s *Store) Approve(key, reviewer string, duration time.Duration) error {
	return s.resolve(key, func(a *Approval, now time.Time) {
		a.Status = StatusApproved
		a.Reviewer = reviewer
		if duration > 0 {
			exp := now.Add(duration)
			a.ExpiresAt = &exp
		}
	})
}

// Deny marks a pending review as denied.
func (s *Store) Deny(key, reviewer, note string) error {
	return s.resolve(key, func(a *Approval, _ time.Time) {
		a.Status = StatusDenied
		a.Reviewer = reviewer
		a.Note = note
	})
}

func (s *Store) resolve(key string, apply func(*Approval, time.Time)) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid review key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(key)
	if err != nil {
		return err
	}
	if a.Status != StatusPending {
		return fault.Conflict("review %q is already %s", key, a.Status)
	}

	now := time.Now().UTC()
	a.ResolvedAt = &now
	apply(a, now)
	return s.writeAtomic(s.path(key), *a)
}

// Get returns the review. An approval past its deadline is persisted and
// returned as StatusExpired.
func (s *Store) Get(key string) (Approval, error) {
	if err := validateKey(key); err != nil {
		return Approval{}, fmt.Errorf("invalid review key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(key)
	if err != nil {
		return Approval{}, err
	}

	if a.Status == StatusApproved && a.ExpiresAt != nil && time.Now().UTC().After(*a.ExpiresAt) {
		a.Status = StatusExpired
		if err := s.writeAtomic(s.path(key), *a); err != nil {
			return Approval{}, err
		}
	}
	return *a, nil
}

// Consume marks an approved review as used and returns the command to run.
func (s *Store) Consume(key string) (model.ExecuteCommand, error) {
	if err := validateKey(key); err != nil {
		return model.ExecuteCommand{}, fmt.Errorf("invalid review key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.read(key)
	if err != nil {
		return model.ExecuteCommand{}, err
	}

	switch {
	case a.Status == StatusConsumed:
		return model.ExecuteCommand{}, fault.Conflict("review %q already consumed", key)
	case a.Status != StatusApproved:
		return model.ExecuteCommand{}, fault.Conflict("review %q is %s, not approved", key, a.Status)
	case a.ExpiresAt != nil && time.Now().UTC().After(*a.ExpiresAt):
		a.Status = StatusExpired
		_ = s.writeAtomic(s.path(key), *a)
		return model.ExecuteCommand{}, fault.Conflict("review %q approval expired", key)
	}

	a.Status = StatusConsumed
	now := time.Now().UTC()
	a.ResolvedAt = &now

	if err := s.writeAtomic(s.path(key), *a); err != nil {
		return model.ExecuteCommand{}, err
	}
	return a.Command.Clone(), nil
}

// List returns all reviews in the store, oldest first.
func (s *Store) List() ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var approvals []Approval
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		a, err := s.read(key)
		if err != nil {
			continue
		}
		approvals = append(approvals, *a)
	}
	sort.SliceStable(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})

	return approvals, nil
}

// Pending returns reviews still awaiting a decision.
func (s *Store) Pending() ([]Approval, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Approval
	for _, a := range all {
		if a.Status == StatusPending {
			out = append(out, a)
		}
	}
	return out, nil
}

// Purge deletes resolved reviews whose resolution is older than age.
// Pending and live approved reviews are kept. Returns the number removed.
func (s *Store) Purge(age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-age)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || !purgeable(a, cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func purgeable(a *Approval, cutoff time.Time) bool {
	if a.ResolvedAt == nil || a.ResolvedAt.After(cutoff) {
		return false
	}
	switch a.Status {
	case StatusDenied, StatusConsumed, StatusExpired:
		return true
	case StatusApproved:
		return a.ExpiresAt != nil && a.ExpiresAt.Before(cutoff)
	}
	return false
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) read(key string) (*Approval, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotFound("review %q not found", key)
		}
		return nil, err
	}

	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse review %q: %w", key, err)
	}

	return &a, nil
}

func (s *Store) writeAtomic(path string, a Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
