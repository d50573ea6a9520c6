package approval

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func held(id string) model.CouncilDecision {
	return model.CouncilDecision{
		ID: id,
		Command: model.ExecuteCommand{
			ID:       "cmd-" + id,
			Type:     model.CommandEmail,
			AgentID:  "mailer",
			Priority: model.PriorityMedium,
			Payload:  model.CommandPayload{Title: "Spring update"},
		},
		FinalDecision: model.DecisionHold,
		Alert: &model.ChairmanAlert{
			CommandID: "cmd-" + id,
			Failures: []model.VoterFailure{
				{Voter: model.VoterViability, FailedChecks: []string{"monetization_path"}},
			},
			Escalation: model.EscalationUrgent,
		},
	}
}

func TestRequestCreatesFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.Request(held("cd-1")); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	a, err := s.read("cd-1")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if a.Key != "cd-1" {
		t.Errorf("expected key=cd-1, got %s", a.Key)
	}
	if a.Status != StatusPending {
		t.Errorf("expected status=pending, got %s", a.Status)
	}
	if a.Reason != "viability: monetization_path" {
		t.Errorf("unexpected reason %q", a.Reason)
	}
	if a.Escalation != model.EscalationUrgent {
		t.Errorf("expected urgent escalation, got %s", a.Escalation)
	}
	if a.Command.ID != "cmd-cd-1" {
		t.Errorf("expected command to be stored, got %+v", a.Command)
	}
}

func TestRequestRejectsNonHeld(t *testing.T) {
	s := newTestStore(t)
	d := held("cd-1")
	d.FinalDecision = model.DecisionAutoExecute
	err := s.Request(d)
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRequestIdempotent(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))
	second := held("cd-1")
	second.Alert.Failures[0].FailedChecks = []string{"daily_spend_cap"}
	s.Request(second) // should not overwrite

	a, _ := s.read("cd-1")
	if a.Reason != "viability: monetization_path" {
		t.Errorf("expected original reason, got %s", a.Reason)
	}
}

func TestRequestRejectsTraversalKey(t *testing.T) {
	s := newTestStore(t)
	if err := s.Request(held("../etc")); err == nil {
		t.Error("expected error for traversal key")
	}
}

func TestApproveOneTime(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))

	if err := s.Approve("cd-1", "chair", 0); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	a, _ := s.Get("cd-1")
	if a.Status != StatusApproved {
		t.Errorf("expected approved, got %s", a.Status)
	}
	if a.ExpiresAt != nil {
		t.Error("expected no expiration for one-time approval")
	}
	if a.ResolvedAt == nil {
		t.Error("expected resolved_at to be set")
	}
	if a.Reviewer != "chair" {
		t.Errorf("expected reviewer chair, got %s", a.Reviewer)
	}
}

func TestApproveTimeLimited(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))

	if err := s.Approve("cd-1", "chair", 5*time.Minute); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	a, _ := s.read("cd-1")
	if a.ExpiresAt == nil {
		t.Fatal("expected expires_at for time-limited approval")
	}
	if time.Until(*a.ExpiresAt) < 4*time.Minute {
		t.Error("expected expiration ~5 minutes from now")
	}
}

func TestDeny(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))

	if err := s.Deny("cd-1", "chair", "off-brand"); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}

	a, _ := s.Get("cd-1")
	if a.Status != StatusDenied {
		t.Errorf("expected denied, got %s", a.Status)
	}
	if a.Note != "off-brand" {
		t.Errorf("expected note, got %q", a.Note)
	}
}

func TestResolveTwiceConflicts(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))
	s.Deny("cd-1", "chair", "")

	err := s.Approve("cd-1", "chair", 0)
	if fault.KindOf(err) != fault.KindConflict {
		t.Errorf("expected conflict approving a denied review, got %v", err)
	}
}

func TestStatusPending(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))

	status, err := statusOf(s, "cd-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if status != StatusPending {
		t.Errorf("expected pending, got %s", status)
	}
}

func TestStatusExpired(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))

	// Approve with very short duration
	s.Approve("cd-1", "chair", 1*time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	status, _ := statusOf(s, "cd-1")
	if status != StatusExpired {
		t.Errorf("expected expired, got %s", status)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := statusOf(s, "nonexistent")
	if fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestConsume(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))
	s.Approve("cd-1", "chair", 0)

	cmd, err := s.Consume("cd-1")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if cmd.ID != "cmd-cd-1" {
		t.Errorf("expected stored command, got %+v", cmd)
	}

	status, _ := statusOf(s, "cd-1")
	if status != StatusConsumed {
		t.Errorf("expected consumed, got %s", status)
	}
}

func TestConsumeRequiresApproval(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))

	if _, err := s.Consume("cd-1"); fault.KindOf(err) != fault.KindConflict {
		t.Errorf("expected conflict consuming a pending review, got %v", err)
	}
}

func TestConsumeAlreadyConsumed(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))
	s.Approve("cd-1", "chair", 0)
	s.Consume("cd-1")

	if _, err := s.Consume("cd-1"); err == nil {
		t.Error("expected error for double consume")
	}
}

func TestListAndPending(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 3; i++ {
		s.Request(held(fmt.Sprintf("cd-%d", i)))
	}
	s.Deny("cd-2", "chair", "")

	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Errorf("expected 3 reviews, got %d", len(list))
	}

	pending, err := s.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}
}

func TestPurgeRemovesOnlyResolved(t *testing.T) {
	s := newTestStore(t)
	for _, k := range []string{"cd-1", "cd-2", "cd-3", "cd-4"} {
		s.Request(held(k))
	}
	s.Deny("cd-1", "chair", "off-brand")
	s.Approve("cd-2", "chair", 0)
	s.Consume("cd-2")
	s.Approve("cd-3", "chair", time.Hour)

	n, err := s.Purge(0)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 purged, got %d", n)
	}

	list, _ := s.List()
	var keys []string
	for _, a := range list {
		keys = append(keys, a.Key)
	}
	if len(keys) != 2 || keys[0] != "cd-3" || keys[1] != "cd-4" {
		t.Errorf("expected cd-3 and cd-4 to survive, got %v", keys)
	}
}

func TestPurgeKeepsRecentResolutions(t *testing.T) {
	s := newTestStore(t)
	s.Request(held("cd-1"))
	s.Deny("cd-1", "chair", "")

	n, err := s.Purge(time.Hour)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing purged, got %d", n)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Request(held("cd-concurrent"))
			statusOf(s, "cd-concurrent")
		}()
	}
	wg.Wait()

	status, err := statusOf(s, "cd-concurrent")
	if err != nil {
		t.Fatalf("Get failed after concurrent access: %v", err)
	}
	if status != StatusPending {
		t.Errorf("expected pending, got %s", status)
	}
}

func TestApproveNonexistent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Approve("nonexistent", "chair", 0); err == nil {
		t.Error("expected error for approving nonexistent key")
	}
}

func TestDenyNonexistent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Deny("nonexistent", "chair", ""); err == nil {
		t.Error("expected error for denying nonexistent key")
	}
}

func statusOf(s *Store, key string) (Status, error) {
	a, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return a.Status, nil
}
