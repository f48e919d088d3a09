package kv

import (
	"context"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"

	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

func TestAttemptKeyDistinct(t *testing.T) {
	if attemptKey("x.a", "1", 1) == attemptKey("x", "a.1", 1) {
		t.Error("distinct attempt tuples share a key")
	}
	if attemptKey("x", "a", 1) == attemptKey("x", "a", 11) {
		t.Error("distinct revisions share a key")
	}
}

func TestAttemptPruning(t *testing.T) {
	ctx := context.Background()
	idx := kvmap.New()
	s := New(kvmap.New(), idx, kvmap.New())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.CreateEnrollment(ctx, &storage.NewEnrollment{
		ID:              "ENR-1",
		WorkflowID:      "welcome",
		WorkflowVersion: 1,
		ContactID:       "C1",
		TriggerKey:      "t1",
		StartNodeID:     "start",
	}, now)
	if err != nil {
		t.Fatal(err)
	}

	hasAttempt := func(e *storage.Enrollment) bool {
		t.Helper()
		ok, err := idx.Has(ctx, attemptKey(e.ID, e.NodeID, e.Revision))
		if err != nil {
			t.Fatal(err)
		}
		return ok
	}

	// a claim that expires without committing
	claimed, err := s.ClaimDue(ctx, 1, "w1", now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 1; have != want {
		t.Fatalf("claimed: have: %v, want: %v", have, want)
	}
	expired := claimed[0]
	if _, err = s.RecordAttempt(ctx, expired.ID, expired.NodeID, expired.Revision); err != nil {
		t.Fatal(err)
	}
	if !hasAttempt(expired) {
		t.Fatal("attempt not recorded")
	}

	now = now.Add(time.Minute)
	if claimed, err = s.ClaimDue(ctx, 1, "w2", now, time.Minute); err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 1; have != want {
		t.Fatalf("reclaimed: have: %v, want: %v", have, want)
	}
	if hasAttempt(expired) {
		t.Error("attempt of expired claim not pruned on reclaim")
	}

	e := claimed[0]
	if _, err = s.RecordAttempt(ctx, e.ID, e.NodeID, e.Revision); err != nil {
		t.Fatal(err)
	}
	err = s.CommitTransition(ctx, &storage.Transition{
		EnrollmentID:     e.ID,
		ExpectedRevision: e.Revision,
		NodeID:           "send",
		Status:           storage.StatusWaiting,
		ResumeAt:         now,
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	if hasAttempt(e) {
		t.Error("attempt not pruned on commit")
	}
}
