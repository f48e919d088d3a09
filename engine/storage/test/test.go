// Package test provides a conformance test suite for workflow engine storage backends.
package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newEnrollment(id, contactID, triggerKey string) *storage.NewEnrollment {
	return &storage.NewEnrollment{
		ID:              id,
		WorkflowID:      "wf-welcome",
		WorkflowVersion: 1,
		ContactID:       contactID,
		TriggerKey:      triggerKey,
		StartNodeID:     "start",
	}
}

// TestEngineStorage runs the conformance suite against storage from newStorage.
// Each subtest that depends on an empty store gets a fresh one.
func TestEngineStorage(t *testing.T, newStorage func() storage.AllStorage) {
	t.Run("enrollments", func(t *testing.T) {
		testEnrollments(t, newStorage())
	})

	t.Run("cancel", func(t *testing.T) {
		testCancel(t, newStorage())
	})

	t.Run("query", func(t *testing.T) {
		testQuery(t, newStorage())
	})

	t.Run("claim", func(t *testing.T) {
		testClaim(t, newStorage())
	})

	t.Run("claimRace", func(t *testing.T) {
		testClaimRace(t, newStorage())
	})

	t.Run("commit", func(t *testing.T) {
		testCommit(t, newStorage())
	})

	t.Run("attempts", func(t *testing.T) {
		testAttempts(t, newStorage())
	})

	t.Run("definitions", func(t *testing.T) {
		testDefinitions(t, newStorage())
	})
}

func testEnrollments(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	_, err := s.RetrieveEnrollment(ctx, "ENR-NOT-EXIST")
	if !errors.Is(err, storage.ErrEnrollmentNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrEnrollmentNotFound)
	}

	if _, err = s.CreateEnrollment(ctx, &storage.NewEnrollment{ID: "x"}, epoch); err == nil {
		t.Error("expected error for invalid new enrollment")
	}

	e, err := s.CreateEnrollment(ctx, newEnrollment("ENR-1", "C1", "signup"), epoch)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := e.Status, storage.StatusPending; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := e.NodeID, "start"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !e.ResumeAt.Equal(epoch) {
		t.Errorf("resume at: have: %v, want: %v", e.ResumeAt, epoch)
	}

	e2, err := s.RetrieveEnrollment(ctx, "ENR-1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := e2.Revision, e.Revision; have != want {
		t.Errorf("revision: have: %v, want: %v", have, want)
	}
	if have, want := e2.ContactID, "C1"; have != want {
		t.Errorf("contact: have: %v, want: %v", have, want)
	}
	if have, want := e2.WorkflowVersion, 1; have != want {
		t.Errorf("version: have: %v, want: %v", have, want)
	}

	// same trigger: the original enrollment is returned
	dup, err := s.CreateEnrollment(ctx, newEnrollment("ENR-2", "C1", "signup"), epoch.Add(time.Minute))
	if !errors.Is(err, storage.ErrDuplicateEnrollment) {
		t.Fatalf("have: %v, want: %v", err, storage.ErrDuplicateEnrollment)
	}
	if dup == nil {
		t.Fatal("nil duplicate enrollment")
	}
	if have, want := dup.ID, "ENR-1"; have != want {
		t.Errorf("duplicate id: have: %v, want: %v", have, want)
	}
	if _, err = s.RetrieveEnrollment(ctx, "ENR-2"); !errors.Is(err, storage.ErrEnrollmentNotFound) {
		t.Errorf("duplicate was created: %v", err)
	}

	// a different trigger key is a separate enrollment
	if _, err = s.CreateEnrollment(ctx, newEnrollment("ENR-3", "C1", "signup-2"), epoch); err != nil {
		t.Fatal(err)
	}
}

func testCancel(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	if _, err := s.CancelEnrollment(ctx, "ENR-NOT-EXIST", 0, epoch); !errors.Is(err, storage.ErrEnrollmentNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrEnrollmentNotFound)
	}

	e, err := s.CreateEnrollment(ctx, newEnrollment("ENR-C", "C1", ""), epoch)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = s.CancelEnrollment(ctx, e.ID, e.Revision+5, epoch); !errors.Is(err, storage.ErrStaleEnrollment) {
		t.Errorf("have: %v, want: %v", err, storage.ErrStaleEnrollment)
	}

	c, err := s.CancelEnrollment(ctx, e.ID, e.Revision, epoch.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := c.Status, storage.StatusCancelled; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if c.Revision <= e.Revision {
		t.Errorf("revision not incremented: %d <= %d", c.Revision, e.Revision)
	}

	if _, err = s.CancelEnrollment(ctx, e.ID, 0, epoch); !errors.Is(err, storage.ErrEnrollmentTerminal) {
		t.Errorf("have: %v, want: %v", err, storage.ErrEnrollmentTerminal)
	}

	// cancelled enrollments are never claimed
	claimed, err := s.ClaimDue(ctx, 10, "w1", epoch.Add(time.Hour), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 0; have != want {
		t.Errorf("claimed: have: %v, want: %v", have, want)
	}
}

func testQuery(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	for i, c := range []string{"C1", "C2", "C1"} {
		ne := newEnrollment("ENR-Q"+string(rune('A'+i)), c, string(rune('a'+i)))
		if i == 2 {
			ne.WorkflowID = "wf-other"
		}
		if _, err := s.CreateEnrollment(ctx, ne, epoch.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.CancelEnrollment(ctx, "ENR-QB", 0, epoch); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name string
		q    *storage.EnrollmentQuery
		want []string
	}{
		{"all", nil, []string{"ENR-QA", "ENR-QB", "ENR-QC"}},
		{"workflow", &storage.EnrollmentQuery{WorkflowID: "wf-welcome"}, []string{"ENR-QA", "ENR-QB"}},
		{"contact", &storage.EnrollmentQuery{ContactID: "C1"}, []string{"ENR-QA", "ENR-QC"}},
		{"status", &storage.EnrollmentQuery{Status: storage.StatusCancelled}, []string{"ENR-QB"}},
		{"limit", &storage.EnrollmentQuery{Limit: 1}, []string{"ENR-QA"}},
	} {
		t.Run(test.name, func(t *testing.T) {
			es, err := s.RetrieveEnrollments(ctx, test.q)
			if err != nil {
				t.Fatal(err)
			}
			var have []string
			for _, e := range es {
				have = append(have, e.ID)
			}
			if len(have) != len(test.want) {
				t.Fatalf("have: %v, want: %v", have, test.want)
			}
			for i := range have {
				if have[i] != test.want[i] {
					t.Errorf("have: %v, want: %v", have, test.want)
					break
				}
			}
		})
	}
}
