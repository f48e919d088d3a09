package test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
)

func testClaim(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	claimed, err := s.ClaimDue(ctx, 10, "w1", epoch, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 0; have != want {
		t.Fatalf("claimed on empty store: have: %v, want: %v", have, want)
	}

	e, err := s.CreateEnrollment(ctx, newEnrollment("ENR-L", "C1", ""), epoch)
	if err != nil {
		t.Fatal(err)
	}

	// not yet due
	claimed, err = s.ClaimDue(ctx, 10, "w1", epoch.Add(-time.Second), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 0; have != want {
		t.Fatalf("claimed before due: have: %v, want: %v", have, want)
	}

	claimed, err = s.ClaimDue(ctx, 10, "w1", epoch, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 1; have != want {
		t.Fatalf("claimed: have: %v, want: %v", have, want)
	}
	c := claimed[0]
	if have, want := c.LeaseOwner, "w1"; have != want {
		t.Errorf("lease owner: have: %v, want: %v", have, want)
	}
	if have, want := c.LeaseExpiresAt, epoch.Add(time.Minute); !have.Equal(want) {
		t.Errorf("lease expires: have: %v, want: %v", have, want)
	}
	if c.Revision <= e.Revision {
		t.Errorf("claim did not increment revision: %d <= %d", c.Revision, e.Revision)
	}

	// leased: a second worker gets nothing
	claimed, err = s.ClaimDue(ctx, 10, "w2", epoch.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 0; have != want {
		t.Fatalf("claimed while leased: have: %v, want: %v", have, want)
	}

	// lease expired: reclaimable
	claimed, err = s.ClaimDue(ctx, 10, "w2", epoch.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 1; have != want {
		t.Fatalf("claimed after lease expiry: have: %v, want: %v", have, want)
	}
	if have, want := claimed[0].LeaseOwner, "w2"; have != want {
		t.Errorf("lease owner: have: %v, want: %v", have, want)
	}

	// the first worker's commit is now stale
	err = s.CommitTransition(ctx, &storage.Transition{
		EnrollmentID:     c.ID,
		ExpectedRevision: c.Revision,
		Status:           storage.StatusCompleted,
	}, epoch.Add(2*time.Minute))
	if !errors.Is(err, storage.ErrStaleEnrollment) {
		t.Errorf("have: %v, want: %v", err, storage.ErrStaleEnrollment)
	}

	t.Run("limit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			ne := newEnrollment(fmt.Sprintf("ENR-LIM-%d", i), fmt.Sprintf("C%d", i), "lim")
			if _, err := s.CreateEnrollment(ctx, ne, epoch.Add(time.Duration(i)*time.Second)); err != nil {
				t.Fatal(err)
			}
		}
		claimed, err := s.ClaimDue(ctx, 2, "w3", epoch.Add(time.Hour), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := len(claimed), 2; have != want {
			t.Fatalf("have: %v, want: %v", have, want)
		}
		claimed, err = s.ClaimDue(ctx, 10, "w3", epoch.Add(time.Hour), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := len(claimed), 1; have != want {
			t.Fatalf("have: %v, want: %v", have, want)
		}
	})
}

// testClaimRace claims concurrently from several workers and
// checks that no enrollment is handed out twice.
func testClaimRace(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	const enrollments = 40
	for i := 0; i < enrollments; i++ {
		ne := newEnrollment(fmt.Sprintf("ENR-R-%02d", i), fmt.Sprintf("C%02d", i), "race")
		if _, err := s.CreateEnrollment(ctx, ne, epoch); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		errs []error
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				claimed, err := s.ClaimDue(ctx, 3, workerID, epoch.Add(time.Second), time.Minute)
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, e := range claimed {
					if prev, ok := seen[e.ID]; ok {
						errs = append(errs, fmt.Errorf("%s claimed by %s and %s", e.ID, prev, workerID))
					}
					seen[e.ID] = workerID
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	for _, err := range errs {
		t.Error(err)
	}
	if have, want := len(seen), enrollments; have != want {
		t.Errorf("claimed: have: %v, want: %v", have, want)
	}
}

func testCommit(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	if err := s.CommitTransition(ctx, &storage.Transition{}, epoch); err == nil {
		t.Error("expected error for invalid transition")
	}

	err := s.CommitTransition(ctx, &storage.Transition{
		EnrollmentID:     "ENR-NOT-EXIST",
		ExpectedRevision: 1,
		Status:           storage.StatusCompleted,
	}, epoch)
	if !errors.Is(err, storage.ErrStaleEnrollment) {
		t.Errorf("missing enrollment: have: %v, want: %v", err, storage.ErrStaleEnrollment)
	}

	if _, err = s.CreateEnrollment(ctx, newEnrollment("ENR-T", "C1", ""), epoch); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimDue(ctx, 1, "w1", epoch, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed: have: %v, want: %v", len(claimed), 1)
	}
	c := claimed[0]

	// stale revision leaves the record untouched
	err = s.CommitTransition(ctx, &storage.Transition{
		EnrollmentID:     c.ID,
		ExpectedRevision: c.Revision - 1,
		NodeID:           "send",
		Status:           storage.StatusWaiting,
		ResumeAt:         epoch,
	}, epoch)
	if !errors.Is(err, storage.ErrStaleEnrollment) {
		t.Fatalf("have: %v, want: %v", err, storage.ErrStaleEnrollment)
	}
	e, err := s.RetrieveEnrollment(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := e.NodeID, "start"; have != want {
		t.Errorf("node after stale commit: have: %v, want: %v", have, want)
	}
	if have, want := e.Revision, c.Revision; have != want {
		t.Errorf("revision after stale commit: have: %v, want: %v", have, want)
	}

	resume := epoch.Add(48 * time.Hour)
	err = s.CommitTransition(ctx, &storage.Transition{
		EnrollmentID:     c.ID,
		ExpectedRevision: c.Revision,
		NodeID:           "wait",
		Status:           storage.StatusWaiting,
		ResumeAt:         resume,
	}, epoch)
	if err != nil {
		t.Fatal(err)
	}
	e, err = s.RetrieveEnrollment(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := e.NodeID, "wait"; have != want {
		t.Errorf("node: have: %v, want: %v", have, want)
	}
	if have, want := e.Status, storage.StatusWaiting; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	if !e.ResumeAt.Equal(resume) {
		t.Errorf("resume at: have: %v, want: %v", e.ResumeAt, resume)
	}
	if have, want := e.Revision, c.Revision+1; have != want {
		t.Errorf("revision: have: %v, want: %v", have, want)
	}
	if e.LeaseOwner != "" {
		t.Errorf("lease not released: %q", e.LeaseOwner)
	}

	// waiting: not claimed early
	claimed, err = s.ClaimDue(ctx, 1, "w1", resume.Add(-time.Second), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 0; have != want {
		t.Errorf("claimed before resume: have: %v, want: %v", have, want)
	}
	claimed, err = s.ClaimDue(ctx, 1, "w1", resume, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(claimed), 1; have != want {
		t.Fatalf("claimed at resume: have: %v, want: %v", have, want)
	}

	err = s.CommitTransition(ctx, &storage.Transition{
		EnrollmentID:     c.ID,
		ExpectedRevision: claimed[0].Revision,
		Status:           storage.StatusCompleted,
	}, resume)
	if err != nil {
		t.Fatal(err)
	}

	// terminal records accept no further transitions
	e, err = s.RetrieveEnrollment(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	err = s.CommitTransition(ctx, &storage.Transition{
		EnrollmentID:     c.ID,
		ExpectedRevision: e.Revision,
		NodeID:           "wait",
		Status:           storage.StatusWaiting,
	}, resume)
	if !errors.Is(err, storage.ErrStaleEnrollment) {
		t.Errorf("commit on terminal: have: %v, want: %v", err, storage.ErrStaleEnrollment)
	}
}

func testAttempts(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	first, err := s.RecordAttempt(ctx, "ENR-A", "send", 2)
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Error("first attempt not recorded as first")
	}

	again, err := s.RecordAttempt(ctx, "ENR-A", "send", 2)
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Error("repeated attempt recorded as first")
	}

	next, err := s.RecordAttempt(ctx, "ENR-A", "send", 3)
	if err != nil {
		t.Fatal(err)
	}
	if !next {
		t.Error("attempt at new revision not recorded as first")
	}

	// IDs containing separators must not collide
	for _, test := range []struct{ enrollmentID, nodeID string }{
		{"ENR-B.a", "1"},
		{"ENR-B", "a.1"},
	} {
		first, err := s.RecordAttempt(ctx, test.enrollmentID, test.nodeID, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !first {
			t.Errorf("attempt %s/%s not recorded as first", test.enrollmentID, test.nodeID)
		}
	}
}
