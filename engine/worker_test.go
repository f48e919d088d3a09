package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/engine/storage/inmem"
	"github.com/micromdm/nanoflow/graph"
	"github.com/micromdm/nanoflow/messaging"
	msginmem "github.com/micromdm/nanoflow/messaging/inmem"
	"github.com/micromdm/nanoflow/step"
	contact "github.com/micromdm/nanoflow/subsystem/contact/storage"
	contactinmem "github.com/micromdm/nanoflow/subsystem/contact/storage/inmem"
	"github.com/micromdm/nanoflow/utils/uuid"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type testEnv struct {
	clock    *testClock
	store    *inmem.InMem
	contacts *contactinmem.InMem
	sender   *msginmem.Sender
	engine   *Engine
	worker   *Worker
}

func newTestEnv(t *testing.T, executor func(step.Executors) Executor, opts ...WorkerOption) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:    newTestClock(),
		store:    inmem.New(),
		contacts: contactinmem.New(),
		sender:   msginmem.New(),
	}
	env.engine = New(
		env.store,
		WithClock(env.clock.Now),
		WithIDer(uuid.NewStaticIDs("ENR-1", "ENR-2", "ENR-3")),
	)
	var ex Executor = step.New(env.sender, env.contacts)
	if executor != nil {
		ex = executor(ex.(step.Executors))
	}
	opts = append([]WorkerOption{
		WithWorkerClock(env.clock.Now),
		WithWorkerID("test-worker"),
	}, opts...)
	env.worker = NewWorker(env.engine, env.store, env.contacts, ex, opts...)

	ctx := context.Background()
	if err := env.engine.LoadDefinitions(ctx, []*graph.Definition{loadDefinition(t, "../graph/testdata/welcome.yaml")}); err != nil {
		t.Fatal(err)
	}
	return env
}

// run runs n worker passes.
func (env *testEnv) run(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := env.worker.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

func (env *testEnv) enrollment(t *testing.T, id string) *storage.Enrollment {
	t.Helper()
	e, err := env.engine.Enrollment(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestWorkerWelcomeNotOpened(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.contacts.MutateTags(ctx, "C1", contact.TagAdd, "newsletter"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Enroll(ctx, "welcome", "C1", "list-add-1"); err != nil {
		t.Fatal(err)
	}

	// trigger, send, delay
	env.run(t, 3)
	e := env.enrollment(t, "ENR-1")
	if have, want := e.NodeID, "opened"; have != want {
		t.Fatalf("node: have: %v, want: %v", have, want)
	}
	if have, want := e.Status, storage.StatusWaiting; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	resume := env.clock.Now().Add(48 * time.Hour)
	if !e.ResumeAt.Equal(resume) {
		t.Errorf("resume at: have: %v, want: %v", e.ResumeAt, resume)
	}
	if have, want := len(env.sender.Sends()), 1; have != want {
		t.Errorf("sends: have: %v, want: %v", have, want)
	}

	// not claimed before the delay elapses
	env.clock.Add(47 * time.Hour)
	env.run(t, 2)
	if have, want := env.enrollment(t, "ENR-1").NodeID, "opened"; have != want {
		t.Fatalf("node before delay elapsed: have: %v, want: %v", have, want)
	}

	env.clock.Add(time.Hour)
	env.run(t, 2)

	e = env.enrollment(t, "ENR-1")
	if have, want := e.Status, storage.StatusCompleted; have != want {
		t.Fatalf("status: have: %v, want: %v", have, want)
	}
	if have, want := e.NodeID, "untag"; have != want {
		t.Errorf("final node: have: %v, want: %v", have, want)
	}
	snap, err := env.contacts.RetrieveSnapshot(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.HasTag("newsletter") {
		t.Error("newsletter tag not removed")
	}
	if have, want := len(env.sender.Sends()), 1; have != want {
		t.Errorf("sends: have: %v, want: %v", have, want)
	}
}

func TestWorkerWelcomeOpened(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Enroll(ctx, "welcome", "C1", "list-add-1"); err != nil {
		t.Fatal(err)
	}
	env.run(t, 3)

	env.clock.Add(time.Hour)
	ev := &contact.Event{Type: contact.EventOpened, Source: "send-welcome", At: env.clock.Now()}
	if err := env.contacts.StoreEvent(ctx, "C1", ev); err != nil {
		t.Fatal(err)
	}

	env.clock.Add(48 * time.Hour)
	env.run(t, 2)

	e := env.enrollment(t, "ENR-1")
	if have, want := e.Status, storage.StatusCompleted; have != want {
		t.Fatalf("status: have: %v, want: %v", have, want)
	}
	if have, want := e.NodeID, "tag-engaged"; have != want {
		t.Errorf("final node: have: %v, want: %v", have, want)
	}
	snap, err := env.contacts.RetrieveSnapshot(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.HasTag("engaged") {
		t.Errorf("engaged tag not added: %v", snap.Tags)
	}
}

func TestWorkerCancelledDuringDelay(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Enroll(ctx, "welcome", "C1", "list-add-1"); err != nil {
		t.Fatal(err)
	}
	env.run(t, 3)

	if _, err := env.engine.CancelEnrollment(ctx, "ENR-1", 0); err != nil {
		t.Fatal(err)
	}

	env.clock.Add(72 * time.Hour)
	env.run(t, 3)

	e := env.enrollment(t, "ENR-1")
	if have, want := e.Status, storage.StatusCancelled; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	if have, want := e.NodeID, "opened"; have != want {
		t.Errorf("node: have: %v, want: %v", have, want)
	}
}

func TestWorkerCancelledInFlight(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, func(ex step.Executors) Executor {
		return step.ExecutorFunc(func(ctx context.Context, in *step.Input) step.Outcome {
			// the enrollment is cancelled while the step runs
			if _, err := env.engine.CancelEnrollment(ctx, in.Enrollment.ID, 0); err != nil {
				t.Error(err)
			}
			return ex.Execute(ctx, in)
		})
	})
	ctx := context.Background()

	if _, err := env.engine.Enroll(ctx, "welcome", "C1", "list-add-1"); err != nil {
		t.Fatal(err)
	}

	stale := testutil.ToFloat64(staleCommitsTotal)
	env.run(t, 1)
	if have, want := testutil.ToFloat64(staleCommitsTotal)-stale, 1.0; have != want {
		t.Errorf("stale commits: have: %v, want: %v", have, want)
	}

	e := env.enrollment(t, "ENR-1")
	if have, want := e.Status, storage.StatusCancelled; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	if have, want := e.NodeID, "start"; have != want {
		t.Errorf("node: have: %v, want: %v", have, want)
	}
}

func TestWorkerRetry(t *testing.T) {
	env := newTestEnv(t, nil, WithMaxAttempts(3), WithBackoff(30*time.Second, time.Minute))
	ctx := context.Background()

	if _, err := env.engine.Enroll(ctx, "welcome", "C1", "list-add-1"); err != nil {
		t.Fatal(err)
	}
	env.run(t, 1)

	for i := 0; i < 3; i++ {
		env.sender.FailNext(errors.New("service unavailable"))
	}

	env.run(t, 1)
	e := env.enrollment(t, "ENR-1")
	if have, want := e.Status, storage.StatusWaiting; have != want {
		t.Fatalf("status: have: %v, want: %v", have, want)
	}
	if have, want := e.NodeID, "send-welcome"; have != want {
		t.Errorf("node: have: %v, want: %v", have, want)
	}
	if have, want := e.Attempts, 1; have != want {
		t.Errorf("attempts: have: %v, want: %v", have, want)
	}
	if have, want := e.ResumeAt, env.clock.Now().Add(30*time.Second); !have.Equal(want) {
		t.Errorf("resume at: have: %v, want: %v", have, want)
	}
	if e.LastError == "" {
		t.Error("last error not recorded")
	}

	env.clock.Add(30 * time.Second)
	env.run(t, 1)
	e = env.enrollment(t, "ENR-1")
	if have, want := e.Attempts, 2; have != want {
		t.Errorf("attempts: have: %v, want: %v", have, want)
	}
	if have, want := e.ResumeAt, env.clock.Now().Add(time.Minute); !have.Equal(want) {
		t.Errorf("resume at: have: %v, want: %v", have, want)
	}

	env.clock.Add(time.Minute)
	env.run(t, 1)
	e = env.enrollment(t, "ENR-1")
	if have, want := e.Status, storage.StatusFailed; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	if have, want := len(env.sender.Sends()), 0; have != want {
		t.Errorf("sends: have: %v, want: %v", have, want)
	}
}

func TestWorkerRejectedSend(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.sender.Reject("tmpl-welcome")

	if _, err := env.engine.Enroll(ctx, "welcome", "C1", "list-add-1"); err != nil {
		t.Fatal(err)
	}
	env.run(t, 2)

	e := env.enrollment(t, "ENR-1")
	if have, want := e.Status, storage.StatusFailed; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	if have, want := e.Attempts, 0; have != want {
		t.Errorf("attempts: have: %v, want: %v", have, want)
	}
	if e.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestWorkerPaused(t *testing.T) {
	env := newTestEnv(t, nil, WithWorkerInterval(10*time.Second))
	ctx := context.Background()

	if _, err := env.engine.Enroll(ctx, "welcome", "C1", "list-add-1"); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.PauseDefinition(ctx, "welcome"); err != nil {
		t.Fatal(err)
	}

	env.run(t, 1)
	e := env.enrollment(t, "ENR-1")
	if have, want := e.NodeID, "start"; have != want {
		t.Errorf("node: have: %v, want: %v", have, want)
	}
	if have, want := e.ResumeAt, env.clock.Now().Add(10*time.Second); !have.Equal(want) {
		t.Errorf("resume at: have: %v, want: %v", have, want)
	}

	if err := env.engine.ResumeDefinition(ctx, "welcome"); err != nil {
		t.Fatal(err)
	}
	env.clock.Add(10 * time.Second)
	env.run(t, 2)
	if have, want := env.enrollment(t, "ENR-1").NodeID, "wait"; have != want {
		t.Errorf("node: have: %v, want: %v", have, want)
	}
	if have, want := len(env.sender.Sends()), 1; have != want {
		t.Errorf("sends: have: %v, want: %v", have, want)
	}
}

func TestWorkerLeaseExpiring(t *testing.T) {
	var (
		env      *testEnv
		mu       sync.Mutex
		executed []string
	)
	env = newTestEnv(t, func(ex step.Executors) Executor {
		return step.ExecutorFunc(func(ctx context.Context, in *step.Input) step.Outcome {
			mu.Lock()
			executed = append(executed, in.Enrollment.ID)
			if len(executed) == 1 {
				// the first step runs for the whole lease
				env.clock.Add(time.Minute)
			}
			mu.Unlock()
			return ex.Execute(ctx, in)
		})
	}, WithConcurrency(1), WithClaimLimit(2), WithLease(time.Minute))
	ctx := context.Background()

	for _, c := range []string{"C1", "C2"} {
		if _, err := env.engine.Enroll(ctx, "welcome", c, "list-add-"+c); err != nil {
			t.Fatal(err)
		}
	}

	expired := testutil.ToFloat64(expiredClaimsTotal)
	env.run(t, 1)
	if have, want := len(executed), 1; have != want {
		t.Fatalf("executed steps: have: %v, want: %v", have, want)
	}
	if have, want := testutil.ToFloat64(expiredClaimsTotal)-expired, 1.0; have != want {
		t.Errorf("expired claims: have: %v, want: %v", have, want)
	}

	other := "ENR-2"
	if executed[0] == "ENR-2" {
		other = "ENR-1"
	}
	if have, want := env.enrollment(t, executed[0]).NodeID, "send-welcome"; have != want {
		t.Errorf("node of executed: have: %v, want: %v", have, want)
	}
	if have, want := env.enrollment(t, other).NodeID, "start"; have != want {
		t.Errorf("node of abandoned: have: %v, want: %v", have, want)
	}

	// the abandoned claim is picked up again once its lease is gone
	env.run(t, 1)
	if have, want := env.enrollment(t, other).NodeID, "send-welcome"; have != want {
		t.Errorf("node of abandoned after reclaim: have: %v, want: %v", have, want)
	}
}

func TestWorkerStepTimeoutBelowLease(t *testing.T) {
	for _, test := range []struct {
		name    string
		timeout time.Duration
		want    time.Duration
	}{
		{"default", DefaultStepTimeout, DefaultStepTimeout},
		{"equal", time.Minute, 30 * time.Second},
		{"above", time.Hour, 30 * time.Second},
		{"unbounded", 0, 30 * time.Second},
	} {
		t.Run(test.name, func(t *testing.T) {
			w := NewWorker(nil, nil, nil, nil, WithLease(time.Minute), WithStepTimeout(test.timeout))
			if have := w.stepTimeout; have != test.want {
				t.Errorf("have: %v, want: %v", have, test.want)
			}
		})
	}
}

// blockingSnapshots never answers before its context is done.
type blockingSnapshots struct{}

func (blockingSnapshots) RetrieveSnapshot(ctx context.Context, _ string) (*contact.Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorkerSnapshotTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Enroll(ctx, "welcome", "C1", "list-add-1"); err != nil {
		t.Fatal(err)
	}
	// trigger, send, delay
	env.run(t, 3)
	env.clock.Add(48 * time.Hour)

	w := NewWorker(
		env.engine,
		env.store,
		blockingSnapshots{},
		step.New(env.sender, env.contacts),
		WithWorkerClock(env.clock.Now),
		WithStepTimeout(10*time.Millisecond),
	)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	e := env.enrollment(t, "ENR-1")
	if have, want := e.Status, storage.StatusWaiting; have != want {
		t.Fatalf("status: have: %v, want: %v", have, want)
	}
	if have, want := e.NodeID, "opened"; have != want {
		t.Errorf("node: have: %v, want: %v", have, want)
	}
	if have, want := e.Attempts, 1; have != want {
		t.Errorf("attempts: have: %v, want: %v", have, want)
	}
	if !strings.Contains(e.LastError, context.DeadlineExceeded.Error()) {
		t.Errorf("last error: have: %v, want: %v", e.LastError, context.DeadlineExceeded)
	}
}

const reengageDefinition = `
id: reengage
name: Re-engagement
nodes:
  - id: start
    kind: trigger
    trigger: {event: tag_added, ref: lapsed}
  - id: wait
    kind: delay
    delay: {value: 3, unit: days}
  - id: recent
    kind: condition
    predicate: {kind: opened, within: 24h}
  - id: active
    kind: add_tag
    tag: active
  - id: dormant
    kind: add_tag
    tag: dormant
edges:
  - {from: start, to: wait}
  - {from: wait, to: recent}
  - {from: recent, to: active, label: "yes"}
  - {from: recent, to: dormant, label: "no"}
`

func TestWorkerConditionWithin(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d, err := graph.Parse([]byte(reengageDefinition))
	if err != nil {
		t.Fatal(err)
	}
	if err = env.engine.LoadDefinitions(ctx, []*graph.Definition{d}); err != nil {
		t.Fatal(err)
	}
	if _, err = env.engine.Enroll(ctx, "reengage", "C1", "lapsed-1"); err != nil {
		t.Fatal(err)
	}
	// trigger, delay
	env.run(t, 2)

	// one old open and one inside the window, both on the worker clock
	for _, at := range []time.Duration{time.Hour, 71 * time.Hour} {
		ev := &contact.Event{Type: contact.EventOpened, Source: "newsletter", At: env.clock.Now().Add(at)}
		if err = env.contacts.StoreEvent(ctx, "C1", ev); err != nil {
			t.Fatal(err)
		}
	}

	env.clock.Add(72 * time.Hour)
	env.run(t, 2)

	e := env.enrollment(t, "ENR-1")
	if have, want := e.Status, storage.StatusCompleted; have != want {
		t.Fatalf("status: have: %v, want: %v", have, want)
	}
	if have, want := e.NodeID, "active"; have != want {
		t.Errorf("final node: have: %v, want: %v", have, want)
	}
}

func TestBackoff(t *testing.T) {
	w := NewWorker(nil, nil, nil, nil)
	for _, test := range []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},
		{50, time.Hour},
	} {
		if have := w.Backoff(test.attempts); have != test.want {
			t.Errorf("attempts %d: have: %v, want: %v", test.attempts, have, test.want)
		}
	}
}

func TestWorkerNothingDue(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.RetrieveEnrollment(context.Background(), "ENR-1"); !errors.Is(err, storage.ErrEnrollmentNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrEnrollmentNotFound)
	}
}

var _ messaging.Sender = (*msginmem.Sender)(nil)
