package step

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/graph"
	"github.com/micromdm/nanoflow/messaging"
	"github.com/micromdm/nanoflow/messaging/inmem"
	contact "github.com/micromdm/nanoflow/subsystem/contact/storage"
	contactinmem "github.com/micromdm/nanoflow/subsystem/contact/storage/inmem"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func loadWelcome(t *testing.T) *graph.Definition {
	t.Helper()
	b, err := os.ReadFile("../graph/testdata/welcome.yaml")
	if err != nil {
		t.Fatal(err)
	}
	d, err := graph.Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func input(t *testing.T, d *graph.Definition, nodeID string) *Input {
	t.Helper()
	n, ok := d.Node(nodeID)
	if !ok {
		t.Fatalf("no node %s", nodeID)
	}
	return &Input{
		Definition: d,
		Node:       n,
		Enrollment: &storage.Enrollment{
			ID:        "ENR-1",
			ContactID: "C1",
			NodeID:    nodeID,
			CreatedAt: now.Add(-72 * time.Hour),
		},
		Now: now,
	}
}

func TestIdempotencyKey(t *testing.T) {
	if have, want := IdempotencyKey("ENR-1", "send-welcome"), "ENR-1:send-welcome"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestSendEmail(t *testing.T) {
	d := loadWelcome(t)
	sender := inmem.New()
	ex := New(sender, contactinmem.New())
	ctx := context.Background()

	// two executions of the same node: one accepted send
	for i := 0; i < 2; i++ {
		out := ex.Execute(ctx, input(t, d, "send-welcome"))
		if have, want := out.Kind, Advance; have != want {
			t.Fatalf("kind: have: %v, want: %v (err: %v)", have, want, out.Err)
		}
		if have, want := out.NodeID, "wait"; have != want {
			t.Errorf("next: have: %v, want: %v", have, want)
		}
	}
	sends := sender.Sends()
	if have, want := len(sends), 1; have != want {
		t.Fatalf("sends: have: %v, want: %v", have, want)
	}
	if have, want := sends[0].IdempotencyKey, "ENR-1:send-welcome"; have != want {
		t.Errorf("key: have: %v, want: %v", have, want)
	}
	if have, want := sends[0].Template, "tmpl-welcome"; have != want {
		t.Errorf("template: have: %v, want: %v", have, want)
	}

	sender.FailNext(errors.New("connection reset"))
	if have, want := ex.Execute(ctx, input(t, d, "send-welcome")).Kind, Retryable; have != want {
		t.Errorf("transient: have: %v, want: %v", have, want)
	}

	sender.Reject("tmpl-welcome")
	out := ex.Execute(ctx, input(t, d, "send-welcome"))
	if have, want := out.Kind, Fatal; have != want {
		t.Errorf("rejected: have: %v, want: %v", have, want)
	}
	if !errors.Is(out.Err, messaging.ErrRejected) {
		t.Errorf("have: %v, want: %v", out.Err, messaging.ErrRejected)
	}
}

func TestSendTimeout(t *testing.T) {
	d := loadWelcome(t)
	blocking := senderFunc(func(ctx context.Context, _, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ex := New(blocking, nil, WithSendTimeout(10*time.Millisecond))
	out := ex.Execute(context.Background(), input(t, d, "send-welcome"))
	if have, want := out.Kind, Retryable; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("have: %v, want: %v", out.Err, context.DeadlineExceeded)
	}
}

type senderFunc func(ctx context.Context, key, contactID, template string) error

func (f senderFunc) RequestSend(ctx context.Context, key, contactID, template string) error {
	return f(ctx, key, contactID, template)
}

func TestDelay(t *testing.T) {
	d := &graph.Definition{
		ID: "wf",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindTrigger, Trigger: &graph.Trigger{Event: "signup"}},
			{ID: "wait", Kind: graph.KindDelay, Delay: &graph.Delay{Value: 2, Unit: graph.Hours}},
			{ID: "tag", Kind: graph.KindAddTag, Tag: "waited"},
		},
		Edges: []graph.Edge{{From: "start", To: "wait"}, {From: "wait", To: "tag"}},
	}
	ex := New(nil, nil)

	out := ex.Execute(context.Background(), input(t, d, "wait"))
	if have, want := out.Kind, Advance; have != want {
		t.Fatalf("kind: have: %v, want: %v", have, want)
	}
	if have, want := out.ResumeAt, now.Add(2*time.Hour); !have.Equal(want) {
		t.Errorf("resume: have: %v, want: %v", have, want)
	}
	if have, want := out.NodeID, "tag"; have != want {
		t.Errorf("next: have: %v, want: %v", have, want)
	}

	// a trailing delay completes the enrollment
	d.Edges = d.Edges[:1]
	if have, want := ex.Execute(context.Background(), input(t, d, "wait")).Kind, Terminate; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestTrigger(t *testing.T) {
	d := loadWelcome(t)
	out := New(nil, nil).Execute(context.Background(), input(t, d, "start"))
	if have, want := out.Kind, Advance; have != want {
		t.Fatalf("kind: have: %v, want: %v", have, want)
	}
	if have, want := out.NodeID, "send-welcome"; have != want {
		t.Errorf("next: have: %v, want: %v", have, want)
	}
	if !out.ResumeAt.Equal(now) {
		t.Errorf("resume: have: %v, want: %v", out.ResumeAt, now)
	}
}

func TestCondition(t *testing.T) {
	d := loadWelcome(t)
	ex := New(nil, nil)
	ctx := context.Background()

	in := input(t, d, "opened")
	if have, want := ex.Execute(ctx, in).Kind, Retryable; have != want {
		t.Errorf("without snapshot: have: %v, want: %v", have, want)
	}

	in.Snapshot = &contact.Snapshot{ContactID: "C1", AsOf: now}
	out := ex.Execute(ctx, in)
	if have, want := out.NodeID, "untag"; have != want {
		t.Errorf("not opened: have: %v, want: %v", have, want)
	}

	in.Snapshot.Events = []contact.Event{{Type: contact.EventOpened, Source: "send-welcome", At: now.Add(-time.Hour)}}
	out = ex.Execute(ctx, in)
	if have, want := out.NodeID, "tag-engaged"; have != want {
		t.Errorf("opened: have: %v, want: %v", have, want)
	}

	// missing branch terminates
	d.Edges = d.Edges[:len(d.Edges)-1]
	in.Snapshot.Events = nil
	if have, want := ex.Execute(ctx, in).Kind, Terminate; have != want {
		t.Errorf("missing branch: have: %v, want: %v", have, want)
	}

	in.Node.Predicate.Kind = "bounced"
	if have, want := ex.Execute(ctx, in).Kind, Fatal; have != want {
		t.Errorf("unknown predicate: have: %v, want: %v", have, want)
	}
}

func TestTags(t *testing.T) {
	d := loadWelcome(t)
	contacts := contactinmem.New()
	ex := New(nil, contacts)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out := ex.Execute(ctx, input(t, d, "tag-engaged"))
		if have, want := out.Kind, Terminate; have != want {
			t.Fatalf("kind: have: %v, want: %v (err: %v)", have, want, out.Err)
		}
	}
	snap, err := contacts.RetrieveSnapshot(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(snap.Tags), 1; have != want {
		t.Fatalf("tags: have: %v, want: %v", have, want)
	}
	if !snap.HasTag("engaged") {
		t.Errorf("tag not added: %v", snap.Tags)
	}

	for i := 0; i < 2; i++ {
		if have, want := ex.Execute(ctx, input(t, d, "untag")).Kind, Terminate; have != want {
			t.Fatalf("kind: have: %v, want: %v", have, want)
		}
	}

	failing := New(nil, tagFunc(func(context.Context, string, contact.TagOp, string) error {
		return errors.New("store down")
	}))
	if have, want := failing.Execute(ctx, input(t, d, "untag")).Kind, Retryable; have != want {
		t.Errorf("store error: have: %v, want: %v", have, want)
	}
}

type tagFunc func(ctx context.Context, id string, op contact.TagOp, tag string) error

func (f tagFunc) MutateTags(ctx context.Context, id string, op contact.TagOp, tag string) error {
	return f(ctx, id, op, tag)
}

func TestUnknownKind(t *testing.T) {
	in := &Input{Node: &graph.Node{ID: "x", Kind: "sms"}}
	out := New(nil, nil).Execute(context.Background(), in)
	if have, want := out.Kind, Fatal; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !errors.Is(out.Err, ErrUnknownKind) {
		t.Errorf("have: %v, want: %v", out.Err, ErrUnknownKind)
	}
}
