package graph

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/condition"
)

func loadTestdata(t *testing.T, name string) *Definition {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	d, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestParse(t *testing.T) {
	d := loadTestdata(t, "welcome.yaml")
	if have, want := d.ID, "welcome"; have != want {
		t.Errorf("id: have %v, want %v", have, want)
	}
	if have, want := len(d.Nodes), 6; have != want {
		t.Fatalf("nodes: have %v, want %v", have, want)
	}
	n, ok := d.Node("wait")
	if !ok {
		t.Fatal("wait node not found")
	}
	if have, want := n.Delay.Duration(), 48*time.Hour; have != want {
		t.Errorf("delay: have %v, want %v", have, want)
	}
	n, _ = d.Node("opened")
	if have, want := n.Predicate.Kind, condition.Opened; have != want {
		t.Errorf("predicate kind: have %v, want %v", have, want)
	}
	if err := Validate(d); err != nil {
		t.Error(err)
	}

	d = loadTestdata(t, "reminder.json")
	if err := Validate(d); err != nil {
		t.Error(err)
	}

	if _, err := Parse([]byte("  \n")); !errors.Is(err, ErrEmptyDefinition) {
		t.Errorf("have %v, want %v", err, ErrEmptyDefinition)
	}
	if _, err := Parse([]byte("id: x\nnodez: []\n")); err == nil {
		t.Error("expected error for unknown field")
	}
	if _, err := Parse([]byte(`{"id": "x", "nodez": []}`)); err == nil {
		t.Error("expected error for unknown json field")
	}
}

func TestParseDir(t *testing.T) {
	defs, err := ParseDir("testdata")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(defs), 2; have != want {
		t.Fatalf("definitions: have %v, want %v", have, want)
	}
	// file name order
	if have, want := defs[0].ID, "reminder"; have != want {
		t.Errorf("first: have %v, want %v", have, want)
	}
}

func TestResolveNext(t *testing.T) {
	d := loadTestdata(t, "welcome.yaml")
	for _, test := range []struct {
		node    string
		outcome Label
		next    string
		ok      bool
	}{
		{"start", LabelNone, "send-welcome", true},
		{"send-welcome", LabelYes, "wait", true}, // outcome ignored
		{"opened", LabelYes, "tag-engaged", true},
		{"opened", LabelNo, "untag", true},
		{"untag", LabelNone, "", false},
		{"tag-engaged", LabelNone, "", false},
	} {
		next, ok, err := d.ResolveNext(test.node, test.outcome)
		if err != nil {
			t.Fatal(err)
		}
		if next != test.next || ok != test.ok {
			t.Errorf("%s/%q: have (%q, %v), want (%q, %v)", test.node, test.outcome, next, ok, test.next, test.ok)
		}
	}
	if _, _, err := d.ResolveNext("nope", LabelNone); !errors.Is(err, ErrNoSuchNode) {
		t.Errorf("have %v, want %v", err, ErrNoSuchNode)
	}

	// zero-edge condition terminates on both branches
	d = loadTestdata(t, "reminder.json")
	for _, l := range []Label{LabelYes, LabelNo} {
		if _, ok, err := d.ResolveNext("check", l); err != nil || ok {
			t.Errorf("%s: have (%v, %v), want terminal", l, ok, err)
		}
	}
}

func baseDefinition() *Definition {
	return &Definition{
		ID: "wf",
		Nodes: []Node{
			{ID: "t", Kind: KindTrigger, Trigger: &Trigger{Event: "list_added"}},
			{ID: "c", Kind: KindCondition, Predicate: &condition.Predicate{Kind: condition.HasTag, Tag: "vip"}},
			{ID: "a", Kind: KindAddTag, Tag: "x"},
			{ID: "b", Kind: KindRemoveTag, Tag: "y"},
		},
		Edges: []Edge{
			{From: "t", To: "c"},
			{From: "c", To: "a", Label: LabelYes},
			{From: "c", To: "b", Label: LabelNo},
		},
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(baseDefinition()); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name   string
		modify func(d *Definition)
		want   []string // substrings expected among the violations
	}{
		{
			"condition_one_branch",
			func(d *Definition) { d.Edges = d.Edges[:2] },
			[]string{"condition has 1 outgoing edges"},
		},
		{
			"condition_duplicate_label",
			func(d *Definition) { d.Edges[2].Label = LabelYes },
			[]string{"labeled exactly once each"},
		},
		{
			"condition_unlabeled",
			func(d *Definition) { d.Edges[1].Label = LabelNone },
			[]string{"labeled exactly once each"},
		},
		{
			"label_on_non_condition",
			func(d *Definition) { d.Edges[0].Label = LabelYes },
			[]string{`label "yes" on edge leaving trigger node t`},
		},
		{
			"two_edges_from_step",
			func(d *Definition) {
				d.Edges = append(d.Edges, Edge{From: "a", To: "b"}, Edge{From: "a", To: "c"})
			},
			[]string{"node a: 2 outgoing edges"},
		},
		{
			"two_triggers",
			func(d *Definition) {
				d.Nodes = append(d.Nodes, Node{ID: "t2", Kind: KindTrigger, Trigger: &Trigger{Event: "e"}})
			},
			[]string{"exactly one trigger node, found 2"},
		},
		{
			"trigger_incoming",
			func(d *Definition) { d.Edges = append(d.Edges, Edge{From: "a", To: "t"}) },
			[]string{"trigger node t has an incoming edge"},
		},
		{
			"unknown_nodes",
			func(d *Definition) { d.Edges = append(d.Edges, Edge{From: "zz", To: "yy"}) },
			[]string{`unknown source node "zz"`, `unknown target node "yy"`},
		},
		{
			"bad_configs",
			func(d *Definition) {
				d.Nodes = append(d.Nodes,
					Node{ID: "s", Kind: KindSendEmail},
					Node{ID: "d", Kind: KindDelay, Delay: &Delay{Value: 0, Unit: "weeks"}},
					Node{ID: "q", Kind: "sms"},
				)
				d.Nodes[1].Predicate = &condition.Predicate{Kind: "visited"}
				d.Nodes[2].Tag = ""
			},
			[]string{
				"node s: template missing",
				"node d: delay value must be positive",
				`node d: invalid delay unit "weeks"`,
				`node q: unknown kind "sms"`,
				"node c: predicate",
				"node a: tag missing",
			},
		},
		{
			"duplicate_ids",
			func(d *Definition) { d.Nodes = append(d.Nodes, Node{ID: "a", Kind: KindAddTag, Tag: "z"}) },
			[]string{"node a: duplicate id"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			d := baseDefinition()
			test.modify(d)
			err := Validate(d)
			if !errors.Is(err, ErrGraphInvalid) {
				t.Fatalf("have %v, want %v", err, ErrGraphInvalid)
			}
			var invalid *InvalidError
			if !errors.As(err, &invalid) {
				t.Fatal("expected *InvalidError")
			}
			all := strings.Join(invalid.Violations, "\n")
			for _, want := range test.want {
				if !strings.Contains(all, want) {
					t.Errorf("violation %q not found in:\n%s", want, all)
				}
			}
		})
	}
}

func TestValidateEmpty(t *testing.T) {
	err := Validate(&Definition{})
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("have %v, want *InvalidError", err)
	}
	if have, want := len(invalid.Violations), 2; have != want {
		t.Errorf("violations: have %v (%v), want %v", have, invalid.Violations, want)
	}
}
