package test

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/graph"
)

func testDefinition(name string) *graph.Definition {
	return &graph.Definition{
		ID:   "wf-def",
		Name: name,
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindTrigger, Trigger: &graph.Trigger{Event: "signup"}},
			{ID: "tag", Kind: graph.KindAddTag, Tag: "new"},
		},
		Edges: []graph.Edge{{From: "start", To: "tag"}},
	}
}

func testDefinitions(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	if _, err := s.RetrieveDefinition(ctx, "wf-def", 0); !errors.Is(err, storage.ErrDefinitionNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrDefinitionNotFound)
	}
	if _, err := s.RetrieveActiveDefinition(ctx, "wf-def"); !errors.Is(err, storage.ErrDefinitionNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrDefinitionNotFound)
	}

	v, err := s.StoreDefinition(ctx, testDefinition("first"))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := v, 1; have != want {
		t.Errorf("version: have: %v, want: %v", have, want)
	}

	// a draft is replaced in place
	v, err = s.StoreDefinition(ctx, testDefinition("second"))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := v, 1; have != want {
		t.Errorf("version: have: %v, want: %v", have, want)
	}

	d, err := s.RetrieveDefinition(ctx, "wf-def", 0)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := d.Name, "second"; have != want {
		t.Errorf("name: have: %v, want: %v", have, want)
	}
	if have, want := d.Status, graph.StatusDraft; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	if have, want := len(d.Nodes), 2; have != want {
		t.Errorf("nodes: have: %v, want: %v", have, want)
	}

	if err = s.UpdateDefinitionStatus(ctx, "wf-def", 1, graph.StatusActive); err != nil {
		t.Fatal(err)
	}
	d, err = s.RetrieveActiveDefinition(ctx, "wf-def")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := d.Version, 1; have != want {
		t.Errorf("active version: have: %v, want: %v", have, want)
	}

	// active versions are immutable: storing creates version 2
	v, err = s.StoreDefinition(ctx, testDefinition("third"))
	if err != nil {
		t.Fatal(err)
	}
	if have, want := v, 2; have != want {
		t.Errorf("version: have: %v, want: %v", have, want)
	}
	d, err = s.RetrieveDefinition(ctx, "wf-def", 1)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := d.Name, "second"; have != want {
		t.Errorf("name of version 1: have: %v, want: %v", have, want)
	}

	if err = s.UpdateDefinitionStatus(ctx, "wf-def", 2, graph.StatusPaused); err != nil {
		t.Fatal(err)
	}
	d, err = s.RetrieveActiveDefinition(ctx, "wf-def")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := d.Version, 2; have != want {
		t.Errorf("active version: have: %v, want: %v", have, want)
	}
	if have, want := d.Status, graph.StatusPaused; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	d, err = s.RetrieveDefinition(ctx, "wf-def", 1)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := d.Status, graph.StatusArchived; have != want {
		t.Errorf("status of version 1: have: %v, want: %v", have, want)
	}

	if err = s.UpdateDefinitionStatus(ctx, "wf-def", 2, graph.StatusDraft); !errors.Is(err, storage.ErrInvalidStatus) {
		t.Errorf("have: %v, want: %v", err, storage.ErrInvalidStatus)
	}
	if err = s.UpdateDefinitionStatus(ctx, "wf-def", 9, graph.StatusActive); !errors.Is(err, storage.ErrDefinitionNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrDefinitionNotFound)
	}

	if err = s.UpdateDefinitionStatus(ctx, "wf-def", 2, graph.StatusArchived); err != nil {
		t.Fatal(err)
	}
	if _, err = s.RetrieveActiveDefinition(ctx, "wf-def"); !errors.Is(err, storage.ErrDefinitionNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrDefinitionNotFound)
	}

	ids, err := s.RetrieveDefinitionIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "wf-def" {
		t.Errorf("ids: have: %v, want: %v", ids, []string{"wf-def"})
	}
}
