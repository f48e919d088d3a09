// Package test provides a conformance test suite for contact-data storage backends.
package test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/subsystem/contact/storage"
)

func TestStorage(t *testing.T, newStorage func() storage.Storage) {
	s := newStorage()
	ctx := context.Background()

	id := "CONTACT-AA11BB22"

	snap, err := s.RetrieveSnapshot(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(snap.Tags), 0; have != want {
		t.Errorf("tags of unknown contact: have %v, want %v", have, want)
	}

	t.Run("tags", func(t *testing.T) {
		for _, step := range []struct {
			op   storage.TagOp
			tag  string
			want []string
		}{
			{storage.TagAdd, "newsletter", []string{"newsletter"}},
			{storage.TagAdd, "newsletter", []string{"newsletter"}},
			{storage.TagAdd, "vip", []string{"newsletter", "vip"}},
			{storage.TagRemove, "newsletter", []string{"vip"}},
			{storage.TagRemove, "newsletter", []string{"vip"}},
			{storage.TagRemove, "never-added", []string{"vip"}},
		} {
			if err := s.MutateTags(ctx, id, step.op, step.tag); err != nil {
				t.Fatalf("%s %s: %v", step.op, step.tag, err)
			}
			snap, err := s.RetrieveSnapshot(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if have, want := snap.Tags, step.want; !reflect.DeepEqual(have, want) {
				t.Errorf("after %s %s: have %v, want %v", step.op, step.tag, have, want)
			}
		}
	})

	t.Run("invalid", func(t *testing.T) {
		if err := s.MutateTags(ctx, "", storage.TagAdd, "x"); !errors.Is(err, storage.ErrNoID) {
			t.Errorf("empty id: have %v, want %v", err, storage.ErrNoID)
		}
		if err := s.MutateTags(ctx, id, "toggle", "x"); !errors.Is(err, storage.ErrInvalidTagOp) {
			t.Errorf("bad op: have %v, want %v", err, storage.ErrInvalidTagOp)
		}
		if err := s.MutateTags(ctx, id, storage.TagAdd, ""); !errors.Is(err, storage.ErrEmptyTag) {
			t.Errorf("empty tag: have %v, want %v", err, storage.ErrEmptyTag)
		}
		if err := s.StoreEvent(ctx, id, &storage.Event{Type: "bounced", At: time.Now()}); err == nil {
			t.Error("expected error for invalid event type")
		}
	})

	t.Run("events", func(t *testing.T) {
		at := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
		ev := &storage.Event{Type: storage.EventOpened, Source: "welcome-email", At: at}
		if err := s.StoreEvent(ctx, id, ev); err != nil {
			t.Fatal(err)
		}
		if err := s.StoreEvent(ctx, id, &storage.Event{Type: storage.EventClicked, Source: "welcome-email", At: at}); err != nil {
			t.Fatal(err)
		}
		snap, err := s.RetrieveSnapshot(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := len(snap.Events), 2; have != want {
			t.Fatalf("event count: have %v, want %v", have, want)
		}
		if have, want := snap.Events[0].Type, storage.EventOpened; have != want {
			t.Errorf("first event type: have %v, want %v", have, want)
		}
		if have, want := snap.Events[0].At, at; !have.Equal(want) {
			t.Errorf("event time: have %v, want %v", have, want)
		}
	})

	if err = s.DeleteContact(ctx, id); err != nil {
		t.Fatal(err)
	}
	snap, err = s.RetrieveSnapshot(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Tags) != 0 || len(snap.Events) != 0 {
		t.Errorf("expected empty snapshot after delete, have %v", snap)
	}
}
