package condition

import (
	"errors"
	"testing"
	"time"

	"github.com/micromdm/nanoflow/subsystem/contact/storage"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	enrolled := now.Add(-48 * time.Hour)

	snap := &storage.Snapshot{
		ContactID: "C1",
		Tags:      []string{"customer", "newsletter"},
		AsOf:      now,
		Events: []storage.Event{
			{Type: storage.EventOpened, Source: "welcome", At: now.Add(-72 * time.Hour)},
			{Type: storage.EventOpened, Source: "promo", At: now.Add(-time.Hour)},
			{Type: storage.EventClicked, Source: "promo", At: now.Add(-30 * time.Minute)},
		},
	}

	for _, test := range []struct {
		name string
		p    Predicate
		want Result
	}{
		{"has_tag_yes", Predicate{Kind: HasTag, Tag: "customer"}, Yes},
		{"has_tag_no", Predicate{Kind: HasTag, Tag: "churned"}, No},
		{"opened_any", Predicate{Kind: Opened}, Yes},
		{"opened_source", Predicate{Kind: Opened, Source: "welcome"}, Yes},
		{"opened_other_source", Predicate{Kind: Opened, Source: "reminder"}, No},
		{"opened_within", Predicate{Kind: Opened, Source: "welcome", Within: "24h"}, No},
		{"clicked_source", Predicate{Kind: Clicked, Source: "promo"}, Yes},
		{"clicked_other_source", Predicate{Kind: Clicked, Source: "welcome"}, No},
		// the welcome open happened before this enrollment started
		{"not_opened_before_enrollment", Predicate{Kind: NotOpened, Source: "welcome"}, Yes},
		{"not_opened_after_enrollment", Predicate{Kind: NotOpened, Source: "promo"}, No},
	} {
		t.Run(test.name, func(t *testing.T) {
			have, err := Evaluate(&test.p, snap, enrolled)
			if err != nil {
				t.Fatal(err)
			}
			if have != test.want {
				t.Errorf("have %v, want %v", have, test.want)
			}
		})
	}
}

func TestEvaluateEmptySnapshot(t *testing.T) {
	have, err := Evaluate(&Predicate{Kind: NotOpened}, nil, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if want := Yes; have != want {
		t.Errorf("have %v, want %v", have, want)
	}
}

func TestEvaluateErrors(t *testing.T) {
	if _, err := Evaluate(&Predicate{Kind: "visited_page"}, &storage.Snapshot{}, time.Time{}); !errors.Is(err, ErrUnknownPredicate) {
		t.Errorf("have %v, want %v", err, ErrUnknownPredicate)
	}
	if _, err := Evaluate(nil, &storage.Snapshot{}, time.Time{}); !errors.Is(err, ErrNilPredicate) {
		t.Errorf("have %v, want %v", err, ErrNilPredicate)
	}
	if _, err := Evaluate(&Predicate{Kind: Opened, Within: "soon"}, &storage.Snapshot{}, time.Time{}); err == nil {
		t.Error("expected error for bad within")
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		p     *Predicate
		valid bool
	}{
		{nil, false},
		{&Predicate{Kind: HasTag}, false},
		{&Predicate{Kind: HasTag, Tag: "t"}, true},
		{&Predicate{Kind: Clicked, Within: "-1h"}, false},
		{&Predicate{Kind: NotOpened, Within: "96h"}, true},
		{&Predicate{Kind: "bogus"}, false},
	} {
		if have, want := test.p.Validate() == nil, test.valid; have != want {
			t.Errorf("%v: valid: have %v, want %v", test.p, have, want)
		}
	}
}
