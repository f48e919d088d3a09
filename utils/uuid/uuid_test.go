package uuid

import (
	"strings"
	"sync"
	"testing"
)

func TestUUIDUnique(t *testing.T) {
	u := NewUUID()
	if u.ID() == u.ID() {
		t.Error("UUIDs are not unique")
	}
}

func TestPrefixedUUID(t *testing.T) {
	id := NewPrefixedUUID("enr-").ID()
	if !strings.HasPrefix(id, "enr-") {
		t.Errorf("missing prefix: %s", id)
	}
	if have, want := len(id), len("enr-")+36; have != want {
		t.Errorf("length: have: %v, want: %v", have, want)
	}
}

func TestStaticIDs(t *testing.T) {
	u := NewStaticIDs("A", "B")
	for _, expected := range []string{"A", "B", "A", "B", "A"} {
		if have, want := u.ID(), expected; have != want {
			t.Errorf("unexpected ID: have: %v, want: %v", have, want)
		}
	}
}

func TestStaticIDsConcurrent(t *testing.T) {
	u := NewStaticIDs("A", "B")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.ID()
		}()
	}
	wg.Wait()
	if have, want := u.ID(), "A"; have != want {
		t.Errorf("after 10 IDs: have: %v, want: %v", have, want)
	}
}
