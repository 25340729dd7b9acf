package system

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type fake struct {
	name    string
	fail    bool
	mu      *sync.Mutex
	journal *[]string
}

func (f *fake) Name() string { return f.name }

func (f *fake) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("boom")
	}
	*f.journal = append(*f.journal, "start:"+f.name)
	return nil
}

func (f *fake) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.journal = append(*f.journal, "stop:"+f.name)
	return nil
}

func TestStartStopOrdering(t *testing.T) {
	var mu sync.Mutex
	var journal []string
	m := NewManager()

	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&fake{name: name, mu: &mu, journal: &journal}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(journal) != len(want) {
		t.Fatalf("journal %v", journal)
	}
	for i := range want {
		if journal[i] != want[i] {
			t.Fatalf("journal[%d] = %s, want %s", i, journal[i], want[i])
		}
	}
}

func TestStartFailureUnwinds(t *testing.T) {
	var mu sync.Mutex
	var journal []string
	m := NewManager()

	m.Register(&fake{name: "a", mu: &mu, journal: &journal})
	m.Register(&fake{name: "bad", fail: true, mu: &mu, journal: &journal})

	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected start failure")
	}
	if len(journal) != 2 || journal[1] != "stop:a" {
		t.Fatalf("expected started services unwound, got %v", journal)
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	m := NewManager()
	if err := m.Register(NoopService{ServiceName: "x"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(NoopService{ServiceName: "x"}); err == nil {
		t.Fatalf("expected duplicate rejection")
	}
}
