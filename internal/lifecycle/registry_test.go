package lifecycle

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type testEntry struct {
	id   uuid.UUID
	name string
}

func (e testEntry) ID() uuid.UUID { return e.id }
func (e testEntry) Name() string { return e.name }

func newEntry(name string) testEntry {
	return testEntry{id: uuid.New(), name: name}
}

func TestRegistry_RegisterAndRelease(t *testing.T) {
	r := NewRegistry()
	e := newEntry("text")

	tok, err := r.Register(e)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if !r.Contains(e.id) {
		t.Error("entry should be registered")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if tok.ID() != e.id {
		t.Errorf("token id = %s, want %s", tok.ID(), e.id)
	}

	if err := tok.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if r.Contains(e.id) {
		t.Error("entry should be gone after release")
	}
}

func TestRegistry_DoubleReleaseIsInvalidState(t *testing.T) {
	r := NewRegistry()
	tok, err := r.Register(newEntry("kafka"))
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if err := tok.Release(); err != nil {
		t.Fatalf("first Release() failed: %v", err)
	}

	err = tok.Release()
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Release() = %v, want ErrInvalidState", err)
	}
	if r.Len() != 0 {
		t.Errorf("registry corrupted: Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_DuplicateRegister(t *testing.T) {
	r := NewRegistry()
	e := newEntry("func")
	if _, err := r.Register(e); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if _, err := r.Register(e); !errors.Is(err, ErrInvalidState) {
		t.Errorf("duplicate Register() = %v, want ErrInvalidState", err)
	}
}

func TestRegistry_UnregisterUnknown(t *testing.T) {
	r := NewRegistry()
	if err := r.Unregister(uuid.New()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Unregister(unknown) = %v, want ErrInvalidState", err)
	}
}

func TestRegistry_ActiveIsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"text", "kafka", "func"} {
		if _, err := r.Register(newEntry(name)); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	active := r.Active()
	want := []string{"func", "kafka", "text"}
	if len(active) != len(want) {
		t.Fatalf("Active() returned %d entries, want %d", len(active), len(want))
	}
	for i, name := range want {
		if active[i].Name() != name {
			t.Errorf("Active()[%d] = %q, want %q", i, active[i].Name(), name)
		}
	}
}

func TestRegistry_ConcurrentRegisterRelease(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := r.Register(newEntry("worker"))
			if err != nil {
				t.Errorf("Register() failed: %v", err)
				return
			}
			if err := tok.Release(); err != nil {
				t.Errorf("Release() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len() = %d after all releases, want 0", r.Len())
	}
}
