package state

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	s, err := Open("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("a.b.c", "v"); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get("a.b.c")
	if !ok || got != "v" {
		t.Fatalf("Get(a.b.c) = %v, %v; want v, true", got, ok)
	}
	if _, ok := s.Get("a.b.missing"); ok {
		t.Error("expected missing key")
	}
}

func TestDeleteAndExists(t *testing.T) {
	s, _ := Open("", nil)
	s.Set("k", 1)
	if !s.Exists("k") {
		t.Fatal("expected k to exist")
	}
	if err := s.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if s.Exists("k") {
		t.Error("expected k deleted")
	}
	// Deleting again is a no-op.
	if err := s.Delete("k"); err != nil {
		t.Errorf("second delete error = %v", err)
	}
}

func TestKeysUnderPrefix(t *testing.T) {
	s, _ := Open("", nil)
	s.Set("inbox.a1", []any{"x"})
	s.Set("inbox.a2", []any{"y"})
	s.Set("other", 1)
	got := s.Keys("inbox")
	want := []string{"a1", "a2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Keys(inbox) = %v, want %v", got, want)
	}
	if keys := s.Keys("nope"); keys != nil {
		t.Errorf("Keys(nope) = %v, want nil", keys)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("proactive.sessions.s1", map[string]any{"unanswered_count": 2.0}); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reopened.Get("proactive.sessions.s1")
	if !ok {
		t.Fatal("expected persisted value")
	}
	m, ok := got.(map[string]any)
	if !ok || m["unanswered_count"] != 2.0 {
		t.Errorf("persisted value = %#v", got)
	}
}

func TestCorruptFileRecoversEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v, want recovery", err)
	}
	if keys := s.Keys(""); len(keys) != 0 {
		t.Errorf("expected empty store, got keys %v", keys)
	}
}

func TestNamespaceView(t *testing.T) {
	s, _ := Open("", nil)
	ns := s.Namespace("agents")
	ns.Set("a1.name", "alpha")

	if got, ok := s.Get("agents.a1.name"); !ok || got != "alpha" {
		t.Errorf("underlying Get = %v, %v", got, ok)
	}
	if got, ok := ns.Get("a1.name"); !ok || got != "alpha" {
		t.Errorf("namespace Get = %v, %v", got, ok)
	}
	if keys := ns.Keys(""); !reflect.DeepEqual(keys, []string{"a1"}) {
		t.Errorf("namespace Keys = %v", keys)
	}
}

func TestMutateAtomicAppend(t *testing.T) {
	s, _ := Open("", nil)
	ns := s.Namespace("inbox")
	for _, msg := range []string{"a", "b"} {
		err := ns.Mutate("agent1", func(cur any) (any, error) {
			list, _ := cur.([]any)
			return append(list, msg), nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, _ := ns.Get("agent1")
	if !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Errorf("inbox = %v", got)
	}
}

func TestUpdateBatch(t *testing.T) {
	s, _ := Open("", nil)
	if err := s.Update(map[string]any{"x.a": 1, "x.b": 2}); err != nil {
		t.Fatal(err)
	}
	if got := s.Keys("x"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Keys(x) = %v", got)
	}
}

func TestIdempotentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, _ := Open(path, nil)
	s.Set("k", "v")
	first, _ := os.ReadFile(path)
	s.Set("k", "v")
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Error("repeated identical writes should produce identical documents")
	}
}
