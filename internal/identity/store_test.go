package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/sprintsync/internal/domain"
)

func TestResolveWithoutIdentity(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "identity.json"))
	if _, ok := s.Resolve(); ok {
		t.Fatal("Resolve reported an identity on a fresh store")
	}
}

func TestCreatePersistsAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first := NewStore(path)
	id, err := first.Create("Ada")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id.ID == "" || id.Name != "Ada" {
		t.Fatalf("identity = %+v", id)
	}

	second := NewStore(path)
	got, ok := second.Resolve()
	if !ok {
		t.Fatal("identity not resolved after reopen")
	}
	if got.ID != id.ID || got.Name != "Ada" {
		t.Errorf("reloaded identity = %+v, want %+v", got, id)
	}
}

func TestCreateBlankNameIsNoOp(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "identity.json"))
	orig, err := s.Create("Ada")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Create("   ")
	if !errors.Is(err, ErrEmptyName) {
		t.Errorf("err = %v, want ErrEmptyName", err)
	}
	if got != orig {
		t.Errorf("blank Create returned %+v, want previous %+v", got, orig)
	}
	if cur, _ := s.Resolve(); cur != orig {
		t.Errorf("state mutated by blank Create: %+v", cur)
	}
}

func TestSubscribeReceivesChange(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "identity.json"))
	ch := s.Subscribe()

	want, err := s.Create("Grace")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case got := <-ch:
		if got != want {
			t.Errorf("notification = %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no identity notification received")
	}
}

func TestMalformedFileIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)
	if _, ok := s.Resolve(); ok {
		t.Fatal("malformed identity file resolved as valid")
	}
	if _, err := s.Create("Ada"); err != nil {
		t.Fatalf("Create after malformed file: %v", err)
	}
	var id domain.Identity
	if got, ok := s.Resolve(); !ok || got == id {
		t.Errorf("identity not recovered, got %+v ok=%v", got, ok)
	}
}
