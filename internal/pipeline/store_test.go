package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/pipeline/storetest"
	"github.com/lucasnoah/devflow/internal/policy"
)

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) pipeline.Store {
		return pipeline.NewFileStore(t.TempDir())
	})
}

func TestFileStore_LayoutAndNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := pipeline.NewFileStore(dir)
	inst := pipeline.NewInstance("github#42", "x", policy.Stable)
	if err := s.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "github%2342"))
	if err != nil {
		t.Fatalf("read instance dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".instance-") || e.Name() == ".lock" {
			t.Errorf("leftover file %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "github%2342", "instance.json")); err != nil {
		t.Errorf("instance.json missing: %v", err)
	}
}

func TestFileStore_ListSkipsBrokenEntries(t *testing.T) {
	dir := t.TempDir()
	s := pipeline.NewFileStore(dir)
	if err := s.Save(context.Background(), pipeline.NewInstance("github#1", "ok", policy.Prototype)); err != nil {
		t.Fatal(err)
	}
	broken := filepath.Join(dir, "github%232")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(broken, "instance.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	noID := filepath.Join(dir, "github%233")
	if err := os.MkdirAll(noID, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(noID, "instance.json"), []byte(`{"stage":"review"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].ID != "github#1" {
		t.Errorf("List = %+v, want only github#1", all)
	}
}

func TestFileStore_ListMissingDir(t *testing.T) {
	s := pipeline.NewFileStore(filepath.Join(t.TempDir(), "nope"))
	all, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("List = %d, want 0", len(all))
	}
}
