package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gurre/datomvault/blob"
)

func TestGraph_BranchesAndCommits(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	g := NewGraph(store)

	commit := Commit{
		Timestamp: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Parents:   []string{"commits/c0"},
		Roots:     []string{"idx/root"},
	}
	if err := g.WriteCommit(ctx, "commits/c1", commit); err != nil {
		t.Fatalf("failed to write commit: %v", err)
	}
	if err := g.WriteBranch(ctx, "main", "commits/c1"); err != nil {
		t.Fatalf("failed to write branch: %v", err)
	}

	branches, err := g.Branches(ctx)
	if err != nil {
		t.Fatalf("failed to list branches: %v", err)
	}
	if len(branches) != 1 || branches[0].Name != "main" || branches[0].Head != "commits/c1" {
		t.Errorf("unexpected branches: %+v", branches)
	}

	back, err := g.Commit(ctx, "commits/c1")
	if err != nil {
		t.Fatalf("failed to read commit: %v", err)
	}
	if len(back.Parents) != 1 || back.Parents[0] != "commits/c0" {
		t.Errorf("parents mismatch: %+v", back.Parents)
	}
	if !back.Timestamp.Equal(commit.Timestamp) {
		t.Errorf("timestamp mismatch: %v", back.Timestamp)
	}
}

func TestGraph_CommitRejectsNonCommit(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	g := NewGraph(store)
	if err := store.Put(ctx, "idx/leaf", []byte("raw bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := g.Commit(ctx, "idx/leaf"); err == nil {
		t.Fatal("expected error reading a non-commit node")
	}
}

func TestGraph_Mark(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	g := NewGraph(store)

	// root -> {a, b}; a -> {leaf}; b and leaf are raw values.
	if err := g.WriteIndexNode(ctx, "idx/root", []string{"idx/a", "idx/b"}); err != nil {
		t.Fatalf("write root: %v", err)
	}
	if err := g.WriteIndexNode(ctx, "idx/a", []string{"idx/leaf"}); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := store.Put(ctx, "idx/b", []byte("b-bytes")); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := store.Put(ctx, "idx/leaf", []byte("leaf-bytes")); err != nil {
		t.Fatalf("put leaf: %v", err)
	}
	if err := store.Put(ctx, "idx/unrelated", []byte("garbage")); err != nil {
		t.Fatalf("put unrelated: %v", err)
	}

	marked, err := g.Mark(ctx, "idx/root")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	for _, key := range []string{"idx/root", "idx/a", "idx/b", "idx/leaf"} {
		if _, ok := marked[key]; !ok {
			t.Errorf("expected %s to be marked", key)
		}
	}
	if _, ok := marked["idx/unrelated"]; ok {
		t.Errorf("unrelated key must not be marked")
	}
}

func TestGraph_MarkNotReady(t *testing.T) {
	g := NewGraph(NewMemory())
	_, err := g.Mark(context.Background(), "idx/unflushed")
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestTuning(t *testing.T) {
	cases := []struct {
		backend  Backend
		batch    int
		parallel int
	}{
		{BackendObjectStore, 1000, 3},
		{BackendSQL, 5000, 1},
		{BackendDirectory, 100, 10},
		{BackendDynamoDB, 1000, 1},
		{BackendMemory, 1000, 1},
		{BackendDefault, 1000, 1},
	}
	for _, tc := range cases {
		batch, parallel := Tuning(tc.backend)
		if batch != tc.batch || parallel != tc.parallel {
			t.Errorf("Tuning(%s) = (%d,%d), want (%d,%d)",
				tc.backend, batch, parallel, tc.batch, tc.parallel)
		}
	}
}

func TestOverBlob(t *testing.T) {
	ctx := context.Background()
	store := NewOverBlob(blob.NewMemoryStore(), BackendObjectStore)
	if store.Backend() != BackendObjectStore {
		t.Errorf("unexpected backend: %s", store.Backend())
	}
	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(ctx, "a/b", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	infos, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(infos) != 1 || infos[0].Key != "a/b" || infos[0].LastModified.IsZero() {
		t.Errorf("unexpected keys: %+v", infos)
	}
	if err := store.Delete(ctx, []string{"a/b"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "a/b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
