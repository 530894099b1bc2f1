//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"evoforecast/internal/model"
)

func TestSQLiteStoreContract(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "evoforecast.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	exerciseStore(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "evoforecast.db")

	first := NewSQLiteStore(path)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.SaveBranch(ctx, model.BranchSnapshot{BranchID: "baseline", Credibility: 0.61}); err != nil {
		t.Fatalf("save branch: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewSQLiteStore(path)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = second.Close()
	})
	snap, ok, err := second.GetBranch(ctx, "baseline")
	if err != nil || !ok || snap.Credibility != 0.61 {
		t.Fatalf("unexpected branch after reopen: %+v ok=%t err=%v", snap, ok, err)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "evoforecast.db"))
	if _, err := store.ListLineage(context.Background()); err == nil {
		t.Fatal("expected error before init")
	}
}
