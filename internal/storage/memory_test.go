package storage

import (
	"context"
	"testing"

	"evoforecast/internal/model"
)

func TestMemoryStoreContract(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	exerciseStore(t, store)
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SaveEpoch(context.Background(), model.Epoch{}); err == nil {
		t.Fatal("expected error before init")
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	mutant := model.MutantRecord{BranchID: "m1", TrunkFitnessSamples: []float64{0.1}, Genome: map[string]float64{"g": 1}}
	store.SaveMutant(ctx, mutant)
	mutant.TrunkFitnessSamples[0] = 9
	mutant.Genome["g"] = 9

	loaded, _ := store.ListMutants(ctx, "")
	if loaded[0].TrunkFitnessSamples[0] != 0.1 || loaded[0].Genome["g"] != 1 {
		t.Fatalf("store aliased caller data: %+v", loaded[0])
	}
	loaded[0].Genome["g"] = 5
	again, _ := store.ListMutants(ctx, "")
	if again[0].Genome["g"] != 1 {
		t.Fatal("store leaked internal map")
	}
}
