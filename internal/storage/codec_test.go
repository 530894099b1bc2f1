package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"evoforecast/internal/model"
)

func TestDecodeEpochFixture(t *testing.T) {
	epoch, err := Decode[model.Epoch](readFixture(t, "epoch_v1.json"))
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if epoch.CycleIndex != 42 || epoch.Regime != model.RegimeTransitional {
		t.Fatalf("unexpected epoch: %+v", epoch)
	}
	if epoch.Edge.RegimeTransition == nil || epoch.Edge.RegimeTransition.From != model.RegimeStable {
		t.Fatalf("expected stable->transitional edge, got %+v", epoch.Edge)
	}
	if epoch.TetherCredibility == nil || *epoch.TetherCredibility != 0.74 {
		t.Fatalf("unexpected tether credibility: %v", epoch.TetherCredibility)
	}
	if epoch.DomainVector[0] != 0.8 {
		t.Fatalf("unexpected domain vector: %v", epoch.DomainVector)
	}
}

func TestDecodeSealedPredictionFixture(t *testing.T) {
	prediction, err := Decode[model.SealedPrediction](readFixture(t, "sealed_prediction_v1.json"))
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if prediction.PredictedDeltaS != -0.096 || prediction.Evaluated {
		t.Fatalf("unexpected prediction: %+v", prediction)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	_, err := Decode[model.Epoch](readFixture(t, "epoch_v0.json"))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestEncodeDecodeMutant(t *testing.T) {
	mutant := model.MutantRecord{
		VersionedRecord:      currentVersion(),
		BranchID:             "m1",
		MutationType:         model.MutationStructural,
		TargetGene:           "skill_alpha",
		MutatedValue:         0.3,
		Genome:               map[string]float64{"skill_alpha": 0.3},
		TrunkFitnessSamples:  []float64{0.1, 0.2},
		MutantFitnessSamples: []float64{0.3},
		Status:               model.MutantCompeting,
	}
	data, err := Encode(mutant)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode[model.MutantRecord](data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Genome["skill_alpha"] != 0.3 || len(decoded.TrunkFitnessSamples) != 2 {
		t.Fatalf("unexpected mutant: %+v", decoded)
	}
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(fixturePath(name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}
