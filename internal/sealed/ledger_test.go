package sealed

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"evoforecast/internal/model"
)

func TestRecordExtrapolatesDelta(t *testing.T) {
	l := NewLedger(Config{}, rand.New(rand.NewSource(1)))
	rec, err := l.Record("trunk", 0, 0.6, model.RegimeStable, 0.01)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	want := 0.01 * 3 * 0.8
	if math.Abs(rec.PredictedDeltaS-want) > 1e-12 {
		t.Fatalf("predicted delta=%f want %f", rec.PredictedDeltaS, want)
	}
	if rec.PredictedRegime != model.RegimeStable {
		t.Fatalf("unexpected regime bet: %s", rec.PredictedRegime)
	}
	if !Verify(rec) {
		t.Fatal("fresh record should verify")
	}
}

func TestRecordRejectsNonFiniteInputs(t *testing.T) {
	l := NewLedger(Config{}, rand.New(rand.NewSource(1)))
	if _, err := l.Record("trunk", 0, 0.6, model.RegimeStable, math.NaN()); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite for NaN delta, got %v", err)
	}
	if _, err := l.Record("trunk", 0, math.Inf(-1), model.RegimeStable, 0); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite for infinite stability, got %v", err)
	}
	if len(l.Records()) != 0 {
		t.Fatalf("rejected bets must not be stored, got %d", len(l.Records()))
	}
	if _, ok := l.BranchScore("trunk"); ok {
		t.Fatal("no score expected without evaluated records")
	}
}

func TestSeededIDsAreDeterministic(t *testing.T) {
	a := NewLedger(Config{}, rand.New(rand.NewSource(7)))
	b := NewLedger(Config{}, rand.New(rand.NewSource(7)))
	ra, _ := a.Record("trunk", 0, 0.5, model.RegimeStable, 0)
	rb, _ := b.Record("trunk", 0, 0.5, model.RegimeStable, 0)
	if ra.ID != rb.ID {
		t.Fatalf("expected equal ids for equal seeds: %s vs %s", ra.ID, rb.ID)
	}
}

func TestEvaluatePendingScoresAfterWindow(t *testing.T) {
	l := NewLedger(Config{}, rand.New(rand.NewSource(1)))
	rec, _ := l.Record("trunk", 0, 0.60, model.RegimeStable, -0.01)

	if got := l.EvaluatePending(2, 0.57, model.RegimeStable); len(got) != 0 {
		t.Fatalf("expected no evaluation before window, got %d", len(got))
	}
	got := l.EvaluatePending(3, 0.57, model.RegimeStable)
	if len(got) != 1 {
		t.Fatalf("expected one evaluation, got %d", len(got))
	}
	actual := got[0].Actual
	if actual.Direction != 1 || actual.RegimeHit != 1 {
		t.Fatalf("expected direction and regime hits, got %+v", actual)
	}
	wantMagnitude := 1 - 5*math.Abs(rec.PredictedDeltaS-(0.57-0.60))
	if math.Abs(actual.Magnitude-wantMagnitude) > 1e-9 {
		t.Fatalf("magnitude=%f want %f", actual.Magnitude, wantMagnitude)
	}
	wantScore := 0.4 + 0.3*wantMagnitude + 0.3
	if math.Abs(*got[0].Score-wantScore) > 1e-9 {
		t.Fatalf("score=%f want %f", *got[0].Score, wantScore)
	}

	if again := l.EvaluatePending(4, 0.5, model.RegimeChaotic); len(again) != 0 {
		t.Fatal("record evaluated twice")
	}
}

func TestDirectionDeadbandTreatsSmallDipAsFlat(t *testing.T) {
	l := NewLedger(Config{}, rand.New(rand.NewSource(1)))
	l.Record("trunk", 0, 0.60, model.RegimeStable, 0.0)

	got := l.EvaluatePending(3, 0.597, model.RegimeTransitional)
	if len(got) != 1 {
		t.Fatalf("expected one evaluation, got %d", len(got))
	}
	if got[0].Actual.Direction != 1 {
		t.Fatal("dip inside the deadband should count as flat")
	}
	if got[0].Actual.RegimeHit != 0 {
		t.Fatal("regime changed, expected miss")
	}
}

func TestBranchScore(t *testing.T) {
	l := NewLedger(Config{Window: 1}, rand.New(rand.NewSource(1)))
	if _, ok := l.BranchScore("trunk"); ok {
		t.Fatal("expected no score before evaluation")
	}
	l.Record("trunk", 0, 0.5, model.RegimeStable, 0)
	l.Record("mutant", 0, 0.5, model.RegimeStable, 0)
	l.EvaluatePending(1, 0.5, model.RegimeStable)

	score, ok := l.BranchScore("trunk")
	if !ok || math.Abs(score-1) > 1e-9 {
		t.Fatalf("expected perfect trunk score, got %f ok=%t", score, ok)
	}
}

func TestSealedFieldsSurviveMutationAttempt(t *testing.T) {
	l := NewLedger(Config{}, rand.New(rand.NewSource(3)))
	rec, _ := l.Record("trunk", 5, 0.42, model.RegimeTransitional, 0.02)

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var tampered model.SealedPrediction
	if err := json.Unmarshal(data, &tampered); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !Verify(tampered) {
		t.Fatal("round-tripped record should still verify")
	}
	tampered.PredictedDeltaS = 9

	if Verify(tampered) {
		t.Fatal("tampered record should fail verification")
	}
	stored, err := l.Get(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PredictedDeltaS != rec.PredictedDeltaS || stored.Digest != rec.Digest {
		t.Fatalf("stored record changed: %+v", stored)
	}
}

func TestRestoreRejectsBrokenSeal(t *testing.T) {
	src := NewLedger(Config{}, rand.New(rand.NewSource(4)))
	good, _ := src.Record("trunk", 0, 0.5, model.RegimeStable, 0)
	bad, _ := src.Record("trunk", 1, 0.5, model.RegimeStable, 0)
	bad.BaselineStability = 0.1

	dst := NewLedger(Config{}, nil)
	err := dst.Restore([]model.SealedPrediction{good, bad})
	if !errors.Is(err, ErrSealBroken) {
		t.Fatalf("expected ErrSealBroken, got %v", err)
	}
	if len(dst.Records()) != 1 {
		t.Fatalf("expected only the intact record, got %d", len(dst.Records()))
	}
	if _, err := dst.Get(bad.ID); !errors.Is(err, ErrPredictionNotFound) {
		t.Fatalf("expected broken record to be dropped, got %v", err)
	}
}
