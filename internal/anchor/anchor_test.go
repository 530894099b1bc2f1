package anchor

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func constant(name string, v float64) FuncSource {
	return FuncSource{SourceName: name, Fn: func(context.Context) (float64, error) { return v, nil }}
}

func TestWorldDistressIsReliabilityWeighted(t *testing.T) {
	a := New(Config{}, nil)
	if err := a.Register(constant("a", 0.2), 1.0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Register(constant("b", 0.8), 0.5); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := a.Fetch(context.Background(), 0)
	if !ok {
		t.Fatal("expected world distress")
	}
	want := (0.2*1.0 + 0.8*0.5) / 1.5
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("world distress=%f want %f", got, want)
	}
}

func TestNoResolvedSourcesYieldsNothing(t *testing.T) {
	a := New(Config{}, nil)
	if _, ok := a.Fetch(context.Background(), 0); ok {
		t.Fatal("expected no world distress without sources")
	}
	if _, ok := a.ComputeConsistency(0, 0.5); ok {
		t.Fatal("expected no consistency without world distress")
	}
}

func TestFailureDecaysAndSuccessRecovers(t *testing.T) {
	fail := true
	src := FuncSource{SourceName: "flaky", Fn: func(context.Context) (float64, error) {
		if fail {
			return 0, errors.New("timeout")
		}
		return 0.4, nil
	}}
	a := New(Config{FailureDecay: 0.5}, nil)
	if err := a.Register(src, 0.8); err != nil {
		t.Fatalf("register: %v", err)
	}
	a.Fetch(context.Background(), 0)
	a.Fetch(context.Background(), 1)
	r := a.Readings()[0]
	if math.Abs(r.Reliability-0.2) > 1e-9 || r.Failures != 2 {
		t.Fatalf("expected reliability 0.2 after two failures, got %+v", r)
	}
	if _, ok := a.WorldDistress(); ok {
		t.Fatal("failed source must not resolve")
	}

	fail = false
	a.Fetch(context.Background(), 2)
	if r := a.Readings()[0]; math.Abs(r.Reliability-0.4) > 1e-9 {
		t.Fatalf("expected one recovery step to 0.4, got %f", r.Reliability)
	}
	a.Fetch(context.Background(), 3)
	a.Fetch(context.Background(), 4)
	if r := a.Readings()[0]; math.Abs(r.Reliability-0.8) > 1e-9 {
		t.Fatalf("expected recovery capped at base 0.8, got %f", r.Reliability)
	}
}

func TestFetchIntervalCaches(t *testing.T) {
	calls := 0
	src := FuncSource{SourceName: "count", Fn: func(context.Context) (float64, error) {
		calls++
		return 0.5, nil
	}}
	a := New(Config{FetchInterval: 3}, nil)
	a.Register(src, 1)
	for cycle := 0; cycle < 7; cycle++ {
		a.Fetch(context.Background(), cycle)
	}
	if calls != 3 {
		t.Fatalf("expected fetches at cycles 0, 3 and 6, got %d calls", calls)
	}
}

func TestConsistencyHistoryBounded(t *testing.T) {
	a := New(Config{HistorySize: 5}, nil)
	a.Register(constant("a", 0.3), 1)
	a.Fetch(context.Background(), 0)

	score, ok := a.ComputeConsistency(0, 0.6)
	if !ok || math.Abs(score-0.9) > 1e-9 {
		t.Fatalf("expected consistency 0.9, got %f ok=%t", score, ok)
	}
	for cycle := 1; cycle < 12; cycle++ {
		a.ComputeConsistency(cycle, 0.6)
	}
	history := a.History()
	if len(history) != 5 || history[0].CycleIndex != 7 {
		t.Fatalf("expected last five entries starting at cycle 7, got %d starting %d", len(history), history[0].CycleIndex)
	}
}

func TestRegisterValidation(t *testing.T) {
	a := New(Config{}, nil)
	if err := a.Register(constant("a", 0.3), 0); !errors.Is(err, ErrInvalidWeight) {
		t.Fatalf("expected ErrInvalidWeight, got %v", err)
	}
	a.Register(constant("a", 0.3), 1)
	if err := a.Register(constant("a", 0.3), 1); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}
}

func TestHTTPSourceNormalizesField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"series":[{"value":"75"},{"value":20}]}}`))
	}))
	defer srv.Close()

	src := HTTPSource{SourceName: "index", URL: srv.URL, Field: "data.series.0.value", Min: 0, Max: 100}
	got, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("normalized=%f want 0.75", got)
	}

	inverted := HTTPSource{SourceName: "calm", URL: srv.URL, Field: "data.series.1.value", Min: 0, Max: 100, Invert: true}
	got, err = inverted.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("inverted=%f want 0.8", got)
	}

	missing := HTTPSource{SourceName: "missing", URL: srv.URL, Field: "data.nope"}
	if _, err := missing.Fetch(context.Background()); !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
}

func TestHTTPSourceStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(Config{}, nil)
	a.Register(HTTPSource{SourceName: "down", URL: srv.URL, Field: "x"}, 1)
	if _, ok := a.Fetch(context.Background(), 0); ok {
		t.Fatal("expected unresolved world distress")
	}
	if r := a.Readings()[0]; r.LastError == "" || r.Failures != 1 {
		t.Fatalf("expected recorded failure, got %+v", r)
	}
}
