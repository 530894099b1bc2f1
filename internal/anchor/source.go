package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"evoforecast/internal/stats"
)

var ErrFieldNotFound = errors.New("indicator field not found")

// Source fetches one externally controlled distress indicator normalized
// to [0,1], where 1 is maximum distress.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (float64, error)
}

// FuncSource adapts a function to Source.
type FuncSource struct {
	SourceName string
	Fn         func(ctx context.Context) (float64, error)
}

func (s FuncSource) Name() string {
	return s.SourceName
}

func (s FuncSource) Fetch(ctx context.Context) (float64, error) {
	if s.Fn == nil {
		return 0, fmt.Errorf("source %s has no fetch function", s.SourceName)
	}
	return s.Fn(ctx)
}

// HTTPSource reads a numeric field from a JSON document. Field is a dotted
// path; numeric path segments index arrays. The raw value is mapped from
// [Min,Max] to [0,1] and optionally inverted for indicators where higher
// means calmer.
type HTTPSource struct {
	SourceName string
	URL        string
	Field      string
	Min        float64
	Max        float64
	Invert     bool
	Client     *http.Client
}

func (s HTTPSource) Name() string {
	return s.SourceName
}

func (s HTTPSource) Fetch(ctx context.Context) (float64, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("source %s: unexpected status %d", s.SourceName, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("source %s: decode: %w", s.SourceName, err)
	}
	raw, err := lookupNumber(doc, s.Field)
	if err != nil {
		return 0, fmt.Errorf("source %s: %w", s.SourceName, err)
	}
	return s.normalize(raw), nil
}

func (s HTTPSource) normalize(raw float64) float64 {
	v := raw
	if s.Max > s.Min {
		v = (raw - s.Min) / (s.Max - s.Min)
	}
	v = stats.Clamp01(v)
	if s.Invert {
		v = 1 - v
	}
	return v
}

func lookupNumber(doc any, path string) (float64, error) {
	current := doc
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			switch node := current.(type) {
			case map[string]any:
				next, ok := node[part]
				if !ok {
					return 0, fmt.Errorf("%w: %s", ErrFieldNotFound, path)
				}
				current = next
			case []any:
				idx, err := strconv.Atoi(part)
				if err != nil || idx < 0 || idx >= len(node) {
					return 0, fmt.Errorf("%w: %s", ErrFieldNotFound, path)
				}
				current = node[idx]
			default:
				return 0, fmt.Errorf("%w: %s", ErrFieldNotFound, path)
			}
		}
	}
	switch v := current.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("field %s is not numeric", path)
	}
}
