package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	api "evoforecast/pkg/evoforecast"
)

type cycleFile struct {
	Cycles []any `yaml:"cycles"`
}

// loadCycles reads a list of cycle inputs. The document is either a bare
// sequence or a mapping with a cycles key. Field names follow the JSON
// tags of the record types, so the same file loads as YAML or JSON.
func loadCycles(path string) ([]api.CycleInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cycles, err := parseCycles(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cycles, nil
}

func parseCycles(data []byte) ([]api.CycleInput, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var items []any
	switch doc := raw.(type) {
	case nil:
		return nil, fmt.Errorf("no cycles")
	case []any:
		items = doc
	case map[string]any:
		var file cycleFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, err
		}
		items = file.Cycles
	default:
		return nil, fmt.Errorf("unexpected document type %T", raw)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no cycles")
	}

	// Round-trip through JSON so the record types' json tags apply.
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var cycles []api.CycleInput
	if err := json.Unmarshal(encoded, &cycles); err != nil {
		return nil, err
	}
	return cycles, nil
}
