package branch

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

var ErrProfileNotFound = errors.New("cognitive profile not found")

// Profile is a cognitive-architecture preset. Presets differ only in how much
// a branch remembers and how fast it forgets.
type Profile struct {
	Name            string
	MemoryDepth     int
	SignalRetention int
	DecayRate       float64
	TickRate        float64
}

const (
	ProfileBalanced   = "balanced"
	ProfileDeepMemory = "deep_memory"
	ProfileReactive   = "reactive"
	ProfileEphemeral  = "ephemeral"
)

var profiles = map[string]Profile{
	ProfileBalanced:   {Name: ProfileBalanced, MemoryDepth: 50, SignalRetention: 100, DecayRate: 0.05, TickRate: 1.0},
	ProfileDeepMemory: {Name: ProfileDeepMemory, MemoryDepth: 200, SignalRetention: 400, DecayRate: 0.01, TickRate: 0.5},
	ProfileReactive:   {Name: ProfileReactive, MemoryDepth: 10, SignalRetention: 25, DecayRate: 0.2, TickRate: 2.0},
	ProfileEphemeral:  {Name: ProfileEphemeral, MemoryDepth: 5, SignalRetention: 10, DecayRate: 0.5, TickRate: 1.0},
}

func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return p, nil
}

// ProfileNames lists the registered presets in stable order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RandomProfile picks a preset uniformly.
func RandomProfile(rng *rand.Rand) (Profile, error) {
	if rng == nil {
		return Profile{}, errors.New("random source is required")
	}
	names := ProfileNames()
	return profiles[names[rng.Intn(len(names))]], nil
}
