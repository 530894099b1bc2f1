package evo

// Trigger arms after a sustained run of low trust and disarms only after a
// sustained recovery, so trust hovering at the threshold never chatters.
type Trigger struct {
	Threshold    float64
	RequiredLow  int
	RequiredHigh int

	lowStreak  int
	highStreak int
	armed      bool
}

type TriggerState struct {
	Armed      bool `json:"armed"`
	LowStreak  int  `json:"low_streak"`
	HighStreak int  `json:"high_streak"`
}

// Observe folds one cycle's trust weight into the streaks and reports
// whether the trigger is armed afterwards.
func (t *Trigger) Observe(trust float64) bool {
	if trust < t.Threshold {
		t.lowStreak++
		t.highStreak = 0
	} else {
		t.highStreak++
		t.lowStreak = 0
	}
	if !t.armed && t.lowStreak >= t.RequiredLow {
		t.armed = true
	}
	if t.armed && t.highStreak >= t.RequiredHigh {
		t.armed = false
	}
	return t.armed
}

func (t *Trigger) Armed() bool {
	return t.armed
}

// Fire consumes the armed state.
func (t *Trigger) Fire() {
	t.armed = false
	t.lowStreak = 0
}

func (t *Trigger) State() TriggerState {
	return TriggerState{Armed: t.armed, LowStreak: t.lowStreak, HighStreak: t.highStreak}
}

func (t *Trigger) Restore(s TriggerState) {
	t.armed = s.Armed
	t.lowStreak = s.LowStreak
	t.highStreak = s.HighStreak
}
