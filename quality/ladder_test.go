package quality

import "testing"

func TestInitialPresetThresholds(t *testing.T) {
	l := DefaultLadder()

	cases := []struct {
		kbps float64
		want string
	}{
		{0, "low"},
		{800, "low"},
		{2499, "low"},
		{2500, "medium"},
		{5999, "medium"},
		{6000, "high"},
		{8000, "high"},
	}

	for _, c := range cases {
		got := l.InitialPreset(c.kbps)
		if got.Name != c.want {
			t.Errorf("InitialPreset(%.0f) = %s, want %s", c.kbps, got.Name, c.want)
		}
	}
}

func TestInBandReadingsNeverChangePreset(t *testing.T) {
	l := DefaultLadder()
	state := &AdaptationState{}

	// Everything in [70, 120] is in-band.
	for _, ratio := range []int{70, 85, 100, 110, 120, 99, 71, 119} {
		next, changed := l.Adapt(PresetMedium, ratio, state)
		if changed {
			t.Fatalf("in-band ratio %d%% caused a transition to %s", ratio, next.Name)
		}
		if state.ConsecutiveLow != 0 || state.ConsecutiveHigh != 0 {
			t.Fatalf("in-band ratio %d%% left counters at low=%d high=%d",
				ratio, state.ConsecutiveLow, state.ConsecutiveHigh)
		}
	}
}

func TestDemoteRequiresExactDebounce(t *testing.T) {
	l := DefaultLadder()
	state := &AdaptationState{}

	next, changed := l.Adapt(PresetHigh, 30, state)
	if changed {
		t.Fatal("demoted after a single low reading")
	}
	if state.ConsecutiveLow != 1 {
		t.Fatalf("ConsecutiveLow = %d, want 1", state.ConsecutiveLow)
	}

	next, changed = l.Adapt(PresetHigh, 30, state)
	if !changed {
		t.Fatal("did not demote after DropDebounce consecutive low readings")
	}
	if next.Name != "medium" {
		t.Fatalf("demoted to %s, want medium", next.Name)
	}
	if state.ConsecutiveLow != 0 || state.ConsecutiveHigh != 0 {
		t.Fatal("counters not reset after demotion")
	}
}

func TestInBandReadingClearsLowTrend(t *testing.T) {
	l := DefaultLadder()
	state := &AdaptationState{}

	l.Adapt(PresetHigh, 30, state)
	l.Adapt(PresetHigh, 100, state) // in-band, clears the trend
	if state.ConsecutiveLow != 0 {
		t.Fatalf("ConsecutiveLow = %d after in-band reading, want 0", state.ConsecutiveLow)
	}
	_, changed := l.Adapt(PresetHigh, 30, state)
	if changed {
		t.Fatal("demoted with only one low reading after trend was cleared")
	}
}

func TestPromoteRequiresExactDebounce(t *testing.T) {
	l := DefaultLadder()
	state := &AdaptationState{}

	for i := 0; i < l.RaiseDebounce-1; i++ {
		next, changed := l.Adapt(PresetLow, 200, state)
		if changed {
			t.Fatalf("promoted to %s after only %d high readings", next.Name, i+1)
		}
	}
	next, changed := l.Adapt(PresetLow, 200, state)
	if !changed {
		t.Fatal("did not promote after RaiseDebounce consecutive high readings")
	}
	if next.Name != "medium" {
		t.Fatalf("promoted to %s, want medium", next.Name)
	}
}

func TestAsymmetricDebounce(t *testing.T) {
	l := DefaultLadder()
	if l.DropDebounce > l.RaiseDebounce {
		t.Fatalf("DropDebounce (%d) must not exceed RaiseDebounce (%d): downgrades must be at least as fast as upgrades",
			l.DropDebounce, l.RaiseDebounce)
	}
}

func TestFloorAndCeilingAreSticky(t *testing.T) {
	l := DefaultLadder()
	state := &AdaptationState{}

	// Hammer the floor.
	for i := 0; i < 10; i++ {
		next, changed := l.Adapt(PresetLow, 10, state)
		if changed {
			t.Fatalf("moved below the lowest preset (to %s)", next.Name)
		}
		if next.Name != "low" {
			t.Fatalf("preset changed to %s at the floor", next.Name)
		}
	}
	// Counter still resets per rule once debounce is reached.
	if state.ConsecutiveLow >= l.DropDebounce {
		t.Fatalf("ConsecutiveLow = %d, expected reset below debounce %d", state.ConsecutiveLow, l.DropDebounce)
	}

	state.Reset()
	for i := 0; i < 10; i++ {
		next, changed := l.Adapt(PresetHigh, 300, state)
		if changed {
			t.Fatalf("moved above the highest preset (to %s)", next.Name)
		}
	}
	if state.ConsecutiveHigh >= l.RaiseDebounce {
		t.Fatalf("ConsecutiveHigh = %d, expected reset below debounce %d", state.ConsecutiveHigh, l.RaiseDebounce)
	}
}

func TestNonAdaptivePresetIsIgnored(t *testing.T) {
	l := DefaultLadder()
	state := &AdaptationState{}

	for i := 0; i < 10; i++ {
		next, changed := l.Adapt(PresetUltra, 10, state)
		if changed || next.Name != "ultra" {
			t.Fatal("adaptation acted on a non-ladder preset")
		}
	}
}

// Mirrors the documented end-to-end scenario: start high on an 8000 kbps
// probe, collapse to 1500 kbps, settle at medium.
func TestDemotionScenario(t *testing.T) {
	l := DefaultLadder()
	state := &AdaptationState{}

	current := l.InitialPreset(8000)
	if current.Name != "high" {
		t.Fatalf("initial preset = %s, want high", current.Name)
	}

	ratio := 1500 * 100 / current.TargetBitrateKbps // ~33%
	next, changed := l.Adapt(current, ratio, state)
	if changed {
		t.Fatal("demoted after first low reading")
	}
	next, changed = l.Adapt(current, ratio, state)
	if !changed || next.Name != "medium" {
		t.Fatalf("second low reading: got (%s, %v), want demotion to medium", next.Name, changed)
	}
	current = next

	// 1500 kbps against the medium target is in-band: no further movement.
	ratio = 1500 * 100 / current.TargetBitrateKbps // 100%
	next, changed = l.Adapt(current, ratio, state)
	if changed {
		t.Fatalf("in-band reading after demotion caused transition to %s", next.Name)
	}
	if state.ConsecutiveLow != 0 || state.ConsecutiveHigh != 0 {
		t.Fatal("counters not zero after settling in-band")
	}
}

func TestPresetByName(t *testing.T) {
	for _, name := range []string{"low", "medium", "high", "ultra", "passthrough"} {
		p, err := PresetByName(name)
		if err != nil {
			t.Fatalf("PresetByName(%s): %v", name, err)
		}
		if p.Name != name {
			t.Fatalf("PresetByName(%s) returned %s", name, p.Name)
		}
	}
	if _, err := PresetByName("adaptive"); err == nil {
		t.Fatal("adaptive is a mode, not a preset; PresetByName should reject it")
	}
}

func TestLadderOrderedByTargetBitrate(t *testing.T) {
	l := DefaultLadder()
	for i := 1; i < len(l.Presets); i++ {
		if l.Presets[i].TargetBitrateKbps <= l.Presets[i-1].TargetBitrateKbps {
			t.Fatalf("ladder not ascending at %s", l.Presets[i].Name)
		}
	}
}
