package quality

import "log"

// AdaptationState tracks consecutive out-of-band bandwidth readings for one
// encoder session. Reset on every preset change and on any in-band reading.
type AdaptationState struct {
	ConsecutiveLow  int
	ConsecutiveHigh int
}

// Reset zeroes both counters.
func (s *AdaptationState) Reset() {
	s.ConsecutiveLow = 0
	s.ConsecutiveHigh = 0
}

// Ladder is the ordered sequence of adaptive presets plus the tunables that
// control promote/demote decisions. The thresholds and debounce counts were
// carried over from the field-tuned values; demotion is deliberately
// trigger-happy and promotion cautious, since a dropped stream is worse than
// a conservative one.
type Ladder struct {
	Presets []Preset // ascending by TargetBitrateKbps

	DropThresholdPct  int // demote when ratio falls below this
	RaiseThresholdPct int // promote when ratio rises above this
	DropDebounce      int // consecutive low readings before demoting
	RaiseDebounce     int // consecutive high readings before promoting

	// Initial selection thresholds in kbps, aligned with Presets[1:].
	// A measured bandwidth >= InitialThresholds[i] selects Presets[i+1].
	InitialThresholds []int
}

// DefaultLadder returns the low/medium/high adaptive ladder with the standard
// tunables (70%/120% thresholds, 2/4 debounce).
func DefaultLadder() *Ladder {
	return &Ladder{
		Presets:           []Preset{PresetLow, PresetMedium, PresetHigh},
		DropThresholdPct:  70,
		RaiseThresholdPct: 120,
		DropDebounce:      2,
		RaiseDebounce:     4,
		InitialThresholds: []int{2500, 6000},
	}
}

// InitialPreset maps a measured upload bandwidth to the starting preset.
// A zero or negative measurement (probe failure) selects the lowest rung.
func (l *Ladder) InitialPreset(kbps float64) Preset {
	selected := 0
	for i, threshold := range l.InitialThresholds {
		if kbps >= float64(threshold) {
			selected = i + 1
		}
	}
	return l.Presets[selected]
}

// indexOf returns the ladder position of a preset, or -1 if it is not an
// adaptive rung (ultra/passthrough).
func (l *Ladder) indexOf(p Preset) int {
	for i := range l.Presets {
		if l.Presets[i].Name == p.Name {
			return i
		}
	}
	return -1
}

// Lowest reports whether p is the bottom rung of the ladder.
func (l *Ladder) Lowest(p Preset) bool {
	return l.indexOf(p) == 0
}

// Highest reports whether p is the top rung of the ladder.
func (l *Ladder) Highest(p Preset) bool {
	return l.indexOf(p) == len(l.Presets)-1
}

// Adapt consumes one bandwidth reading expressed as a percentage of the
// current preset's target bitrate and updates the debounce counters.
// It returns the new preset and true when a transition should happen;
// otherwise it returns the current preset unchanged and false.
//
// A single in-band reading clears any accumulated trend in either direction.
func (l *Ladder) Adapt(current Preset, ratioPct int, state *AdaptationState) (Preset, bool) {
	idx := l.indexOf(current)
	if idx < 0 {
		// Non-adaptive preset; nothing to do.
		return current, false
	}

	switch {
	case ratioPct < l.DropThresholdPct:
		state.ConsecutiveLow++
		state.ConsecutiveHigh = 0
		if state.ConsecutiveLow < l.DropDebounce {
			return current, false
		}
		state.Reset()
		if idx == 0 {
			log.Printf("[quality] bandwidth low (%d%% of target) but already at lowest preset %s", ratioPct, current.Name)
			return current, false
		}
		next := l.Presets[idx-1]
		log.Printf("[quality] demoting %s -> %s (%d consecutive readings below %d%%)",
			current.Name, next.Name, l.DropDebounce, l.DropThresholdPct)
		return next, true

	case ratioPct > l.RaiseThresholdPct:
		state.ConsecutiveHigh++
		state.ConsecutiveLow = 0
		if state.ConsecutiveHigh < l.RaiseDebounce {
			return current, false
		}
		state.Reset()
		if idx == len(l.Presets)-1 {
			log.Printf("[quality] bandwidth headroom (%d%% of target) but already at highest preset %s", ratioPct, current.Name)
			return current, false
		}
		next := l.Presets[idx+1]
		log.Printf("[quality] promoting %s -> %s (%d consecutive readings above %d%%)",
			current.Name, next.Name, l.RaiseDebounce, l.RaiseThresholdPct)
		return next, true

	default:
		state.Reset()
		return current, false
	}
}
