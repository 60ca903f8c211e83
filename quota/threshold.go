package quota

import (
	"fmt"
	"slices"
	"sync"
)

// Threshold is a usage ratio in (0, 1].
type Threshold float64

// NoThreshold is reported when no threshold is exceeded.
const NoThreshold Threshold = 0

// NewThreshold validates r.
func NewThreshold(r float64) (Threshold, error) {
	if r <= 0 || r > 1 {
		return NoThreshold, fmt.Errorf("quota: threshold must be in (0, 1], got %v", r)
	}
	return Threshold(r), nil
}

// Ratioed is a quota seen through its usage ratio.
type Ratioed interface {
	IsUnlimited() bool
	Ratio() float64
}

// IsExceeded reports whether q uses more than t of its limit.
func (t Threshold) IsExceeded(q Ratioed) bool {
	if t == NoThreshold || q.IsUnlimited() {
		return false
	}
	return q.Ratio() > float64(t)
}

// Thresholds is a set of thresholds.
type Thresholds []Threshold

// DefaultThresholds are 80%, 95% and 99%.
func DefaultThresholds() Thresholds {
	return Thresholds{0.8, 0.95, 0.99}
}

// HighestExceeded returns the highest threshold q exceeds, or NoThreshold.
func (ts Thresholds) HighestExceeded(q Ratioed) Threshold {
	highest := NoThreshold
	for _, t := range ts {
		if t > highest && t.IsExceeded(q) {
			highest = t
		}
	}
	return highest
}

// Evolution is how the exceeded threshold moved between two observations.
type Evolution int

const (
	NoChange Evolution = iota
	HigherThresholdReached
	LowerThresholdReached
)

func (e Evolution) String() string {
	switch e {
	case HigherThresholdReached:
		return "higher"
	case LowerThresholdReached:
		return "lower"
	default:
		return "unchanged"
	}
}

// Compare returns the evolution from previous to current.
func Compare(previous, current Threshold) Evolution {
	switch {
	case current > previous:
		return HigherThresholdReached
	case current < previous:
		return LowerThresholdReached
	default:
		return NoChange
	}
}

// ThresholdChange is a threshold crossing of one root and kind.
type ThresholdChange struct {
	Root      Root
	Kind      Kind
	Previous  Threshold
	Current   Threshold
	Evolution Evolution
}

// ThresholdTracker remembers the last exceeded threshold per root and kind
// and reports crossings.
type ThresholdTracker struct {
	thresholds Thresholds

	mu   sync.Mutex
	last map[trackKey]Threshold
}

type trackKey struct {
	root string
	kind Kind
}

// NewThresholdTracker tracks ts. Empty ts means DefaultThresholds.
func NewThresholdTracker(ts Thresholds) *ThresholdTracker {
	if len(ts) == 0 {
		ts = DefaultThresholds()
	}
	return &ThresholdTracker{thresholds: slices.Clone(ts), last: make(map[trackKey]Threshold)}
}

// Observe records q and returns the change when the exceeded threshold
// moved.
func (t *ThresholdTracker) Observe(root Root, kind Kind, q Ratioed) (ThresholdChange, bool) {
	current := t.thresholds.HighestExceeded(q)
	k := trackKey{root: root.Value, kind: kind}

	t.mu.Lock()
	previous := t.last[k]
	t.last[k] = current
	t.mu.Unlock()

	evo := Compare(previous, current)
	if evo == NoChange {
		return ThresholdChange{}, false
	}
	return ThresholdChange{Root: root, Kind: kind, Previous: previous, Current: current, Evolution: evo}, true
}
