package analysis

const (
	EmotionAnger    = "Anger"
	EmotionDistress = "Distress"

	DefaultAngerThreshold    = 0.6
	DefaultDistressThreshold = 0.6
)

// Thresholds are the per-emotion cutoffs at or above which a check warns.
type Thresholds struct {
	Anger    float64
	Distress float64
}

// Evaluate compares scores against the thresholds. A missing score counts as 0.
// Distress is checked first.
func (t Thresholds) Evaluate(scores Scores) Result {
	if scores[EmotionDistress] >= t.Distress {
		return Warn(scores, EmotionDistress)
	}
	if scores[EmotionAnger] >= t.Anger {
		return Warn(scores, EmotionAnger)
	}
	return Safe(scores)
}

// WithDefaults replaces non-positive thresholds with the defaults.
func (t Thresholds) WithDefaults() Thresholds {
	if t.Anger <= 0 {
		t.Anger = DefaultAngerThreshold
	}
	if t.Distress <= 0 {
		t.Distress = DefaultDistressThreshold
	}
	return t
}
