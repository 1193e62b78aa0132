package budget

// Threshold identifies one budget-usage boundary crossing. The values are
// the wire tags stored on notifications.
type Threshold string

const (
	ThresholdNone       Threshold = ""
	ThresholdReached75  Threshold = "75"
	ThresholdReached100 Threshold = "100"
	ThresholdAbove100   Threshold = "101"
	ThresholdUnder75    Threshold = "u75"
	ThresholdUnder100   Threshold = "u100"
)

// DetectCrossing classifies the move from previous to current budget usage.
// Checks are ordered and first-match-wins, so a jump straight past several
// boundaries reports only the most specific upward band, and any drop below
// a boundary reports the first (lowest) one it recrossed.
func DetectCrossing(previous, current float64) Threshold {
	switch {
	case previous < 0.75 && current >= 0.75 && current < 1.0:
		return ThresholdReached75
	case previous < 1.0 && current >= 1.0 && current < 1.01:
		return ThresholdReached100
	case previous < 1.01 && current >= 1.01:
		return ThresholdAbove100
	case previous >= 0.75 && current < 0.75:
		return ThresholdUnder75
	case previous >= 1.0 && current < 1.0:
		return ThresholdUnder100
	}
	return ThresholdNone
}
