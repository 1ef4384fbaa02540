// Package phase infers the current round phase of a monitored source from a
// sampled mean color, using a pre-trained centroid model.
package phase

// Phase is a discrete stage of a round. Values match the cluster ids of the
// trained model directly; keep the order in sync with the training labels.
type Phase int

const (
	Waiting      Phase = 0 // between rounds, stake field accepts input soon
	BettingReady Phase = 1 // stake field and play control accept input
	ActiveLow    Phase = 2 // round running, multiplier below ~2x
	ActiveMid    Phase = 3 // round running, multiplier mid-range
	ActiveHigh   Phase = 4 // round running, multiplier high
	Ended        Phase = 5 // round crashed, result on screen
	Unknown      Phase = -1
)

// phaseCount is the number of valid cluster-backed phases.
const phaseCount = 6

var phaseNames = map[Phase]string{
	Waiting:      "waiting",
	BettingReady: "betting_ready",
	ActiveLow:    "active_low",
	ActiveMid:    "active_mid",
	ActiveHigh:   "active_high",
	Ended:        "ended",
	Unknown:      "unknown",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether p is one of the cluster-backed phases.
func (p Phase) Valid() bool {
	return p >= 0 && int(p) < phaseCount
}

// Active reports whether the round is running (multiplier climbing).
func (p Phase) Active() bool {
	return p == ActiveLow || p == ActiveMid || p == ActiveHigh
}

// Sample is a transient mean-RGB reading of the phase region. Produced per
// poll, consumed immediately by the classifier, not retained.
type Sample [3]float64
