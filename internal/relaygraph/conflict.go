package relaygraph

import (
	"strings"
)

type Strategy string

const (
	StrategyDefault Strategy = ""
	StrategyForce   Strategy = "force"
	StrategySkip    Strategy = "skip"
)

func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyDefault:
		return StrategyDefault, nil
	case StrategyForce:
		return StrategyForce, nil
	case StrategySkip:
		return StrategySkip, nil
	default:
		return StrategyDefault, invalidf("unknown conflict strategy %q", raw)
	}
}

type Outcome string

const (
	OutcomeProceed  Outcome = "proceed"
	OutcomeSkip     Outcome = "skip"
	OutcomeConflict Outcome = "conflict"
)

// Decide runs the three-way compare between the hash the editor started
// from, the stored hash, and the hash of the incoming content. An empty
// baseline means the caller did not ask for conflict tracking.
func Decide(baselineHash, currentHash, incomingHash string, strategy Strategy) Outcome {
	if baselineHash == "" {
		return OutcomeProceed
	}
	if currentHash == baselineHash {
		return OutcomeProceed
	}
	if incomingHash == currentHash {
		// Convergent write: someone already stored exactly this content.
		return OutcomeProceed
	}
	switch strategy {
	case StrategyForce:
		return OutcomeProceed
	case StrategySkip:
		return OutcomeSkip
	default:
		return OutcomeConflict
	}
}
