package trust

import "github.com/angelmondragon/sellerfin-backend/pkg/enums"

// DefaultUpgradeStableDays is how many qualifying evaluations an upgrade waits.
const DefaultUpgradeStableDays = 7

// Transition names how a tier moved.
type Transition string

const (
	TransitionNone      Transition = "NONE"
	TransitionUpgrade   Transition = "TIER_UPGRADE"
	TransitionDowngrade Transition = "TIER_DOWNGRADE"
)

// State is the persisted hysteresis state of one store. HasScore is false
// until the first evaluation is stored.
type State struct {
	CurrentTier enums.TrustTier  `json:"current_tier"`
	PendingTier *enums.TrustTier `json:"pending_tier,omitempty"`
	StableDays  int              `json:"stable_days"`
	Score       int              `json:"score"`
	HasScore    bool             `json:"has_score"`
}

// Advance feeds one evaluation into the state machine. Downgrades apply at
// once; upgrades wait until stableDays consecutive evaluations did not lower
// the score, starting with the store's first evaluation.
func Advance(prev State, score int, stableDays int) (State, Transition) {
	if stableDays <= 0 {
		stableDays = DefaultUpgradeStableDays
	}
	target := TierFromScore(score)
	next := State{CurrentTier: prev.CurrentTier, Score: score, HasScore: true}

	switch {
	case target.Rank() < prev.CurrentTier.Rank():
		next.CurrentTier = target
		return next, TransitionDowngrade
	case target.Rank() > prev.CurrentTier.Rank():
		// The first evaluation has no earlier score to fall from.
		if !prev.HasScore || score >= prev.Score {
			next.StableDays = prev.StableDays + 1
		}
		if next.StableDays >= stableDays {
			next.CurrentTier = target
			next.StableDays = 0
			return next, TransitionUpgrade
		}
		pending := target
		next.PendingTier = &pending
		return next, TransitionNone
	default:
		return next, TransitionNone
	}
}
