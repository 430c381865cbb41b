package strategy

import (
	"sort"

	"github.com/valuekit-desktop/screening-backend/pkg/types"
)

// Evaluation is one instrument's metrics at a rebalance tick.
type Evaluation struct {
	Ticker     string
	Price      float64
	FairValue  float64
	BuyPrice   float64
	MOSPercent float64
	MoatScore  int
	Methods    []string
}

// SignalEngine applies the threshold rules of one strategy configuration.
// An instrument is a two-state machine per tick: not held or held. Entry
// requires both thresholds cleared; exit fires when either deteriorates
// past its sell threshold.
type SignalEngine struct {
	params types.StrategyParameters
}

// NewSignalEngine creates a signal engine for the given parameters.
func NewSignalEngine(params types.StrategyParameters) *SignalEngine {
	return &SignalEngine{params: params}
}

// Action classifies an instrument. ev may be nil when data was unavailable
// this tick; held instruments then hold through the gap (conservative: a
// data outage must not trigger a fire sale), unheld ones are simply
// disqualified from buy candidacy.
func (e *SignalEngine) Action(held bool, ev *Evaluation) types.SignalAction {
	if ev == nil {
		return types.SignalHold
	}

	if held {
		if ev.MOSPercent < e.params.SellMOSThreshold ||
			ev.MoatScore < e.params.SellMoatThreshold {
			return types.SignalSell
		}
		return types.SignalHold
	}

	if ev.MOSPercent > e.params.MOSThreshold &&
		ev.MoatScore > e.params.MoatThreshold {
		return types.SignalBuy
	}
	return types.SignalHold
}

// RankBuyCandidates orders candidates by margin of safety, best first, and
// caps them to the free portfolio slots.
func RankBuyCandidates(candidates []Evaluation, freeSlots int) []Evaluation {
	if freeSlots <= 0 {
		return nil
	}
	ranked := make([]Evaluation, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MOSPercent > ranked[j].MOSPercent
	})
	if len(ranked) > freeSlots {
		ranked = ranked[:freeSlots]
	}
	return ranked
}
