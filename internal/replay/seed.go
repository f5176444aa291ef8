package replay

import (
	"fmt"

	"github.com/throw-if-null/recoverybench/internal/api"
)

// Strategy picks the seed trajectory for a recovery episode from a task's
// prior episodes, given in input-run order then index. It returns nil when
// no candidate qualifies.
type Strategy interface {
	Name() string
	Select(prior []api.Episode) *api.Episode
}

// LongestFailed picks the unsolved episode with the most trajectory steps.
// Ties keep the earliest candidate.
type LongestFailed struct{}

func (LongestFailed) Name() string { return "longest-failed" }

func (LongestFailed) Select(prior []api.Episode) *api.Episode {
	var best *api.Episode
	for i := range prior {
		ep := &prior[i]
		if ep.Outcome == api.OutcomeSolved {
			continue
		}
		if best == nil || ep.TrajectoryLen > best.TrajectoryLen {
			best = ep
		}
	}
	return best
}

// LatestFailed picks the last unsolved episode.
type LatestFailed struct{}

func (LatestFailed) Name() string { return "latest-failed" }

func (LatestFailed) Select(prior []api.Episode) *api.Episode {
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Outcome != api.OutcomeSolved {
			return &prior[i]
		}
	}
	return nil
}

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "longest-failed":
		return LongestFailed{}, nil
	case "latest-failed":
		return LatestFailed{}, nil
	}
	return nil, fmt.Errorf("unknown seed strategy %q", name)
}
