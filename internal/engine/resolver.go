package engine

import (
	"fmt"
)

// Strategy is the configured policy for picking a winning side on a
// contested key.
type Strategy string

const (
	// StrategyCloudWins always takes the cloud change; markers are ignored
	StrategyCloudWins Strategy = "cloud-wins"
	// StrategyLocalWins always takes the local change; markers are ignored
	StrategyLocalWins Strategy = "local-wins"
	// StrategyLatestWins takes the strictly greater marker; exact ties go to
	// cloud so repeated runs resolve identically
	StrategyLatestWins Strategy = "latest-wins"
	// StrategyManual parks every conflict for operator resolution
	StrategyManual Strategy = "manual"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyCloudWins, StrategyLocalWins, StrategyLatestWins, StrategyManual:
		return Strategy(s), nil
	default:
		return "", NewConfigurationError(fmt.Errorf("unknown conflict strategy: %q", s))
	}
}

// ConflictResolver picks a winner for contested keys per a fixed strategy.
// Resolution is whole-record: the winning side's snapshot replaces the loser.
type ConflictResolver struct {
	strategy Strategy
}

// NewConflictResolver constructs a resolver for the given strategy.
func NewConflictResolver(strategy Strategy) (*ConflictResolver, error) {
	switch strategy {
	case StrategyCloudWins, StrategyLocalWins, StrategyLatestWins, StrategyManual:
		return &ConflictResolver{strategy: strategy}, nil
	default:
		return nil, NewConfigurationError(fmt.Errorf("unknown conflict strategy: %q", strategy))
	}
}

// Strategy returns the configured strategy.
func (r *ConflictResolver) Strategy() Strategy {
	return r.strategy
}

// Resolve picks the winning side and data for a conflict. Under the manual
// strategy it returns a pending resolution: the conflict is parked and no
// automatic application occurs. Resolving under latest-wins without
// comparable markers on both sides fails rather than guessing.
func (r *ConflictResolver) Resolve(conflict Conflict) (Resolution, error) {
	switch r.strategy {
	case StrategyCloudWins:
		return Resolution{Winner: SideCloud, Data: conflict.CloudData}, nil

	case StrategyLocalWins:
		return Resolution{Winner: SideLocal, Data: conflict.LocalData}, nil

	case StrategyLatestWins:
		cmp, err := conflict.LocalMarker.Compare(conflict.CloudMarker)
		if err != nil {
			return Resolution{}, fmt.Errorf("latest-wins on table %s: %w", conflict.Table, err)
		}
		// Strictly greater local marker wins; ties go to cloud.
		if cmp > 0 {
			return Resolution{Winner: SideLocal, Data: conflict.LocalData}, nil
		}
		return Resolution{Winner: SideCloud, Data: conflict.CloudData}, nil

	case StrategyManual:
		return Resolution{Pending: true}, nil

	default:
		return Resolution{}, NewConfigurationError(fmt.Errorf("unknown conflict strategy: %q", r.strategy))
	}
}
