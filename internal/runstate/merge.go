package runstate

import (
	"fmt"

	"github.com/xiaot623/roundtable/internal/domain"
)

// MergeResult describes how a snapshot was applied to a fresh state.
type MergeResult string

const (
	// MergeNone means no snapshot existed; the state is fresh.
	MergeNone MergeResult = "none"
	// MergeApplied means the structured snapshot fields were applied.
	MergeApplied MergeResult = "applied"
	// MergeOpaque means the snapshot could not be merged and the state stays empty.
	MergeOpaque MergeResult = "opaque"
)

// Merge overwrites the fields present in a structured snapshot onto fresh.
// Opaque snapshots are not merged; the caller reports the run as resumed
// with empty state.
func Merge(fresh *State, snap *domain.Snapshot) (MergeResult, error) {
	if snap == nil {
		return MergeNone, nil
	}
	if !snap.Structured() {
		return MergeOpaque, nil
	}
	p := snap.Payload
	if p.Version > domain.SnapshotVersion {
		return MergeOpaque, fmt.Errorf("snapshot version %d is newer than supported %d", p.Version, domain.SnapshotVersion)
	}
	if p.Round != nil {
		if *p.Round < 0 {
			return MergeOpaque, fmt.Errorf("snapshot round %d is negative", *p.Round)
		}
		fresh.Round = *p.Round
	}
	if p.Stop != nil {
		fresh.Stop = *p.Stop
	}
	if p.History != nil {
		fresh.History.replace(p.History)
	}
	if p.RunningSummary != nil {
		fresh.RunningSummary = *p.RunningSummary
	}
	if p.Objective != nil {
		fresh.Objective = *p.Objective
	}
	if p.Budgets != nil {
		fresh.Budgets.Restore(p.Budgets)
	}
	return MergeApplied, nil
}
