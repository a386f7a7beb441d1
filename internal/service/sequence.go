package service

import "github.com/forsitet/fwbot/internal/domain"

func branchIndex(branches []domain.Branch, id int64) int {
	for i, b := range branches {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// NextTarget returns the branch the chain started by root continues on after
// reference, or nil when the chain has reached its limit.
//
// branches is the full project ordering, disabled branches included, so that
// disabling a branch never shifts the position of the others. A root without
// a limit runs to the end of the ordering.
func NextTarget(branches []domain.Branch, root, reference domain.PullRequest) *domain.Branch {
	if root.LimitID != 0 && reference.TargetID == root.LimitID {
		return nil
	}

	from := max(branchIndex(branches, root.TargetID), branchIndex(branches, reference.TargetID))
	if from < 0 {
		return nil
	}
	to := len(branches) - 1
	if root.LimitID != 0 {
		to = branchIndex(branches, root.LimitID)
	}

	for i := from + 1; i <= to; i++ {
		if branches[i].Eligible() {
			b := branches[i]
			return &b
		}
	}
	return nil
}
