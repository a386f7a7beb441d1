package cherrypick

import (
	"fmt"

	"github.com/forsitet/fwbot/internal/domain"
)

// SortCommits orders commits parents-first. Parents outside the set are
// ignored; commits with no ordering constraint between them keep their
// listing order.
func SortCommits(commits []domain.Commit) ([]domain.Commit, error) {
	index := make(map[string]int, len(commits))
	for i, c := range commits {
		index[c.SHA] = i
	}

	pending := make([]int, len(commits))
	children := make([][]int, len(commits))
	for i, c := range commits {
		for _, p := range c.Parents {
			if j, ok := index[p]; ok {
				pending[i]++
				children[j] = append(children[j], i)
			}
		}
	}

	done := make([]bool, len(commits))
	sorted := make([]domain.Commit, 0, len(commits))
	for len(sorted) < len(commits) {
		next := -1
		for i := range commits {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("sort commits: cycle among %d commits", len(commits)-len(sorted))
		}
		done[next] = true
		sorted = append(sorted, commits[next])
		for _, child := range children[next] {
			pending[child]--
		}
	}
	return sorted, nil
}
