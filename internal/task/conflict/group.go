package conflict

import "sort"

// GroupSafeParallel splits tasks into batches whose members have no
// predicted High or Medium conflict with each other. Greedy first-fit over
// a most-conflicted-first ordering: fast and non-optimal, which is fine
// for an advisory grouping; real isolation happens at the worktree layer.
func (d *Detector) GroupSafeParallel(items []Task) [][]Task {
	switch len(items) {
	case 0:
		return nil
	case 1:
		return [][]Task{{items[0]}}
	}

	adj := make([]map[int]struct{}, len(items))
	for i := range adj {
		adj[i] = make(map[int]struct{})
	}
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			c, ok := d.CheckConflict(items[i], items[j])
			if ok && c.Severity >= SeverityMedium {
				adj[i][j] = struct{}{}
				adj[j][i] = struct{}{}
			}
		}
	}

	// Place the most constrained tasks first so they don't end up
	// stranded in singleton groups at the tail.
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return len(adj[order[x]]) > len(adj[order[y]])
	})

	var groups [][]int
next:
	for _, idx := range order {
		for gi, group := range groups {
			if conflictsWithAny(adj[idx], group) {
				continue
			}
			groups[gi] = append(groups[gi], idx)
			continue next
		}
		groups = append(groups, []int{idx})
	}

	out := make([][]Task, len(groups))
	for gi, group := range groups {
		// Submission order within a batch.
		sort.Ints(group)
		batch := make([]Task, 0, len(group))
		for _, idx := range group {
			batch = append(batch, items[idx])
		}
		out[gi] = batch
	}
	return out
}

func conflictsWithAny(edges map[int]struct{}, group []int) bool {
	for _, member := range group {
		if _, ok := edges[member]; ok {
			return true
		}
	}
	return false
}
