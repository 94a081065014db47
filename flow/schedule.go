package flow

import (
	"sort"

	"github.com/quiverai/ragcore/common/errs"
)

// Schedule is an ordered list of parallel groups. Every node in group i
// has all of its dependencies in groups 1..i-1 and none inside group i.
type Schedule struct {
	Groups [][]string
}

// NodeCount returns the total number of scheduled nodes.
func (s *Schedule) NodeCount() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g)
	}
	return n
}

// BuildSchedule computes the parallel execution schedule via Kahn-style
// level scheduling: repeatedly emit the set of nodes whose remaining
// in-degree is zero, then release their dependents.
func BuildSchedule(f *Flow) (*Schedule, error) {
	deps := f.dependencies()

	inDegree := make(map[string]int, len(f.Nodes))
	dependents := make(map[string][]string, len(f.Nodes))
	for id, sources := range deps {
		inDegree[id] = len(sources)
		for src := range sources {
			dependents[src] = append(dependents[src], id)
		}
	}

	scheduled := 0
	var groups [][]string
	for scheduled < len(f.Nodes) {
		var group []string
		for id, d := range inDegree {
			if d == 0 {
				group = append(group, id)
			}
		}
		if len(group) == 0 {
			// Unscheduled nodes remain but none is ready: a cycle survived
			// validation, which is a programming error upstream.
			return nil, errs.New(errs.ErrCycleDetected, "schedule stalled with %d of %d nodes placed", scheduled, len(f.Nodes))
		}
		sort.Strings(group)

		for _, id := range group {
			delete(inDegree, id)
			for _, dep := range dependents[id] {
				if _, pending := inDegree[dep]; pending {
					inDegree[dep]--
				}
			}
		}

		groups = append(groups, group)
		scheduled += len(group)
	}

	return &Schedule{Groups: groups}, nil
}
