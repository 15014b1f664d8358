package task

import (
	"fmt"
	"strings"
)

// Segment is one logical sub-task of a possibly merged row.
type Segment struct {
	Target  string
	Payload string
}

// Optimize applies each type's OptimizeStrategy to one flush. Tasks that are
// not optimizable come first in their original order, followed by one merged
// task per group-and-merge type in order of first appearance. Tasks carrying
// a binary payload are never merged.
func Optimize(tasks []*Task, registry Registry) []*Task {
	out := make([]*Task, 0, len(tasks))
	groups := make(map[string][]*Task)
	var order []string

	for _, t := range tasks {
		if len(t.BinaryPayload) > 0 || registry.OptimizeStrategy(t.Type) != OptimizeGroupAndMerge {
			out = append(out, t)
			continue
		}
		if _, seen := groups[t.Type]; !seen {
			order = append(order, t.Type)
		}
		groups[t.Type] = append(groups[t.Type], t)
	}

	for _, taskType := range order {
		out = append(out, Merge(groups[taskType]))
	}
	return out
}

// Merge collapses same-type tasks into one whose target and payload are the
// Separator-joined values of the group, in order.
func Merge(group []*Task) *Task {
	if len(group) == 1 {
		return group[0]
	}

	first := group[0]
	merged := &Task{
		Type:          first.Type,
		IsMemoryOnly:  first.IsMemoryOnly,
		CreatedAt:     first.CreatedAt,
		OriginMachine: first.OriginMachine,
	}

	targets := make([]string, len(group))
	payloads := make([]string, len(group))
	for i, t := range group {
		targets[i] = t.Target
		payloads[i] = t.TextPayload
		if t.CreatedAt.Before(merged.CreatedAt) {
			merged.CreatedAt = t.CreatedAt
		}
	}
	merged.Target = strings.Join(targets, Separator)
	merged.TextPayload = strings.Join(payloads, Separator)
	return merged
}

// Split reverses Merge for one row.
func Split(target, payload string) ([]Segment, error) {
	targets := strings.Split(target, Separator)
	payloads := strings.Split(payload, Separator)
	if len(targets) != len(payloads) {
		return nil, fmt.Errorf("%w: %d targets, %d payloads",
			ErrSegmentMismatch, len(targets), len(payloads))
	}

	segments := make([]Segment, len(targets))
	for i := range targets {
		segments[i] = Segment{Target: targets[i], Payload: payloads[i]}
	}
	return segments, nil
}
