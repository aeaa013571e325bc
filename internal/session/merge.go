package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nidhogg/nuka-experts/internal/provider"
)

// ApprovalMessage is injected into history when a reviewed plan resumes.
const ApprovalMessage = "Plan approved. Proceed with execution."

// MergePlan applies a reviewed plan to the checkpointed state. edited may be
// nil for an unchanged approval.
//
// Completed tasks keep their id, output and result whatever the edit did to
// them; completed tasks the edit dropped are kept at the front. Known tasks
// take only the fields the edit sets. Everything else is reset to pending. Dependencies on tasks that no longer exist are
// removed and the cursor moves to the first task that is not completed.
func MergePlan(prev State, edited []Task) State {
	if edited == nil {
		edited = prev.Tasks
	}

	byID := make(map[string]Task, len(prev.Tasks))
	byShort := make(map[string]Task, len(prev.Tasks))
	for _, t := range prev.Tasks {
		byID[t.ID] = t
		if t.ShortID != "" {
			byShort[t.ShortID] = t
		}
	}

	used := make(map[string]bool, len(edited))
	merged := make([]Task, 0, len(edited)+len(prev.Tasks))
	for _, e := range edited {
		match, ok := byID[e.ID]
		if !ok && e.ShortID != "" {
			match, ok = byShort[e.ShortID]
		}
		if ok && used[match.ID] {
			ok = false
		}

		if ok && match.Status == StatusCompleted {
			used[match.ID] = true
			merged = append(merged, match.clone())
			continue
		}

		var t Task
		if ok {
			used[match.ID] = true
			t = overlay(match, e)
		} else {
			t = e.clone()
			if _, err := uuid.Parse(t.ID); err != nil || byID[t.ID].ID != "" {
				t.ID = uuid.New().String()
			}
		}
		t.Status = StatusPending
		t.OutputResult = nil
		t.StartedAt = nil
		t.CompletedAt = nil
		merged = append(merged, t)
	}

	var kept []Task
	for _, t := range prev.Tasks {
		if t.Status == StatusCompleted && !used[t.ID] {
			kept = append(kept, t.clone())
		}
	}
	merged = append(kept, merged...)

	assignShortIDs(merged)

	known := make(map[string]bool, len(merged))
	for _, t := range merged {
		known[t.ShortID] = true
	}
	completed := make(map[string]bool)
	cursor := len(merged)
	for i := range merged {
		merged[i].SortOrder = i
		merged[i].DependsOn = filterDeps(merged[i].DependsOn, known, merged[i].ShortID)
		if merged[i].Status == StatusCompleted {
			completed[merged[i].ID] = true
		} else if cursor == len(merged) {
			cursor = i
		}
	}

	n := prev.Clone()
	n.Tasks = merged
	n.Cursor = cursor
	var results []ExpertResult
	for _, r := range prev.Results {
		if completed[r.TaskID] {
			results = append(results, r)
		}
	}
	n.Results = results
	n.ToolContext = nil
	n.ToolRounds = nil
	n.PendingToolCalls = nil
	n.Phase = PhaseDispatching
	if cursor >= len(merged) {
		n.Phase = PhaseAggregating
	}
	return n.WithMessage(provider.Message{Role: provider.RoleUser, Content: ApprovalMessage})
}

// overlay applies the fields a reviewer sent for a known task onto its
// checkpointed version. Unset fields keep the planned values; an explicit
// empty depends_on or input_data clears them.
func overlay(prev, edit Task) Task {
	t := prev.clone()
	if edit.ShortID != "" {
		t.ShortID = edit.ShortID
	}
	if edit.ExpertType != "" {
		t.ExpertType = edit.ExpertType
	}
	if edit.Description != "" {
		t.Description = edit.Description
	}
	e := edit.clone()
	if e.InputData != nil {
		t.InputData = e.InputData
	}
	if e.DependsOn != nil {
		t.DependsOn = e.DependsOn
	}
	return t
}

// assignShortIDs gives every task a unique short id, keeping existing ones.
func assignShortIDs(tasks []Task) {
	taken := make(map[string]bool, len(tasks))
	for i := range tasks {
		if tasks[i].ShortID == "" {
			continue
		}
		if taken[tasks[i].ShortID] {
			tasks[i].ShortID = ""
			continue
		}
		taken[tasks[i].ShortID] = true
	}
	next := 1
	for i := range tasks {
		if tasks[i].ShortID != "" {
			continue
		}
		for taken[fmt.Sprintf("task_%d", next)] {
			next++
		}
		tasks[i].ShortID = fmt.Sprintf("task_%d", next)
		taken[tasks[i].ShortID] = true
	}
}

func filterDeps(deps []string, known map[string]bool, self string) []string {
	if len(deps) == 0 {
		return nil
	}
	out := make([]string, 0, len(deps))
	seen := make(map[string]bool, len(deps))
	for _, d := range deps {
		if d == self || !known[d] || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// NormalizeTasks prepares a freshly planned task list: ids, short ids,
// pending status, sort order and dependency cleanup.
func NormalizeTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		t = t.clone()
		if _, err := uuid.Parse(t.ID); err != nil {
			t.ID = uuid.New().String()
		}
		t.Status = StatusPending
		t.OutputResult = nil
		t.StartedAt = nil
		t.CompletedAt = nil
		out[i] = t
	}
	assignShortIDs(out)
	known := make(map[string]bool, len(out))
	for _, t := range out {
		known[t.ShortID] = true
	}
	for i := range out {
		out[i].SortOrder = i
		out[i].DependsOn = filterDeps(resolveExpertRefs(out, i), known, out[i].ShortID)
	}
	return out
}

// resolveExpertRefs rewrites dependencies that name an expert type instead of
// a short id to the nearest earlier task of that type.
func resolveExpertRefs(tasks []Task, i int) []string {
	deps := tasks[i].DependsOn
	if len(deps) == 0 {
		return deps
	}
	shorts := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		shorts[t.ShortID] = true
	}
	out := make([]string, len(deps))
	for j, d := range deps {
		out[j] = d
		if shorts[d] {
			continue
		}
		for k := i - 1; k >= 0; k-- {
			if tasks[k].ExpertType == d {
				out[j] = tasks[k].ShortID
				break
			}
		}
	}
	return out
}
