package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nidhogg/nuka-experts/internal/event"
)

type planTask struct {
	ID          string   `json:"id"`
	ShortID     string   `json:"short_id"`
	ExpertType  string   `json:"expert_type"`
	Description string   `json:"description"`
	SortOrder   int      `json:"sort_order"`
	Status      string   `json:"status"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type plan []planTask

// without returns the plan minus the tasks whose id or short id is in drop.
func (p plan) without(drop map[string]bool) []planTask {
	out := make([]planTask, 0, len(p))
	for _, t := range p {
		if !drop[t.ID] && !drop[t.ShortID] {
			out = append(out, t)
		}
	}
	return out
}

// renderer prints one run's notifications for a terminal.
type renderer struct {
	w        io.Writer
	plan     plan
	awaiting bool
	status   string
	inText   bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

// handle implements the event.Decode callback. It stops at run.end.
func (r *renderer) handle(f event.Frame) error {
	if f.Event == "" {
		return nil
	}
	var env struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	_ = json.Unmarshal([]byte(f.Data), &env)
	data := env.Data
	str := func(k string) string {
		var s string
		_ = json.Unmarshal(data[k], &s)
		return s
	}

	switch event.Type(f.Event) {
	case event.RouterDecision:
		r.line("\033[90m[router] %s: %s\033[0m", str("decision"), str("reason"))
	case event.PlanCreated:
		r.line("\033[36m[plan]\033[0m %s", str("summary"))
	case event.TaskStarted:
		r.line("\033[33m[%s]\033[0m %s", str("expert_type"), str("description"))
	case event.TaskCompleted:
		r.line("\033[32m[%s done]\033[0m", str("expert_type"))
	case event.TaskFailed:
		r.line("\033[31m[%s failed]\033[0m %s", str("expert_type"), str("error"))
	case event.ArtifactGenerated:
		var a struct {
			Type  string `json:"type"`
			Title string `json:"title"`
		}
		_ = json.Unmarshal(data["artifact"], &a)
		r.line("  artifact (%s): %s", a.Type, a.Title)
	case event.MessageDelta:
		if !r.inText {
			fmt.Fprintln(r.w)
			r.inText = true
		}
		fmt.Fprint(r.w, str("content"))
	case event.MessageDone:
		if !r.inText {
			fmt.Fprintf(r.w, "\n%s", str("full_content"))
		}
		fmt.Fprintln(r.w)
		r.inText = false
	case event.HumanInterrupt:
		_ = json.Unmarshal(data["current_plan"], &r.plan)
		r.line("\033[36mPlan waiting for review:\033[0m")
		for _, t := range r.plan {
			deps := ""
			if len(t.DependsOn) > 0 {
				deps = fmt.Sprintf(" (after %v)", t.DependsOn)
			}
			fmt.Fprintf(r.w, "  %s [%s] %s%s\n", t.ShortID, t.ExpertType, t.Description, deps)
		}
		r.awaiting = true
	case event.Error:
		r.line("\033[31m[error] %s\033[0m", str("message"))
	case event.RunEnd:
		r.status = str("status")
		r.awaiting = r.status == "awaiting_approval"
		return io.EOF
	}
	return nil
}

func (r *renderer) line(format string, args ...interface{}) {
	if r.inText {
		fmt.Fprintln(r.w)
		r.inText = false
	}
	fmt.Fprintf(r.w, format+"\n", args...)
}
