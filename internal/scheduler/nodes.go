package scheduler

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Node is one workflow step. Config and Branches are typed loosely because
// each node type carries a different shape.
type Node struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"` // trigger, entry_criteria, send_email, delay
	Config   nodeConfig      `json:"config"`
	Branches *nodeBranches   `json:"branches,omitempty"`
	Children []Node          `json:"children,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

type nodeConfig struct {
	// trigger
	Time string `json:"time"` // HH:MM wall clock

	// send_email
	Template    string `json:"template"`    // direct template id
	TemplateKey string `json:"templateKey"` // resolve per owner by default_key

	// delay
	Duration flexibleInt `json:"duration"`
	Unit     string      `json:"unit"` // hours, days, weeks
}

type nodeBranches struct {
	Yes []Node `json:"yes"`
	No  []Node `json:"no"` // recognized, never traversed
}

// flexibleInt accepts both JSON numbers and numeric strings, which the
// frontend produces interchangeably.
type flexibleInt int

func (f *flexibleInt) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexibleInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration is neither number nor string: %s", string(data))
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("duration %q is not numeric", s)
	}
	*f = flexibleInt(n)
	return nil
}

// ParseNodes decodes the automation's nodes column.
func ParseNodes(raw json.RawMessage) ([]Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var nodes []Node
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("parse workflow nodes: %w", err)
	}
	return nodes, nil
}

// EmailStep is a send_email emission from the workflow walk: which template
// fires, and how many days after qualification.
type EmailStep struct {
	NodeID      string
	Template    string
	TemplateKey string
	DaysOffset  float64
}

// TriggerTime returns the trigger node's HH:MM, defaulting to 09:00.
func TriggerTime(nodes []Node) string {
	for _, n := range nodes {
		if n.Type == "trigger" && n.Config.Time != "" {
			return n.Config.Time
		}
	}
	return "09:00"
}

const maxWalkDepth = 100

// WalkEmailSteps performs the depth-first walk of the workflow, skipping
// trigger and entry_criteria nodes, accumulating delay in days, and
// following only the yes branch. Returns an error on a cycle or runaway
// depth.
func WalkEmailSteps(nodes []Node) ([]EmailStep, error) {
	var steps []EmailStep
	seen := make(map[string]bool)
	if err := walk(nodes, 0, &steps, seen, 0); err != nil {
		return nil, err
	}
	return steps, nil
}

func walk(nodes []Node, delayDays float64, steps *[]EmailStep, seen map[string]bool, depth int) error {
	if depth > maxWalkDepth {
		return fmt.Errorf("workflow exceeds depth %d", maxWalkDepth)
	}
	for _, n := range nodes {
		if n.ID != "" {
			if seen[n.ID] {
				return fmt.Errorf("workflow contains a cycle at node %s", n.ID)
			}
			seen[n.ID] = true
		}

		switch n.Type {
		case "trigger", "entry_criteria":
			// not part of the schedule
		case "delay":
			delayDays += delayToDays(n.Config)
		case "send_email":
			*steps = append(*steps, EmailStep{
				NodeID:      n.ID,
				Template:    n.Config.Template,
				TemplateKey: n.Config.TemplateKey,
				DaysOffset:  delayDays,
			})
		}

		if n.Branches != nil && len(n.Branches.Yes) > 0 {
			if err := walk(n.Branches.Yes, delayDays, steps, seen, depth+1); err != nil {
				return err
			}
		}
		if len(n.Children) > 0 {
			if err := walk(n.Children, delayDays, steps, seen, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func delayToDays(cfg nodeConfig) float64 {
	d := float64(cfg.Duration)
	switch cfg.Unit {
	case "hours":
		return d / 24
	case "weeks":
		return d * 7
	default: // days
		return d
	}
}
