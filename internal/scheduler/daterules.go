package scheduler

import (
	"strconv"

	"github.com/insurgrid/email-engine/internal/filter"
)

// DateTrigger is one collapsed date rule: the trigger field plus how many
// days before the trigger date the journey starts. Negative DaysBefore means
// days after the trigger (in_last_days).
type DateTrigger struct {
	Field      string
	DaysBefore int
}

// CollapseDateRules folds the raw date rules into one DateTrigger per field.
// Precedence: in_next_days and more_than_days_future set the value, max
// wins. The inner bound (more_than_days_future) is when the journey starts,
// so it dominates the outer bound. less_than_days_future only applies when
// no inner bound exists. in_last_days yields a negative value.
func CollapseDateRules(rules []filter.Rule) []DateTrigger {
	type acc struct {
		inner    int
		hasInner bool
		outer    int
		hasOuter bool
		after    int
		hasAfter bool
	}
	order := []string{}
	byField := make(map[string]*acc)

	for _, r := range rules {
		days, err := strconv.Atoi(r.Value)
		if err != nil {
			continue
		}
		a, ok := byField[r.Field]
		if !ok {
			a = &acc{}
			byField[r.Field] = a
			order = append(order, r.Field)
		}
		switch r.Operator {
		case "in_next_days", "more_than_days_future":
			if !a.hasInner || days > a.inner {
				a.inner = days
			}
			a.hasInner = true
		case "less_than_days_future":
			if !a.hasOuter || days > a.outer {
				a.outer = days
			}
			a.hasOuter = true
		case "in_last_days":
			if !a.hasAfter || days > a.after {
				a.after = days
			}
			a.hasAfter = true
		}
	}

	var out []DateTrigger
	for _, field := range order {
		a := byField[field]
		switch {
		case a.hasInner:
			out = append(out, DateTrigger{Field: field, DaysBefore: a.inner})
		case a.hasOuter:
			out = append(out, DateTrigger{Field: field, DaysBefore: a.outer})
		case a.hasAfter:
			out = append(out, DateTrigger{Field: field, DaysBefore: -a.after})
		}
	}
	return out
}
