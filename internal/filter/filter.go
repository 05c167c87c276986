// Package filter evaluates automation filter configs against accounts and
// their active policies. Date-trigger rules are recognized here but left to
// the scheduler to interpret.
package filter

import (
	"encoding/json"
	"strings"

	"github.com/insurgrid/email-engine/internal/store"
)

// Rule is one {field, operator, value} predicate.
type Rule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Group is a conjunction of rules.
type Group struct {
	Rules []Rule `json:"rules"`
}

// Config is the parsed filter_config: groups are OR-ed, rules within a group
// are AND-ed.
type Config struct {
	Groups []Group `json:"groups"`
}

// Date-trigger fields and operators. These rules drive scheduling, not
// account matching.
var dateTriggerFields = map[string]bool{
	store.TriggerPolicyExpiration: true,
	store.TriggerPolicyEffective:  true,
	store.TriggerAccountCreated:   true,
}

var dateTriggerOperators = map[string]bool{
	"in_next_days":          true,
	"in_last_days":          true,
	"less_than_days_future": true,
	"more_than_days_future": true,
}

// Parse decodes a raw filter_config. A nil or empty config matches everything.
func Parse(raw json.RawMessage) (*Config, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return &Config{}, nil
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDateTrigger reports whether a rule belongs to the scheduler's date pass.
func IsDateTrigger(r Rule) bool {
	return dateTriggerFields[r.Field] && dateTriggerOperators[r.Operator]
}

// DateRules returns the date-trigger rules across all groups.
func (c *Config) DateRules() []Rule {
	var out []Rule
	for _, g := range c.Groups {
		for _, r := range g.Rules {
			if IsDateTrigger(r) {
				out = append(out, r)
			}
		}
	}
	return out
}

// Matches evaluates the non-date rules against an account and its active
// policies. An empty config, or a config whose groups contain only date
// rules, matches.
func (c *Config) Matches(account *store.Account, policies []store.Policy) bool {
	if len(c.Groups) == 0 {
		return true
	}
	sawNonDateRule := false
	for _, g := range c.Groups {
		groupHasRule := false
		groupOK := true
		for _, r := range g.Rules {
			if IsDateTrigger(r) {
				continue
			}
			groupHasRule = true
			sawNonDateRule = true
			if !evalRule(r, account, policies) {
				groupOK = false
				break
			}
		}
		if groupHasRule && groupOK {
			return true
		}
	}
	return !sawNonDateRule
}

func evalRule(r Rule, account *store.Account, policies []store.Policy) bool {
	switch r.Field {
	case "policy_type", "line_of_business":
		return anyPolicy(policies, func(p store.Policy) bool {
			return compare(p.LineOfBusiness, r.Operator, r.Value)
		})
	case "policy_term", "term":
		return anyPolicy(policies, func(p store.Policy) bool {
			return compare(p.Term, r.Operator, r.Value)
		})
	}
	return compare(accountField(account, r.Field), r.Operator, r.Value)
}

func anyPolicy(policies []store.Policy, pred func(store.Policy) bool) bool {
	for _, p := range policies {
		if pred(p) {
			return true
		}
	}
	return false
}

func accountField(a *store.Account, field string) string {
	switch field {
	case "name", "account_name":
		return a.Name
	case "email", "person_email":
		return a.BestEmail()
	case "first_name":
		return a.FirstName
	case "last_name":
		return a.LastName
	case "phone":
		return a.Phone
	case "address":
		return a.Address
	case "city":
		return a.City
	case "state":
		return a.State
	case "zip", "postal_code":
		return a.Zip
	case "email_validation_status":
		return a.EmailValidationStatus
	}
	return ""
}

func compare(actual, operator, expected string) bool {
	a := strings.ToLower(strings.TrimSpace(actual))
	e := strings.ToLower(strings.TrimSpace(expected))

	switch operator {
	case "equals", "is":
		return a == e
	case "not_equals", "is_not":
		return a != e
	case "contains":
		return strings.Contains(a, e)
	case "not_contains":
		return !strings.Contains(a, e)
	case "starts_with":
		return strings.HasPrefix(a, e)
	case "ends_with":
		return strings.HasSuffix(a, e)
	case "is_empty":
		return a == ""
	case "is_not_empty":
		return a != ""
	case "in":
		return inList(a, e)
	case "not_in":
		return !inList(a, e)
	}
	return false
}

func inList(actual, list string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == actual {
			return true
		}
	}
	return false
}
