package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insurgrid/email-engine/internal/store"
)

func testAccount() *store.Account {
	return &store.Account{
		Name:        "Jane Smith Household",
		PersonEmail: "jane@example.com",
		FirstName:   "Jane",
		LastName:    "Smith",
		City:        "Austin",
		State:       "TX",
		Zip:         "78701",
	}
}

func TestParseEmptyConfigMatchesEverything(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.True(t, cfg.Matches(testAccount(), nil))

	cfg, err = Parse(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.True(t, cfg.Matches(testAccount(), nil))
}

func TestStringOperators(t *testing.T) {
	account := testAccount()

	cases := []struct {
		name string
		rule Rule
		want bool
	}{
		{"equals", Rule{Field: "state", Operator: "equals", Value: "TX"}, true},
		{"equals case-insensitive", Rule{Field: "state", Operator: "is", Value: "tx"}, true},
		{"not_equals", Rule{Field: "state", Operator: "not_equals", Value: "CA"}, true},
		{"is_not miss", Rule{Field: "state", Operator: "is_not", Value: "TX"}, false},
		{"contains", Rule{Field: "name", Operator: "contains", Value: "smith"}, true},
		{"not_contains", Rule{Field: "name", Operator: "not_contains", Value: "jones"}, true},
		{"starts_with", Rule{Field: "city", Operator: "starts_with", Value: "aus"}, true},
		{"ends_with", Rule{Field: "email", Operator: "ends_with", Value: "@example.com"}, true},
		{"is_empty", Rule{Field: "phone", Operator: "is_empty"}, true},
		{"is_not_empty", Rule{Field: "phone", Operator: "is_not_empty"}, false},
		{"in", Rule{Field: "state", Operator: "in", Value: "CA, TX, NY"}, true},
		{"not_in", Rule{Field: "state", Operator: "not_in", Value: "CA, NY"}, true},
		{"unknown operator", Rule{Field: "state", Operator: "between", Value: "a,b"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Groups: []Group{{Rules: []Rule{tc.rule}}}}
			assert.Equal(t, tc.want, cfg.Matches(account, nil))
		})
	}
}

func TestPolicyRulesMatchAnyActivePolicy(t *testing.T) {
	account := testAccount()
	policies := []store.Policy{
		{LineOfBusiness: "Auto", Term: "6 months"},
		{LineOfBusiness: "Home", Term: "12 months"},
	}

	cfg := &Config{Groups: []Group{{Rules: []Rule{
		{Field: "policy_type", Operator: "equals", Value: "home"},
	}}}}
	assert.True(t, cfg.Matches(account, policies), "second policy satisfies the rule")

	cfg = &Config{Groups: []Group{{Rules: []Rule{
		{Field: "policy_term", Operator: "equals", Value: "24 months"},
	}}}}
	assert.False(t, cfg.Matches(account, policies))

	assert.False(t, cfg.Matches(account, nil), "no policies means no policy rule can match")
}

func TestGroupSemantics(t *testing.T) {
	account := testAccount()

	// AND within a group: one failing rule sinks the group.
	cfg := &Config{Groups: []Group{{Rules: []Rule{
		{Field: "state", Operator: "equals", Value: "TX"},
		{Field: "city", Operator: "equals", Value: "Dallas"},
	}}}}
	assert.False(t, cfg.Matches(account, nil))

	// OR between groups: a second satisfied group rescues the match.
	cfg.Groups = append(cfg.Groups, Group{Rules: []Rule{
		{Field: "last_name", Operator: "equals", Value: "Smith"},
	}})
	assert.True(t, cfg.Matches(account, nil))
}

func TestDateRulesSkippedInMatchPass(t *testing.T) {
	account := testAccount()

	raw := json.RawMessage(`{"groups":[{"rules":[
		{"field":"policy_expiration","operator":"in_next_days","value":"80"},
		{"field":"state","operator":"equals","value":"TX"}
	]}]}`)
	cfg, err := Parse(raw)
	require.NoError(t, err)

	assert.True(t, cfg.Matches(account, nil), "date rule does not participate in matching")

	dates := cfg.DateRules()
	require.Len(t, dates, 1)
	assert.Equal(t, "policy_expiration", dates[0].Field)
	assert.Equal(t, "in_next_days", dates[0].Operator)
	assert.Equal(t, "80", dates[0].Value)
}

func TestDateOnlyConfigMatchesAllAccounts(t *testing.T) {
	raw := json.RawMessage(`{"groups":[{"rules":[
		{"field":"policy_expiration","operator":"more_than_days_future","value":"80"}
	]}]}`)
	cfg, err := Parse(raw)
	require.NoError(t, err)

	assert.True(t, cfg.Matches(testAccount(), nil))
}

func TestIsDateTrigger(t *testing.T) {
	assert.True(t, IsDateTrigger(Rule{Field: "policy_effective", Operator: "in_last_days"}))
	assert.True(t, IsDateTrigger(Rule{Field: "account_created", Operator: "less_than_days_future"}))
	assert.False(t, IsDateTrigger(Rule{Field: "policy_expiration", Operator: "equals"}))
	assert.False(t, IsDateTrigger(Rule{Field: "state", Operator: "in_next_days"}))
}
