package mailutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testNow = time.Date(2025, 3, 13, 9, 0, 0, 0, time.UTC)

func TestRenderMergeFields(t *testing.T) {
	mc := MergeContext{
		FirstName:      "Jane",
		LastName:       "Roe",
		CompanyName:    "Acme Insurance",
		Email:          "jane@example.com",
		Phone:          "555-0100",
		City:           "Austin",
		State:          "TX",
		Zip:            "78701",
		RecipientName:  "Jane Roe",
		RecipientEmail: "jane@example.com",
		TriggerDate:    "2025-06-01",
	}

	in := "Hi {{first_name}}, your {{COMPANY_NAME}} policy expires {{trigger_date}}. " +
		"Sent to {{ recipient_email }} in {{city}}, {{state}} {{postal_code}}."
	out := RenderMergeFields(in, mc, testNow)

	assert.Equal(t,
		"Hi Jane, your Acme Insurance policy expires 2025-06-01. "+
			"Sent to jane@example.com in Austin, TX 78701.",
		out)
}

func TestRenderMergeFields_UnresolvedBecomeEmpty(t *testing.T) {
	out := RenderMergeFields("Hello {{first_name}}{{unknown_field}}!", MergeContext{}, testNow)
	assert.Equal(t, "Hello !", out)
}

func TestRenderMergeFields_TodayAndYear(t *testing.T) {
	out := RenderMergeFields("{{today}} / {{current_year}}", MergeContext{}, testNow)
	assert.Equal(t, "March 13, 2025 / 2025", out)
}

func TestRenderMergeFields_Idempotent(t *testing.T) {
	mc := MergeContext{FirstName: "Jane", LastName: "Roe", Email: "jane@example.com"}
	in := "Dear {{full_name}} <{{email}}>, welcome."

	once := RenderMergeFields(in, mc, testNow)
	twice := RenderMergeFields(once, mc, testNow)
	assert.Equal(t, once, twice)
}

func TestRenderMergeFields_NameAliases(t *testing.T) {
	mc := MergeContext{FirstName: "Jane", LastName: "Roe"}
	assert.Equal(t, "Jane Roe / Jane Roe", RenderMergeFields("{{name}} / {{full_name}}", mc, testNow))

	only := MergeContext{FirstName: "Jane"}
	assert.Equal(t, "Jane", RenderMergeFields("{{full_name}}", only, testNow))
}

func TestBuildFooter(t *testing.T) {
	company := CompanyBlock{
		Name:    "Acme Insurance",
		Address: "100 Main St, Austin, TX",
		Phone:   "555-0100",
		Website: "https://acme.example.com",
	}
	footer := BuildFooter("<p>-- Bob</p>", company,
		"https://app.example.com/unsubscribe", "sch-123", "jane+tag@example.com")

	assert.Contains(t, footer, "<p>-- Bob</p>")
	assert.Contains(t, footer, "Acme Insurance | 100 Main St, Austin, TX | 555-0100 | https://acme.example.com")
	assert.Contains(t, footer, "https://app.example.com/unsubscribe?id=sch-123&email=jane%2Btag%40example.com")
}

func TestBuildFooter_SkipsEmptyParts(t *testing.T) {
	footer := BuildFooter("", CompanyBlock{Name: "Acme"}, "", "id", "a@b.com")
	assert.Contains(t, footer, ">Acme</p>")
	assert.NotContains(t, footer, "|")
	assert.NotContains(t, footer, "Unsubscribe")
}

func TestBuildFooter_Deterministic(t *testing.T) {
	company := CompanyBlock{Name: "Acme", Phone: "555-0100"}
	a := BuildFooter("sig", company, "https://u.example.com", "x", "a@b.com")
	b := BuildFooter("sig", company, "https://u.example.com", "x", "a@b.com")
	assert.Equal(t, a, b)
}
