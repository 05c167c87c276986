// Package mailutil holds the message-assembly helpers shared by the
// dispatcher and the reply ingress: merge-field rendering, footer assembly,
// inbound MIME body extraction, and raw header parsing.
package mailutil

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// MergeContext carries the values substituted into {{field}} tokens.
// Zero values render as empty strings.
type MergeContext struct {
	FirstName      string
	LastName       string
	CompanyName    string
	Email          string
	Phone          string
	Address        string
	City           string
	State          string
	Zip            string
	RecipientName  string
	RecipientEmail string
	TriggerDate    string // YYYY-MM-DD qualification date, empty for activation sends
}

var mergeTokenRegex = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)

// RenderMergeFields substitutes the recognized {{field}} tokens into content.
// Matching is case-insensitive; unrecognized or empty fields become "".
func RenderMergeFields(content string, mc MergeContext, now time.Time) string {
	fullName := strings.TrimSpace(strings.TrimSpace(mc.FirstName) + " " + strings.TrimSpace(mc.LastName))

	values := map[string]string{
		"first_name":      mc.FirstName,
		"last_name":       mc.LastName,
		"full_name":       fullName,
		"name":            fullName,
		"company_name":    mc.CompanyName,
		"email":           mc.Email,
		"phone":           mc.Phone,
		"address":         mc.Address,
		"city":            mc.City,
		"state":           mc.State,
		"zip":             mc.Zip,
		"postal_code":     mc.Zip,
		"recipient_name":  mc.RecipientName,
		"recipient_email": mc.RecipientEmail,
		"today":           now.UTC().Format("January 2, 2006"),
		"current_year":    fmt.Sprintf("%d", now.UTC().Year()),
		"trigger_date":    mc.TriggerDate,
	}

	return mergeTokenRegex.ReplaceAllStringFunc(content, func(token string) string {
		field := strings.ToLower(mergeTokenRegex.FindStringSubmatch(token)[1])
		return values[field] // unknown fields render empty
	})
}

// CompanyBlock is the pipe-separated single-line company footer.
type CompanyBlock struct {
	Name    string
	Address string
	Phone   string
	Website string
}

// BuildFooter concatenates the optional signature HTML, the company block,
// and the unsubscribe link for the given scheduled email.
func BuildFooter(signatureHTML string, company CompanyBlock, unsubscribeBase, scheduledEmailID, recipientEmail string) string {
	var b strings.Builder

	if signatureHTML != "" {
		b.WriteString(signatureHTML)
	}

	var parts []string
	for _, p := range []string{company.Name, company.Address, company.Phone, company.Website} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		b.WriteString(`<p style="font-size:12px;color:#666;">`)
		b.WriteString(strings.Join(parts, " | "))
		b.WriteString(`</p>`)
	}

	if unsubscribeBase != "" {
		link := fmt.Sprintf("%s?id=%s&email=%s", unsubscribeBase, scheduledEmailID, url.QueryEscape(recipientEmail))
		b.WriteString(`<p style="font-size:12px;color:#666;"><a href="`)
		b.WriteString(link)
		b.WriteString(`">Unsubscribe</a></p>`)
	}

	return b.String()
}
