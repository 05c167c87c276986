package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ValidationResult is the verdict for one address.
type ValidationResult struct {
	Email   string
	Verdict string // Valid, Risky, Invalid
	Score   float64
	Reason  string
}

type validationResponse struct {
	Result struct {
		Email   string  `json:"email"`
		Verdict string  `json:"verdict"`
		Score   float64 `json:"score"`
		Checks  struct {
			Domain struct {
				HasValidAddressSyntax bool `json:"has_valid_address_syntax"`
				HasMxOrARecord        bool `json:"has_mx_or_a_record"`
				IsSuspectedDisposable bool `json:"is_suspected_disposable_address"`
			} `json:"domain"`
			Additional struct {
				HasKnownBounces     bool `json:"has_known_bounces"`
				HasSuspectedBounces bool `json:"has_suspected_bounces"`
			} `json:"additional"`
		} `json:"checks"`
	} `json:"result"`
}

// ValidateAddress calls the SendGrid email validation API. Requires the
// dedicated validation key, which is separate from the send key.
func (c *Client) ValidateAddress(ctx context.Context, email string) (*ValidationResult, error) {
	if c.validationKey == "" {
		return nil, fmt.Errorf("validation key not configured")
	}

	body, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validations/email", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.validationKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("validation returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed validationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode validation response: %w", err)
	}

	result := &ValidationResult{
		Email:   parsed.Result.Email,
		Verdict: parsed.Result.Verdict,
		Score:   parsed.Result.Score,
	}
	switch {
	case !parsed.Result.Checks.Domain.HasValidAddressSyntax:
		result.Reason = "invalid address syntax"
	case !parsed.Result.Checks.Domain.HasMxOrARecord:
		result.Reason = "no MX or A record"
	case parsed.Result.Checks.Domain.IsSuspectedDisposable:
		result.Reason = "suspected disposable address"
	case parsed.Result.Checks.Additional.HasKnownBounces:
		result.Reason = "known bounces"
	case parsed.Result.Checks.Additional.HasSuspectedBounces:
		result.Reason = "suspected bounces"
	}
	return result, nil
}
