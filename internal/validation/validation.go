// Package validation runs the daily recipient address check against the
// provider's validation API and records verdicts on accounts.
package validation

import (
	"context"
	"log"
	"strings"

	"github.com/insurgrid/email-engine/internal/pkg/logger"
	"github.com/insurgrid/email-engine/internal/sendgrid"
	"github.com/insurgrid/email-engine/internal/store"
)

const defaultBatchSize = 200

// Runner validates account email addresses in batches.
type Runner struct {
	store     *store.Store
	validator *sendgrid.Client
	batchSize int
}

func New(st *store.Store, validator *sendgrid.Client, batchSize int) *Runner {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Runner{store: st, validator: validator, batchSize: batchSize}
}

// Result summarizes one validation pass.
type Result struct {
	Checked int
	Valid   int
	Risky   int
	Invalid int
	Errors  int
}

// Run validates the next batch of unvalidated or stale accounts. API errors
// on individual addresses leave the account untouched for the next pass.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	accounts, err := r.store.ListAccountsNeedingValidation(ctx, r.batchSize)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, a := range accounts {
		email := a.BestEmail()
		res, err := r.validator.ValidateAddress(ctx, email)
		if err != nil {
			log.Printf("[Validation] Account %s (%s): %v", a.ID, logger.RedactEmail(email), err)
			result.Errors++
			continue
		}

		status := verdictStatus(res.Verdict)
		if err := r.store.UpdateAccountValidation(ctx, a.ID, status, res.Score, res.Reason); err != nil {
			log.Printf("[Validation] Persist verdict for %s: %v", a.ID, err)
			result.Errors++
			continue
		}

		result.Checked++
		switch status {
		case store.ValidationValid:
			result.Valid++
		case store.ValidationRisky:
			result.Risky++
		case store.ValidationInvalid:
			result.Invalid++
		}
	}

	if result.Checked > 0 || result.Errors > 0 {
		log.Printf("[Validation] Checked %d addresses: %d valid, %d risky, %d invalid, %d errors",
			result.Checked, result.Valid, result.Risky, result.Invalid, result.Errors)
	}
	return result, nil
}

func verdictStatus(verdict string) string {
	switch strings.ToLower(verdict) {
	case "valid":
		return store.ValidationValid
	case "risky":
		return store.ValidationRisky
	case "invalid":
		return store.ValidationInvalid
	default:
		return store.ValidationUnknown
	}
}
