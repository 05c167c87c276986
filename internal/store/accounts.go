package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const accountColumns = `id, owner_id, COALESCE(name,''), COALESCE(person_email,''), COALESCE(email,''),
	COALESCE(first_name,''), COALESCE(last_name,''), COALESCE(phone,''), COALESCE(address,''),
	COALESCE(city,''), COALESCE(state,''), COALESCE(zip,''), opted_out, created_at,
	COALESCE(email_validation_status,'unknown'), COALESCE(email_validation_score,0),
	email_validated_at, COALESCE(email_validation_reason,'')`

func scanAccount(row interface{ Scan(...interface{}) error }) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.PersonEmail, &a.Email,
		&a.FirstName, &a.LastName, &a.Phone, &a.Address,
		&a.City, &a.State, &a.Zip, &a.OptedOut, &a.CreatedAt,
		&a.EmailValidationStatus, &a.EmailValidationScore,
		&a.EmailValidatedAt, &a.EmailValidationReason)
	return a, err
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListCandidateAccounts returns the non-opted-out accounts an automation can
// target. A nil ownerID means the automation is a system default and applies
// to every owner.
func (s *Store) ListCandidateAccounts(ctx context.Context, ownerID *uuid.UUID) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE opted_out = FALSE`
	args := []interface{}{}
	if ownerID != nil {
		query += ` AND owner_id = $1`
		args = append(args, *ownerID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListActivePolicies batch-fetches the Active policies for a set of
// accounts, keyed by account id.
func (s *Store) ListActivePolicies(ctx context.Context, accountIDs []uuid.UUID) (map[uuid.UUID][]Policy, error) {
	policies := make(map[uuid.UUID][]Policy)
	if len(accountIDs) == 0 {
		return policies, nil
	}

	ids := make([]string, len(accountIDs))
	for i, id := range accountIDs {
		ids[i] = id.String()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, COALESCE(line_of_business,''), COALESCE(term,''),
			effective_date, expiration_date, COALESCE(status,'')
		FROM policies
		WHERE status = 'Active' AND account_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.AccountID, &p.LineOfBusiness, &p.Term,
			&p.EffectiveDate, &p.ExpirationDate, &p.Status); err != nil {
			continue
		}
		policies[p.AccountID] = append(policies[p.AccountID], p)
	}
	return policies, rows.Err()
}

// HasActivePolicyOnDate reports whether the account still has an Active
// policy whose trigger field lands on the recorded qualification date.
func (s *Store) HasActivePolicyOnDate(ctx context.Context, accountID uuid.UUID, triggerField string, date time.Time) (bool, error) {
	var dateColumn string
	switch triggerField {
	case TriggerPolicyExpiration:
		dateColumn = "expiration_date"
	case TriggerPolicyEffective:
		dateColumn = "effective_date"
	default:
		return false, fmt.Errorf("not a policy trigger field: %s", triggerField)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policies
		WHERE account_id = $1 AND status = 'Active' AND `+dateColumn+`::date = $2::date`,
		accountID, date.Format("2006-01-02")).Scan(&count)
	return count > 0, err
}

// OptOutAccountsByEmail flags every account carrying the address, across
// person_email and the fallback email column.
func (s *Store) OptOutAccountsByEmail(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET opted_out = TRUE
		WHERE LOWER(person_email) = $1 OR LOWER(email) = $1`, email)
	return err
}

// ListAccountsNeedingValidation returns accounts whose address has never
// been validated, oldest first.
func (s *Store) ListAccountsNeedingValidation(ctx context.Context, limit int) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		WHERE COALESCE(email_validation_status,'unknown') = 'unknown'
		  AND (COALESCE(person_email,'') <> '' OR COALESCE(email,'') <> '')
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccountValidation records a validation verdict on the account.
func (s *Store) UpdateAccountValidation(ctx context.Context, accountID uuid.UUID, status string, score float64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts
		SET email_validation_status = $2, email_validation_score = $3,
		    email_validation_reason = $4, email_validated_at = NOW()
		WHERE id = $1`, accountID, status, score, reason)
	return err
}

// GetOwner fetches the tenant profile.
func (s *Store) GetOwner(ctx context.Context, id uuid.UUID) (*Owner, error) {
	var o Owner
	err := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(email,''), COALESCE(name,''), COALESCE(company_name,''),
			COALESCE(company_address,''), COALESCE(company_phone,''), COALESCE(company_website,''),
			COALESCE(signature_html,''), COALESCE(timezone,'')
		FROM owners WHERE id = $1`, id).
		Scan(&o.ID, &o.Email, &o.Name, &o.CompanyName,
			&o.CompanyAddress, &o.CompanyPhone, &o.CompanyWebsite,
			&o.SignatureHTML, &o.Timezone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}
