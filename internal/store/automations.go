package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

const automationColumns = `id, owner_id, COALESCE(name,''), status, filter_config, nodes,
	COALESCE(timezone,''), COALESCE(last_error,'')`

func scanAutomation(row interface{ Scan(...interface{}) error }) (Automation, error) {
	var a Automation
	var filterJSON, nodesJSON []byte
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Status, &filterJSON, &nodesJSON,
		&a.Timezone, &a.LastError)
	a.FilterConfig = filterJSON
	a.Nodes = nodesJSON
	return a, err
}

// ListActiveAutomations returns every Active automation, system defaults
// included.
func (s *Store) ListActiveAutomations(ctx context.Context) ([]Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE status = 'Active' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var automations []Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			continue
		}
		automations = append(automations, a)
	}
	return automations, rows.Err()
}

// GetAutomation fetches one automation by id regardless of status.
func (s *Store) GetAutomation(ctx context.Context, id uuid.UUID) (*Automation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE id = $1`, id)
	a, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// IsAutomationActive checks the current status without loading the body.
func (s *Store) IsAutomationActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM automations WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == AutomationActive, nil
}

// RecordAutomationError surfaces a per-automation configuration error to the
// UI (missing template mapping, bad node graph).
func (s *Store) RecordAutomationError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automations SET last_error = $2, updated_at = NOW() WHERE id = $1`, id, msg)
	return err
}

// ClearAutomationError resets last_error after a clean refresh.
func (s *Store) ClearAutomationError(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automations SET last_error = '', updated_at = NOW() WHERE id = $1`, id)
	return err
}
