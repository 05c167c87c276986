package validation

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insurgrid/email-engine/internal/sendgrid"
	"github.com/insurgrid/email-engine/internal/store"
)

var testOwnerID = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func accountRow(id uuid.UUID, email string) []driver.Value {
	now := time.Now()
	return []driver.Value{id, testOwnerID, "Household", email, "",
		"Jane", "Doe", "", "", "", "", "", false, now,
		store.ValidationUnknown, 0.0, nil, ""}
}

func accountCols() []string {
	return []string{"id", "owner_id", "name", "person_email", "email",
		"first_name", "last_name", "phone", "address", "city", "state", "zip",
		"opted_out", "created_at",
		"email_validation_status", "email_validation_score", "email_validated_at", "email_validation_reason"}
}

func TestRunRecordsVerdicts(t *testing.T) {
	responses := map[string]string{
		"good@example.com": `{"result":{"email":"good@example.com","verdict":"Valid","score":0.97,
			"checks":{"domain":{"has_valid_address_syntax":true,"has_mx_or_a_record":true}}}}`,
		"typo@exampel.com": `{"result":{"email":"typo@exampel.com","verdict":"Invalid","score":0.02,
			"checks":{"domain":{"has_valid_address_syntax":true,"has_mx_or_a_record":false}}}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email string `json:"email"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Write([]byte(responses[req.Email]))
	}))
	defer srv.Close()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	id1, id2 := uuid.New(), uuid.New()
	rows := sqlmock.NewRows(accountCols()).
		AddRow(accountRow(id1, "good@example.com")...).
		AddRow(accountRow(id2, "typo@exampel.com")...)

	mock.ExpectQuery(`ORDER BY created_at ASC LIMIT \$1`).
		WithArgs(200).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE accounts`).
		WithArgs(id1, store.ValidationValid, 0.97, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE accounts`).
		WithArgs(id2, store.ValidationInvalid, 0.02, "no MX or A record").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := New(store.New(db), sendgrid.New("", "vk", srv.URL, 5*time.Second), 0)
	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Valid)
	assert.Equal(t, 1, result.Invalid)
	assert.Equal(t, 0, result.Errors)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// An API failure on one address leaves its account unvalidated and does not
// stop the batch.
func TestRunSkipsAddressOnAPIError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"result":{"email":"ok@example.com","verdict":"Risky","score":0.45,
			"checks":{"domain":{"has_valid_address_syntax":true,"has_mx_or_a_record":true,
			"is_suspected_disposable_address":true}}}}`))
	}))
	defer srv.Close()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	id1, id2 := uuid.New(), uuid.New()
	mock.ExpectQuery(`ORDER BY created_at ASC LIMIT \$1`).
		WillReturnRows(sqlmock.NewRows(accountCols()).
			AddRow(accountRow(id1, "flaky@example.com")...).
			AddRow(accountRow(id2, "ok@example.com")...))
	mock.ExpectExec(`UPDATE accounts`).
		WithArgs(id2, store.ValidationRisky, 0.45, "suspected disposable address").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := New(store.New(db), sendgrid.New("", "vk", srv.URL, 5*time.Second), 0)
	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Risky)
	assert.Equal(t, 1, result.Errors)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerdictStatus(t *testing.T) {
	assert.Equal(t, store.ValidationValid, verdictStatus("Valid"))
	assert.Equal(t, store.ValidationRisky, verdictStatus("risky"))
	assert.Equal(t, store.ValidationInvalid, verdictStatus("Invalid"))
	assert.Equal(t, store.ValidationUnknown, verdictStatus("Source"))
}
