package dialer

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"outreach-platform/internal/jobs"
)

func TestPostgresStore_SaveConflictRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE run_id = $1 AND contact_id = $2 AND version = $3")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	a := NewAttempt("r1", "c1", twoNumbers(), now)
	follow := []jobs.Job{{Kind: jobs.KindCall, MaxAttempts: 3}}
	if _, err := s.Save(context.Background(), a, 3, follow); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_SaveRefusesFollowUpsAfterCancel(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE run_id = $1 AND contact_id = $2 AND version = $3")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM call_runs WHERE id = $1 FOR SHARE")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"cancelled"}).AddRow(true))
	mock.ExpectRollback()

	a := NewAttempt("r1", "c1", twoNumbers(), now)
	follow := []jobs.Job{{Kind: jobs.KindCall, MaxAttempts: 3}}
	if _, err := s.Save(context.Background(), a, 3, follow); err != ErrRunCancelled {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_GetDecodesNumbers(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewPostgresStore(db)

	cols := []string{"run_id", "contact_id", "state", "seq", "leg", "numbers", "current_idx", "secondary_tries",
		"cycles", "excluded", "reason", "last_error", "version", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM contact_attempts WHERE run_id = $1 AND contact_id = $2")).
		WithArgs("r1", "c1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"r1", "c1", "RINGING_SECONDARY", 2, "secondary",
			[]byte(`[{"phone_id":"a","number":"+1","priority":0,"primary":true},{"phone_id":"b","number":"+2","priority":1,"primary":false}]`),
			1, 1, 0, []byte(`["a"]`), "", "invalid number", 4, now, now,
		))

	a, err := s.Get(context.Background(), "r1", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.State != StateRingingSecondary || len(a.Numbers) != 2 || a.Numbers[1].PhoneID != "b" || !a.excluded("a") || a.Version != 4 {
		t.Fatalf("unexpected %+v", a)
	}
}
