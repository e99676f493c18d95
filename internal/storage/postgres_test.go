package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"postflow/internal/publish"
	logx "postflow/pkg/logx"
)

func TestRebindNumbersPlaceholders(t *testing.T) {
	d := dialect{name: "postgres", numbered: true}
	got := d.rebind("UPDATE items SET status = ? WHERE id = ? AND status = ?")
	want := "UPDATE items SET status = $1 WHERE id = $2 AND status = $3"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	if q := (dialect{name: "sqlite"}).rebind("a = ?"); q != "a = ?" {
		t.Fatalf("sqlite rebind changed query: %q", q)
	}
}

var itemRowColumns = []string{"id", "user_id", "content_ref", "platforms", "scheduled_time", "next_attempt_at", "status", "results", "retry_count", "failure_reason", "created_at", "updated_at", "claimed_at"}

func TestPostgresClaimLostRace(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ms := t0.UnixMilli()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM items WHERE id = \$1`).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows(itemRowColumns).
			AddRow("item-1", "u1", "c-1", `["telegram"]`, ms, ms, "pending", "[]", 0, "", ms, ms, nil))
	mock.ExpectExec(`UPDATE items SET status = \$1, updated_at = \$2, results = \$3, claimed_at = \$4 WHERE id = \$5 AND status = \$6`).
		WithArgs("publishing", sqlmock.AnyArg(), "[]", sqlmock.AnyArg(), "item-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	st := newPostgresStore(db, logx.Nop())
	_, err = st.Transition(context.Background(), "item-1", Transition{From: publish.StatusPending, To: publish.StatusPublishing, At: t0})
	if !errors.Is(err, publish.ErrStaleState) {
		t.Fatalf("Transition = %v, want ErrStaleState", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresClaimWins(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ms := t0.UnixMilli()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM items WHERE id = \$1`).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows(itemRowColumns).
			AddRow("item-1", "u1", "c-1", `["telegram"]`, ms, ms, "pending", "[]", 0, "", ms, ms, nil))
	mock.ExpectExec(`UPDATE items SET .+ WHERE id = \$5 AND status = \$6`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM items WHERE id = \$1`).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows(itemRowColumns).
			AddRow("item-1", "u1", "c-1", `["telegram"]`, ms, ms, "publishing", "[]", 0, "", ms, ms, ms))
	mock.ExpectCommit()

	st := newPostgresStore(db, logx.Nop())
	it, err := st.Transition(context.Background(), "item-1", Transition{From: publish.StatusPending, To: publish.StatusPublishing, At: t0})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if it.Status != publish.StatusPublishing || it.ClaimedAt == nil || !it.ClaimedAt.Equal(t0) {
		t.Fatalf("claimed item = %+v", it)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresUniqueViolationIsSlotTaken(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contents\(ref, body\) VALUES\(\$1, \$2\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO items\(`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: slotIndexName})
	mock.ExpectRollback()

	st := newPostgresStore(db, logx.Nop())
	err = st.CreateItem(context.Background(), newItem("item-2", "u1", t0), publish.Content{Text: "hi"})
	if !errors.Is(err, publish.ErrSlotTaken) {
		t.Fatalf("CreateItem = %v, want ErrSlotTaken", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresClaimChecksDueTime(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ms := t0.UnixMilli()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM items WHERE id = \$1`).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows(itemRowColumns).
			AddRow("item-1", "u1", "c-1", `["telegram"]`, ms, ms, "pending", "[]", 0, "", ms, ms, nil))
	mock.ExpectExec(`UPDATE items SET .+ WHERE id = \$5 AND status = \$6 AND next_attempt_at <= \$7`).
		WithArgs("publishing", sqlmock.AnyArg(), "[]", sqlmock.AnyArg(), "item-1", "pending", ms).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	st := newPostgresStore(db, logx.Nop())
	_, err = st.Transition(context.Background(), "item-1", Transition{
		From: publish.StatusPending, To: publish.StatusPublishing, At: t0, DueBy: t0,
	})
	if !errors.Is(err, publish.ErrStaleState) {
		t.Fatalf("Transition = %v, want ErrStaleState", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
