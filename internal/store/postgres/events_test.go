package postgres

import (
	"context"
	"testing"
	"time"

	"runplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestAppendEvent(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()
	mock.ExpectExec(`INSERT INTO run_events`).
		WithArgs(runID, string(store.LevelInfo), "run claimed by supervisor").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.AppendEvent(context.Background(), runID, store.LevelInfo, "run claimed by supervisor"); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListEvents_AfterID(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	runID := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "run_id", "ts", "level", "message"}).
		AddRow(int64(3), runID, now, "info", "workload process started").
		AddRow(int64(4), runID, now, "error", "workload exited with code 2")

	mock.ExpectQuery(`SELECT id, run_id, ts, level, message`).
		WithArgs(runID, int64(2), 100).
		WillReturnRows(rows)

	events, err := s.ListEvents(context.Background(), runID, 2, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != 3 || events[1].Level != store.LevelError {
		t.Errorf("unexpected events: %+v", events)
	}
}
