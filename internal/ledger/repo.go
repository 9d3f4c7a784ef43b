package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordCols = "id, student_id, subject_id, date, status, time_in, remarks"

// InsertRecords writes the whole batch with one multi-row INSERT. Absence
// backfill for a large roster must not pay one round trip per student.
func (r *Repository) InsertRecords(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(recs))
	args := make([]any, 0, len(recs)*7)
	for i, rec := range recs {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		base := i * 7
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, rec.ID, rec.StudentID, rec.SubjectID, rec.Date, rec.Status, rec.TimeIn, rec.Remarks)
	}
	query := "INSERT INTO attendance_records (" + recordCols + ") VALUES " + strings.Join(placeholders, ",")
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// UpdateRecord rewrites status, time-in and remarks of an existing row.
func (r *Repository) UpdateRecord(ctx context.Context, id string, status Status, timeIn *string, remarks string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, time_in = $3, remarks = $4
		WHERE id = $1
	`, id, status, timeIn, remarks)
	return err
}

// QueryDay returns all rows for a subject on a calendar day.
func (r *Repository) QueryDay(ctx context.Context, subjectID, date string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordCols+`
		FROM attendance_records
		WHERE subject_id = $1 AND date = $2
		ORDER BY created_at
	`, subjectID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// QueryStudentDay returns the student's row for the day, or nil.
func (r *Repository) QueryStudentDay(ctx context.Context, studentID, subjectID, date string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+`
		FROM attendance_records
		WHERE student_id = $1 AND subject_id = $2 AND date = $3
	`, studentID, subjectID, date)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.SubjectID, &rec.Date, &rec.Status, &rec.TimeIn, &rec.Remarks); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// QueryHistory lists a student's records, newest day first, optionally
// filtered by subject.
func (r *Repository) QueryHistory(ctx context.Context, studentID, subjectID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordCols + ` FROM attendance_records WHERE student_id = $1`
	args := []any{studentID}
	if subjectID != "" {
		query += " AND subject_id = $2"
		args = append(args, subjectID)
	}
	query += fmt.Sprintf(" ORDER BY date DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountDay is what the poller watches for scan detection.
func (r *Repository) CountDay(ctx context.Context, subjectID, date string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_records WHERE subject_id = $1 AND date = $2
	`, subjectID, date)
	var n int
	err := row.Scan(&n)
	return n, err
}

// DeleteDay wipes the day's rows for a subject, used by "new session".
func (r *Repository) DeleteDay(ctx context.Context, subjectID, date string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM attendance_records WHERE subject_id = $1 AND date = $2
	`, subjectID, date)
	return err
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.SubjectID, &rec.Date, &rec.Status, &rec.TimeIn, &rec.Remarks); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
