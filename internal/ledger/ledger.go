package ledger

import (
	"context"
	"time"
)

// Status is a recorded attendance outcome. The empty string is "no status
// yet" in working copies; persisted rows always carry one of the four values.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// Record is one attendance ledger row. Date is a local calendar day
// ("2006-01-02"), TimeIn a local wall-clock time ("15:04:05"); neither
// carries a timezone.
type Record struct {
	ID        string  `json:"id"`
	StudentID string  `json:"student_id"`
	SubjectID string  `json:"subject_id"`
	Date      string  `json:"date"`
	Status    Status  `json:"status"`
	TimeIn    *string `json:"time_in,omitempty"`
	Remarks   string  `json:"remarks,omitempty"`
}

// DateOf renders a calendar day the way the ledger stores it.
func DateOf(t time.Time) string { return t.Format("2006-01-02") }

// ClockOf renders a wall-clock time-in value.
func ClockOf(t time.Time) string { return t.Format("15:04:05") }

// Store is the ledger contract the session controller and scanner consume.
type Store interface {
	// InsertRecords writes a batch in a single statement.
	InsertRecords(ctx context.Context, recs []Record) error
	UpdateRecord(ctx context.Context, id string, status Status, timeIn *string, remarks string) error
	QueryDay(ctx context.Context, subjectID, date string) ([]Record, error)
	QueryStudentDay(ctx context.Context, studentID, subjectID, date string) (*Record, error)
	QueryHistory(ctx context.Context, studentID, subjectID string, limit int) ([]Record, error)
	CountDay(ctx context.Context, subjectID, date string) (int, error)
	DeleteDay(ctx context.Context, subjectID, date string) error
}
