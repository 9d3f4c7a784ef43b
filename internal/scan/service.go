package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"qrattend/internal/ledger"
	"qrattend/internal/roster"
	"qrattend/internal/token"
)

// Outcome is a terminal, user-visible check-in result.
type Outcome string

const (
	OutcomePresent Outcome = "present"
	OutcomeLate    Outcome = "late"
	OutcomeAlready Outcome = "already"
)

var (
	// ErrNotEnrolled maps to 403: valid token, wrong class.
	ErrNotEnrolled = errors.New("student not enrolled in subject")
	// ErrInFlight means the student already has a scan mid-flight; the
	// re-entrancy guard against a double tap.
	ErrInFlight = errors.New("scan already in progress")
)

// Result is what the scanner UI shows.
type Result struct {
	Outcome Outcome        `json:"status"`
	Record  *ledger.Record `json:"record,omitempty"`
}

// Service validates scans and writes check-ins.
type Service struct {
	issuer *token.Issuer
	ledger ledger.Store
	roster roster.Store
	now    func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewService creates a scan service.
func NewService(issuer *token.Issuer, led ledger.Store, ros roster.Store) *Service {
	return &Service{
		issuer:   issuer,
		ledger:   led,
		roster:   ros,
		now:      time.Now,
		inFlight: make(map[string]bool),
	}
}

// CheckIn consumes the token in the payload and records attendance for the
// student. Expected negatives (dead token, not enrolled, already checked in)
// come back as errors or the "already" outcome, never as panics.
func (s *Service) CheckIn(ctx context.Context, studentID, rawPayload string) (Result, error) {
	code, err := ExtractToken(rawPayload)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	if s.inFlight[studentID] {
		s.mu.Unlock()
		return Result{}, ErrInFlight
	}
	s.inFlight[studentID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, studentID)
		s.mu.Unlock()
	}()

	v, err := s.issuer.ValidateAndConsume(ctx, code)
	if err != nil {
		return Result{}, err
	}

	enrolled, err := s.roster.IsEnrolled(ctx, studentID, v.SubjectID)
	if err != nil {
		return Result{}, err
	}
	if !enrolled {
		return Result{}, ErrNotEnrolled
	}

	now := s.now()
	date := ledger.DateOf(now)
	existing, err := s.ledger.QueryStudentDay(ctx, studentID, v.SubjectID, date)
	if err != nil {
		return Result{}, err
	}

	status := ledger.StatusPresent
	if v.LateMode {
		status = ledger.StatusLate
	}
	timeIn := ledger.ClockOf(now)

	if existing != nil {
		if existing.Status == ledger.StatusPresent || existing.Status == ledger.StatusLate {
			return Result{Outcome: OutcomeAlready, Record: existing}, nil
		}
		// Pre-marked (absent, excused): the scan wins.
		if err := s.ledger.UpdateRecord(ctx, existing.ID, status, &timeIn, "Scanned QR"); err != nil {
			return Result{}, err
		}
		existing.Status = status
		existing.TimeIn = &timeIn
		return Result{Outcome: Outcome(status), Record: existing}, nil
	}

	rec := ledger.Record{
		StudentID: studentID,
		SubjectID: v.SubjectID,
		Date:      date,
		Status:    status,
		TimeIn:    &timeIn,
		Remarks:   "Scanned QR",
	}
	if err := s.ledger.InsertRecords(ctx, []ledger.Record{rec}); err != nil {
		return Result{}, err
	}
	return Result{Outcome: Outcome(status), Record: &rec}, nil
}
