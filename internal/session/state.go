package session

import (
	"errors"

	"qrattend/internal/ledger"
)

// State is the session's lifecycle phase.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StatePaused   State = "paused"
)

// ErrBadTransition is returned when an event is not legal in the current state.
var ErrBadTransition = errors.New("invalid session transition")

// StudentRecord is the working copy of one student's attendance for the day.
// LedgerStatus caches what the ledger last reported for the student; the
// merge rule compares against it so a polled read cannot clobber an unsaved
// teacher edit.
type StudentRecord struct {
	StudentID    string        `json:"student_id"`
	StudentName  string        `json:"student_name"`
	RecordID     string        `json:"record_id,omitempty"`
	TimeIn       *string       `json:"time_in,omitempty"`
	Status       ledger.Status `json:"status,omitempty"`
	LedgerStatus ledger.Status `json:"ledger_status,omitempty"`
}

// Session is the snapshot-serializable state of one subject's live session
// for a single calendar day.
//
// Invariant: CurrentToken is non-empty iff State == StateActive.
type Session struct {
	SubjectID    string          `json:"subject_id"`
	Date         string          `json:"date"`
	State        State           `json:"state"`
	WasResumed   bool            `json:"was_resumed"`
	SessionEnded bool            `json:"session_ended"`
	LateMode     bool            `json:"late_mode"`
	CurrentToken string          `json:"current_token,omitempty"`
	ScanCount    int             `json:"scan_count"`
	Baseline     int             `json:"baseline"`
	LastCount    int             `json:"last_count"`
	Records      []StudentRecord `json:"records"`
}

// clone copies the session so callers can hand it to a JSON encoder while
// the poller keeps mutating the live one.
func (s Session) clone() Session {
	cp := s
	cp.Records = append([]StudentRecord(nil), s.Records...)
	return cp
}

// EventKind names a transition trigger.
type EventKind string

const (
	EventStart      EventKind = "start"
	EventPause      EventKind = "pause"
	EventResume     EventKind = "resume"
	EventEnd        EventKind = "end"
	EventNewSession EventKind = "new_session"
)

// Event carries a transition plus the side-effect results the transition
// needs folded in (the freshly minted token, the ledger row count baseline).
type Event struct {
	Kind     EventKind
	Token    string
	LateMode bool
	Baseline int
}

// Apply is the pure reducer over session state. Side effects (minting,
// deactivation, reconciliation, snapshots) happen around it, never in it.
func Apply(s Session, ev Event) (Session, error) {
	switch ev.Kind {
	case EventStart:
		if s.State != StateInactive {
			return s, ErrBadTransition
		}
		// A start after an explicit end behaves as a resume: scans are late.
		if s.SessionEnded {
			s.WasResumed = true
		}
		s.State = StateActive
		s.CurrentToken = ev.Token
		s.LateMode = ev.LateMode
		s.ScanCount = 0
		s.Baseline = ev.Baseline
		s.LastCount = ev.Baseline
		return s, nil

	case EventPause:
		if s.State != StateActive {
			return s, ErrBadTransition
		}
		s.State = StatePaused
		s.CurrentToken = ""
		return s, nil

	case EventResume:
		if s.State != StatePaused {
			return s, ErrBadTransition
		}
		s.State = StateActive
		s.CurrentToken = ev.Token
		s.WasResumed = true
		s.LateMode = true
		return s, nil

	case EventEnd:
		if s.State != StateActive && s.State != StatePaused {
			return s, ErrBadTransition
		}
		s.State = StateInactive
		s.CurrentToken = ""
		s.SessionEnded = true
		return s, nil

	case EventNewSession:
		fresh := Session{SubjectID: s.SubjectID, Date: s.Date, State: StateInactive}
		for _, rec := range s.Records {
			fresh.Records = append(fresh.Records, StudentRecord{
				StudentID:   rec.StudentID,
				StudentName: rec.StudentName,
			})
		}
		return fresh, nil
	}
	return s, ErrBadTransition
}

// MergeLedger folds polled ledger rows into the working records. A row
// overwrites the local entry only when the local entry has no status yet, or
// when the ledger reports something new for the student and that something is
// not a downgrade to absent. This precedence rule is deliberate: a teacher's
// unsaved edit must survive a stale read.
func MergeLedger(records []StudentRecord, rows []ledger.Record) []StudentRecord {
	byStudent := make(map[string]int, len(records))
	for i, rec := range records {
		byStudent[rec.StudentID] = i
	}
	for _, row := range rows {
		i, ok := byStudent[row.StudentID]
		if !ok {
			continue
		}
		rec := &records[i]
		rec.RecordID = row.ID
		if rec.Status == "" ||
			(row.Status != rec.LedgerStatus && row.Status != ledger.StatusAbsent) {
			rec.Status = row.Status
			rec.TimeIn = row.TimeIn
			rec.LedgerStatus = row.Status
		}
	}
	return records
}
