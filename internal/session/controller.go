package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"qrattend/internal/ledger"
	"qrattend/internal/roster"
	"qrattend/internal/snapshot"
	"qrattend/internal/token"
)

// Remark written on rows the end-of-session backfill inserts.
const backfillRemarks = "Did not scan QR"

// Edit is one manual status change from the teacher's edit mode.
type Edit struct {
	StudentID string        `json:"student_id"`
	Status    ledger.Status `json:"status"`
}

// SaveResult reports how a manual-edit flush went. Partial failure is not
// fatal; the caller surfaces "N succeeded, M failed".
type SaveResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// EndResult reports reconciliation at session end.
type EndResult struct {
	Backfilled int `json:"backfilled"`
	Failed     int `json:"failed"`
	Present    int `json:"present"`
	Late       int `json:"late"`
	Absent     int `json:"absent"`
}

// Controller drives live attendance sessions, one per subject. It owns the
// polling task that detects scans and rotates the QR token.
type Controller struct {
	issuer    *token.Issuer
	ledger    ledger.Store
	roster    roster.Store
	snaps     snapshot.Store
	pollEvery time.Duration
	now       func() time.Time

	mu   sync.Mutex
	live map[string]*liveSession
}

type liveSession struct {
	sess     Session
	stopPoll context.CancelFunc
}

// NewController creates a controller.
func NewController(issuer *token.Issuer, led ledger.Store, ros roster.Store, snaps snapshot.Store, pollEvery time.Duration) *Controller {
	if pollEvery <= 0 {
		pollEvery = 3 * time.Second
	}
	return &Controller{
		issuer:    issuer,
		ledger:    led,
		roster:    ros,
		snaps:     snaps,
		pollEvery: pollEvery,
		now:       time.Now,
		live:      make(map[string]*liveSession),
	}
}

// Get returns the subject's session for today, creating it implicitly the
// first time the attendance screen is opened. A same-day snapshot restores an
// in-progress session; a stale one is discarded.
func (c *Controller) Get(ctx context.Context, subjectID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, err := c.load(ctx, subjectID)
	if err != nil {
		return Session{}, err
	}
	return ls.sess.clone(), nil
}

// load returns the live session for the subject, restoring or building it as
// needed. Caller must hold c.mu.
func (c *Controller) load(ctx context.Context, subjectID string) (*liveSession, error) {
	today := ledger.DateOf(c.now())
	if ls, ok := c.live[subjectID]; ok {
		if ls.sess.Date == today {
			return ls, nil
		}
		// Day rolled over: the old session is dead, poller included.
		c.cancelPoll(ls)
		delete(c.live, subjectID)
	}

	if c.snaps != nil {
		if data, err := c.snaps.Get(ctx, subjectID); err == nil {
			var sess Session
			if jsonErr := json.Unmarshal(data, &sess); jsonErr == nil && sess.Date == today {
				ls := &liveSession{sess: sess}
				c.live[subjectID] = ls
				if sess.State == StateActive {
					c.startPoll(subjectID, ls)
				}
				return ls, nil
			}
			_ = c.snaps.Delete(ctx, subjectID)
		} else if !errors.Is(err, snapshot.ErrNotFound) {
			log.Printf("session %s: snapshot read failed: %v", subjectID, err)
		}
	}

	sess, err := c.buildFresh(ctx, subjectID, today)
	if err != nil {
		return nil, err
	}
	ls := &liveSession{sess: sess}
	c.live[subjectID] = ls
	return ls, nil
}

// buildFresh assembles an inactive session from the roster plus whatever
// rows today's ledger already holds.
func (c *Controller) buildFresh(ctx context.Context, subjectID, date string) (Session, error) {
	students, err := c.roster.EnrolledStudents(ctx, subjectID)
	if err != nil {
		return Session{}, err
	}
	sess := Session{SubjectID: subjectID, Date: date, State: StateInactive}
	for _, s := range students {
		sess.Records = append(sess.Records, StudentRecord{StudentID: s.ID, StudentName: s.Name})
	}
	rows, err := c.ledger.QueryDay(ctx, subjectID, date)
	if err != nil {
		return Session{}, err
	}
	sess.Records = MergeLedger(sess.Records, rows)
	return sess, nil
}

// Start activates the session and mints the first token. A start after an
// explicit end mints in late mode.
func (c *Controller) Start(ctx context.Context, subjectID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, err := c.load(ctx, subjectID)
	if err != nil {
		return Session{}, err
	}
	if ls.sess.State != StateInactive {
		return ls.sess.clone(), ErrBadTransition
	}
	lateMode := ls.sess.SessionEnded
	code, err := c.issuer.Mint(ctx, subjectID, lateMode)
	if err != nil {
		return ls.sess.clone(), err
	}
	baseline, err := c.ledger.CountDay(ctx, subjectID, ls.sess.Date)
	if err != nil {
		return ls.sess.clone(), err
	}
	next, err := Apply(ls.sess, Event{Kind: EventStart, Token: code, LateMode: lateMode, Baseline: baseline})
	if err != nil {
		return ls.sess.clone(), err
	}
	ls.sess = next
	c.startPoll(subjectID, ls)
	c.persist(ctx, ls)
	return ls.sess.clone(), nil
}

// Pause deactivates the token and stops the poller.
func (c *Controller) Pause(ctx context.Context, subjectID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, err := c.load(ctx, subjectID)
	if err != nil {
		return Session{}, err
	}
	next, err := Apply(ls.sess, Event{Kind: EventPause})
	if err != nil {
		return ls.sess.clone(), err
	}
	c.cancelPoll(ls)
	if err := c.issuer.Deactivate(ctx, subjectID); err != nil {
		return ls.sess.clone(), err
	}
	ls.sess = next
	c.persist(ctx, ls)
	return ls.sess.clone(), nil
}

// Resume reactivates a paused session. Resumed sessions always mint in late
// mode: whoever scans from here on was not there on time.
func (c *Controller) Resume(ctx context.Context, subjectID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, err := c.load(ctx, subjectID)
	if err != nil {
		return Session{}, err
	}
	if ls.sess.State != StatePaused {
		return ls.sess.clone(), ErrBadTransition
	}
	code, err := c.issuer.Mint(ctx, subjectID, true)
	if err != nil {
		return ls.sess.clone(), err
	}
	next, err := Apply(ls.sess, Event{Kind: EventResume, Token: code})
	if err != nil {
		return ls.sess.clone(), err
	}
	ls.sess = next
	c.startPoll(subjectID, ls)
	c.persist(ctx, ls)
	return ls.sess.clone(), nil
}

// End closes the session: token retired, poller stopped, absences
// backfilled in one batch, records refreshed from the ledger.
func (c *Controller) End(ctx context.Context, subjectID string) (Session, EndResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, err := c.load(ctx, subjectID)
	if err != nil {
		return Session{}, EndResult{}, err
	}
	next, err := Apply(ls.sess, Event{Kind: EventEnd})
	if err != nil {
		return ls.sess.clone(), EndResult{}, err
	}
	c.cancelPoll(ls)
	if err := c.issuer.Deactivate(ctx, subjectID); err != nil {
		return ls.sess.clone(), EndResult{}, err
	}

	result, err := c.reconcile(ctx, &next)
	if err != nil {
		return ls.sess.clone(), result, err
	}
	ls.sess = next
	if c.snaps != nil {
		_ = c.snaps.Delete(ctx, subjectID)
	}
	return ls.sess.clone(), result, nil
}

// reconcile backfills absent rows for every enrolled student without one,
// then rebuilds the working records from the ledger's view of the day.
func (c *Controller) reconcile(ctx context.Context, sess *Session) (EndResult, error) {
	var result EndResult
	rows, err := c.ledger.QueryDay(ctx, sess.SubjectID, sess.Date)
	if err != nil {
		return result, err
	}
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		seen[row.StudentID] = true
	}
	var missing []ledger.Record
	for _, rec := range sess.Records {
		if !seen[rec.StudentID] {
			missing = append(missing, ledger.Record{
				StudentID: rec.StudentID,
				SubjectID: sess.SubjectID,
				Date:      sess.Date,
				Status:    ledger.StatusAbsent,
				Remarks:   backfillRemarks,
			})
		}
	}
	if len(missing) > 0 {
		if err := c.ledger.InsertRecords(ctx, missing); err != nil {
			// Not fatal: report the miss count, leave the session ended.
			log.Printf("session %s: absence backfill failed: %v", sess.SubjectID, err)
			result.Failed = len(missing)
		} else {
			result.Backfilled = len(missing)
		}
	}

	final, err := c.ledger.QueryDay(ctx, sess.SubjectID, sess.Date)
	if err != nil {
		return result, err
	}
	refreshed := make([]StudentRecord, 0, len(sess.Records))
	for _, rec := range sess.Records {
		refreshed = append(refreshed, StudentRecord{StudentID: rec.StudentID, StudentName: rec.StudentName})
	}
	sess.Records = MergeLedger(refreshed, final)
	for _, row := range final {
		switch row.Status {
		case ledger.StatusPresent:
			result.Present++
		case ledger.StatusLate:
			result.Late++
		case ledger.StatusAbsent:
			result.Absent++
		}
	}
	return result, nil
}

// NewSession wipes today's ledger rows for the subject and resets all local
// state and flags, sessionEnded included.
func (c *Controller) NewSession(ctx context.Context, subjectID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, err := c.load(ctx, subjectID)
	if err != nil {
		return Session{}, err
	}
	c.cancelPoll(ls)
	if err := c.ledger.DeleteDay(ctx, subjectID, ls.sess.Date); err != nil {
		return ls.sess.clone(), err
	}
	if err := c.issuer.Deactivate(ctx, subjectID); err != nil {
		return ls.sess.clone(), err
	}
	next, err := Apply(ls.sess, Event{Kind: EventNewSession})
	if err != nil {
		return ls.sess.clone(), err
	}
	ls.sess = next
	if c.snaps != nil {
		_ = c.snaps.Delete(ctx, subjectID)
	}
	return ls.sess.clone(), nil
}

// SaveEdits applies manual status edits to the working records, then flushes
// them: one batched read of the day's rows, update only where the status
// actually changed, one batched insert for students with no row yet. Running
// it twice with no new edits performs zero writes the second time.
func (c *Controller) SaveEdits(ctx context.Context, subjectID string, edits []Edit) (SaveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result SaveResult
	ls, err := c.load(ctx, subjectID)
	if err != nil {
		return result, err
	}
	sess := &ls.sess

	byStudent := make(map[string]int, len(sess.Records))
	for i, rec := range sess.Records {
		byStudent[rec.StudentID] = i
	}
	for _, edit := range edits {
		if i, ok := byStudent[edit.StudentID]; ok {
			sess.Records[i].Status = edit.Status
		}
	}

	rows, err := c.ledger.QueryDay(ctx, subjectID, sess.Date)
	if err != nil {
		return result, err
	}
	existing := make(map[string]ledger.Record, len(rows))
	for _, row := range rows {
		existing[row.StudentID] = row
	}

	var inserts []ledger.Record
	var insertIdx []int
	for i := range sess.Records {
		rec := &sess.Records[i]
		if rec.Status == "" {
			continue
		}
		row, ok := existing[rec.StudentID]
		if !ok {
			inserts = append(inserts, ledger.Record{
				StudentID: rec.StudentID,
				SubjectID: subjectID,
				Date:      sess.Date,
				Status:    rec.Status,
				Remarks:   "Manual entry",
			})
			insertIdx = append(insertIdx, i)
			continue
		}
		if row.Status == rec.Status {
			continue
		}
		if err := c.ledger.UpdateRecord(ctx, row.ID, rec.Status, row.TimeIn, row.Remarks); err != nil {
			log.Printf("session %s: save update for %s failed: %v", subjectID, rec.StudentID, err)
			result.Failed++
			continue
		}
		rec.RecordID = row.ID
		rec.LedgerStatus = rec.Status
		result.Succeeded++
	}
	if len(inserts) > 0 {
		if err := c.ledger.InsertRecords(ctx, inserts); err != nil {
			log.Printf("session %s: save insert failed: %v", subjectID, err)
			result.Failed += len(inserts)
		} else {
			result.Succeeded += len(inserts)
			for _, i := range insertIdx {
				sess.Records[i].LedgerStatus = sess.Records[i].Status
			}
		}
	}
	c.persist(ctx, ls)
	return result, nil
}

// Shutdown stops every poller. Sessions stay snapshotted for same-day restore.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ls := range c.live {
		c.cancelPoll(ls)
	}
}

// persist snapshots the session. Snapshot loss is tolerable; the session
// stays correct in memory.
func (c *Controller) persist(ctx context.Context, ls *liveSession) {
	if c.snaps == nil {
		return
	}
	data, err := json.Marshal(ls.sess)
	if err != nil {
		return
	}
	if err := c.snaps.Put(ctx, ls.sess.SubjectID, data); err != nil {
		log.Printf("session %s: snapshot write failed: %v", ls.sess.SubjectID, err)
	}
}

// startPoll launches the scan-detection loop. Caller must hold c.mu.
func (c *Controller) startPoll(subjectID string, ls *liveSession) {
	c.cancelPoll(ls)
	ctx, cancel := context.WithCancel(context.Background())
	ls.stopPoll = cancel
	go c.pollLoop(ctx, subjectID)
}

// cancelPoll stops the loop the moment the session leaves active; a leaked
// poller could rotate tokens after a pause.
func (c *Controller) cancelPoll(ls *liveSession) {
	if ls.stopPoll != nil {
		ls.stopPoll()
		ls.stopPoll = nil
	}
}

func (c *Controller) pollLoop(ctx context.Context, subjectID string) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollTick(ctx, subjectID)
		}
	}
}

// pollTick compares the day's ledger row count with the last observed one.
// Growth means somebody scanned: rotate the token, bump the counter, merge
// the new rows in.
func (c *Controller) pollTick(ctx context.Context, subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.live[subjectID]
	if !ok || ls.sess.State != StateActive {
		return
	}
	sess := &ls.sess
	count, err := c.ledger.CountDay(ctx, subjectID, sess.Date)
	if err != nil {
		log.Printf("session %s: poll count failed: %v", subjectID, err)
		return
	}
	if count <= sess.LastCount {
		return
	}
	code, err := c.issuer.Mint(ctx, subjectID, sess.LateMode)
	if err != nil {
		log.Printf("session %s: token rotation failed: %v", subjectID, err)
		return
	}
	sess.ScanCount += count - sess.LastCount
	sess.LastCount = count
	sess.CurrentToken = code

	rows, err := c.ledger.QueryDay(ctx, subjectID, sess.Date)
	if err != nil {
		log.Printf("session %s: poll query failed: %v", subjectID, err)
		return
	}
	sess.Records = MergeLedger(sess.Records, rows)
	c.persist(ctx, ls)
}
