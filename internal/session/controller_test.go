package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"qrattend/internal/ledger"
	"qrattend/internal/roster"
	"qrattend/internal/snapshot"
	"qrattend/internal/token"
)

// ---- fakes ----

type fakeLedger struct {
	rows    []ledger.Record
	seq     int
	inserts int
	updates int
	deletes int
}

func (f *fakeLedger) InsertRecords(_ context.Context, recs []ledger.Record) error {
	for _, rec := range recs {
		if rec.ID == "" {
			f.seq++
			rec.ID = fmt.Sprintf("rec-%d", f.seq)
		}
		f.rows = append(f.rows, rec)
	}
	f.inserts++
	return nil
}

func (f *fakeLedger) UpdateRecord(_ context.Context, id string, status ledger.Status, timeIn *string, remarks string) error {
	f.updates++
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].Status = status
			f.rows[i].TimeIn = timeIn
			f.rows[i].Remarks = remarks
			return nil
		}
	}
	return errors.New("row not found")
}

func (f *fakeLedger) QueryDay(_ context.Context, subjectID, date string) ([]ledger.Record, error) {
	var res []ledger.Record
	for _, row := range f.rows {
		if row.SubjectID == subjectID && row.Date == date {
			res = append(res, row)
		}
	}
	return res, nil
}

func (f *fakeLedger) QueryStudentDay(_ context.Context, studentID, subjectID, date string) (*ledger.Record, error) {
	for _, row := range f.rows {
		if row.StudentID == studentID && row.SubjectID == subjectID && row.Date == date {
			cp := row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) QueryHistory(_ context.Context, studentID, subjectID string, _ int) ([]ledger.Record, error) {
	var res []ledger.Record
	for _, row := range f.rows {
		if row.StudentID == studentID && (subjectID == "" || row.SubjectID == subjectID) {
			res = append(res, row)
		}
	}
	return res, nil
}

func (f *fakeLedger) CountDay(_ context.Context, subjectID, date string) (int, error) {
	rows, _ := f.QueryDay(context.Background(), subjectID, date)
	return len(rows), nil
}

func (f *fakeLedger) DeleteDay(_ context.Context, subjectID, date string) error {
	f.deletes++
	var kept []ledger.Record
	for _, row := range f.rows {
		if !(row.SubjectID == subjectID && row.Date == date) {
			kept = append(kept, row)
		}
	}
	f.rows = kept
	return nil
}

func (f *fakeLedger) writes() int { return f.inserts + f.updates }

type fakeRoster struct {
	students map[string][]roster.Student // subjectID -> roster
}

func (f *fakeRoster) EnrolledStudents(_ context.Context, subjectID string) ([]roster.Student, error) {
	return f.students[subjectID], nil
}

func (f *fakeRoster) IsEnrolled(_ context.Context, studentID, subjectID string) (bool, error) {
	for _, s := range f.students[subjectID] {
		if s.ID == studentID {
			return true, nil
		}
	}
	return false, nil
}

type fakeSnaps struct {
	data map[string][]byte
}

func newFakeSnaps() *fakeSnaps { return &fakeSnaps{data: make(map[string][]byte)} }

func (f *fakeSnaps) Put(_ context.Context, subjectID string, data []byte) error {
	f.data[subjectID] = data
	return nil
}

func (f *fakeSnaps) Get(_ context.Context, subjectID string) ([]byte, error) {
	data, ok := f.data[subjectID]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	return data, nil
}

func (f *fakeSnaps) Delete(_ context.Context, subjectID string) error {
	delete(f.data, subjectID)
	return nil
}

type tokRow struct {
	subjectID string
	active    bool
}

type fakeTokens struct {
	rows map[string]*tokRow
}

func newFakeTokens() *fakeTokens { return &fakeTokens{rows: make(map[string]*tokRow)} }

func (f *fakeTokens) Insert(_ context.Context, subjectID, code string) error {
	f.rows[code] = &tokRow{subjectID: subjectID, active: true}
	return nil
}

func (f *fakeTokens) DeactivateForSubject(_ context.Context, subjectID string) error {
	for _, row := range f.rows {
		if row.subjectID == subjectID {
			row.active = false
		}
	}
	return nil
}

func (f *fakeTokens) ConsumeActive(_ context.Context, code string) (string, bool, error) {
	row, ok := f.rows[code]
	if !ok || !row.active {
		return "", false, nil
	}
	row.active = false
	return row.subjectID, true, nil
}

func (f *fakeTokens) activeCount(subjectID string) int {
	n := 0
	for _, row := range f.rows {
		if row.subjectID == subjectID && row.active {
			n++
		}
	}
	return n
}

// ---- harness ----

const subj = "math-101"

var testNow = time.Date(2026, 3, 2, 8, 30, 0, 0, time.Local)

type env struct {
	ctrl   *Controller
	issuer *token.Issuer
	led    *fakeLedger
	toks   *fakeTokens
	snaps  *fakeSnaps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	toks := newFakeTokens()
	issuer := token.NewIssuer(toks)
	led := &fakeLedger{}
	ros := &fakeRoster{students: map[string][]roster.Student{
		subj: {{ID: "stu-a", Name: "Ada"}, {ID: "stu-b", Name: "Ben"}, {ID: "stu-c", Name: "Cal"}},
	}}
	snaps := newFakeSnaps()
	ctrl := NewController(issuer, led, ros, snaps, time.Hour)
	ctrl.now = func() time.Time { return testNow }
	t.Cleanup(ctrl.Shutdown)
	return &env{ctrl: ctrl, issuer: issuer, led: led, toks: toks, snaps: snaps}
}

func (e *env) today() string { return ledger.DateOf(testNow) }

// scanAs mimics a student scanning the active token: consume, insert a row.
func (e *env) scanAs(t *testing.T, studentID, code string) {
	t.Helper()
	v, err := e.issuer.ValidateAndConsume(context.Background(), code)
	if err != nil {
		t.Fatalf("scan consume error = %v", err)
	}
	status := ledger.StatusPresent
	if v.LateMode {
		status = ledger.StatusLate
	}
	tIn := ledger.ClockOf(testNow)
	err = e.led.InsertRecords(context.Background(), []ledger.Record{{
		StudentID: studentID, SubjectID: v.SubjectID, Date: e.today(),
		Status: status, TimeIn: &tIn, Remarks: "Scanned QR",
	}})
	if err != nil {
		t.Fatalf("scan insert error = %v", err)
	}
}

// ---- tests ----

func TestGetCreatesInactiveSession(t *testing.T) {
	e := newEnv(t)
	sess, err := e.ctrl.Get(context.Background(), subj)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.State != StateInactive || sess.CurrentToken != "" {
		t.Fatalf("fresh session = %+v, want inactive with no token", sess)
	}
	if len(sess.Records) != 3 {
		t.Fatalf("records = %d, want full roster", len(sess.Records))
	}
	if sess.Date != e.today() {
		t.Fatalf("date = %s, want %s", sess.Date, e.today())
	}
}

func TestStartMintsAndActivates(t *testing.T) {
	e := newEnv(t)
	sess, err := e.ctrl.Start(context.Background(), subj)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.State != StateActive || sess.CurrentToken == "" {
		t.Fatalf("after start: %+v", sess)
	}
	if sess.LateMode {
		t.Fatal("first start of the day must not be late mode")
	}
	if e.toks.activeCount(subj) != 1 {
		t.Fatalf("active tokens = %d, want 1", e.toks.activeCount(subj))
	}

	if _, err := e.ctrl.Start(context.Background(), subj); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("second Start() error = %v, want ErrBadTransition", err)
	}
}

func TestPauseRetiresToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.ctrl.Start(ctx, subj); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess, err := e.ctrl.Pause(ctx, subj)
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if sess.State != StatePaused || sess.CurrentToken != "" {
		t.Fatalf("after pause: %+v", sess)
	}
	if e.toks.activeCount(subj) != 0 {
		t.Fatalf("active tokens after pause = %d, want 0", e.toks.activeCount(subj))
	}
}

func TestResumeMintsLate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, _ = e.ctrl.Start(ctx, subj)
	_, _ = e.ctrl.Pause(ctx, subj)

	sess, err := e.ctrl.Resume(ctx, subj)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if sess.State != StateActive || !sess.WasResumed || !sess.LateMode {
		t.Fatalf("after resume: %+v", sess)
	}
	if !strings.HasSuffix(sess.CurrentToken, "_LATE") {
		t.Fatalf("resumed token %q is not late mode", sess.CurrentToken)
	}
}

func TestEndBackfillsExactlyTheMissing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess, _ := e.ctrl.Start(ctx, subj)
	e.scanAs(t, "stu-a", sess.CurrentToken)

	sess, result, err := e.ctrl.End(ctx, subj)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if result.Backfilled != 2 || result.Failed != 0 {
		t.Fatalf("backfill = %+v, want 2 inserted", result)
	}
	if result.Present != 1 || result.Absent != 2 {
		t.Fatalf("summary = %+v, want 1 present 2 absent", result)
	}
	if !sess.SessionEnded || sess.State != StateInactive {
		t.Fatalf("after end: %+v", sess)
	}

	rows, _ := e.led.QueryDay(ctx, subj, e.today())
	if len(rows) != 3 {
		t.Fatalf("ledger rows = %d, want 3", len(rows))
	}
	for _, row := range rows {
		if row.StudentID == "stu-a" {
			if row.Status != ledger.StatusPresent {
				t.Fatalf("stu-a status = %s, want present", row.Status)
			}
			continue
		}
		if row.Status != ledger.StatusAbsent || row.TimeIn != nil || row.Remarks != "Did not scan QR" {
			t.Fatalf("backfilled row = %+v", row)
		}
	}

	if _, ok := e.snaps.data[subj]; ok {
		t.Fatal("snapshot not discarded on end")
	}
}

func TestEndToEndScan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, _ := e.ctrl.Start(ctx, subj)
	t1 := sess.CurrentToken

	e.scanAs(t, "stu-a", t1)
	e.ctrl.pollTick(ctx, subj)

	sess, _ = e.ctrl.Get(ctx, subj)
	if sess.ScanCount != 1 {
		t.Fatalf("scanCount = %d, want 1", sess.ScanCount)
	}
	if sess.CurrentToken == t1 || sess.CurrentToken == "" {
		t.Fatalf("token not rotated after scan: %q", sess.CurrentToken)
	}
	if _, err := e.issuer.ValidateAndConsume(ctx, t1); !errors.Is(err, token.ErrNotFound) {
		t.Fatalf("consumed token still live: err = %v", err)
	}

	var ada *StudentRecord
	for i := range sess.Records {
		if sess.Records[i].StudentID == "stu-a" {
			ada = &sess.Records[i]
		}
	}
	if ada == nil || ada.Status != ledger.StatusPresent || ada.TimeIn == nil {
		t.Fatalf("merged record for stu-a = %+v", ada)
	}

	_, result, err := e.ctrl.End(ctx, subj)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if result.Present != 1 || result.Absent != 2 || result.Late != 0 {
		t.Fatalf("final summary = %+v", result)
	}
}

func TestStartAfterEndIsLateMode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, _ = e.ctrl.Start(ctx, subj)
	_, _, _ = e.ctrl.End(ctx, subj)

	sess, err := e.ctrl.Start(ctx, subj)
	if err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if !sess.LateMode || !sess.WasResumed {
		t.Fatalf("restart after end: %+v", sess)
	}
	if !strings.HasSuffix(sess.CurrentToken, "_LATE") {
		t.Fatalf("restart token %q is not late mode", sess.CurrentToken)
	}

	// A student who never scanned before now checks in late.
	e.scanAs(t, "stu-b", sess.CurrentToken)
	rows, _ := e.led.QueryDay(ctx, subj, e.today())
	for _, row := range rows {
		if row.StudentID == "stu-b" && row.Status != ledger.StatusLate {
			t.Fatalf("stu-b status = %s, want late", row.Status)
		}
	}
}

func TestPollTickIgnoredOutsideActive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, _ = e.ctrl.Start(ctx, subj)
	_, _ = e.ctrl.Pause(ctx, subj)

	// Rows appearing while paused must not rotate tokens or bump the counter.
	e.led.InsertRecords(ctx, []ledger.Record{{
		StudentID: "stu-a", SubjectID: subj, Date: e.today(), Status: ledger.StatusPresent,
	}})
	e.ctrl.pollTick(ctx, subj)

	sess, _ := e.ctrl.Get(ctx, subj)
	if sess.ScanCount != 0 || sess.CurrentToken != "" {
		t.Fatalf("paused session mutated by poll: %+v", sess)
	}
	if e.toks.activeCount(subj) != 0 {
		t.Fatalf("poll minted while paused; active = %d", e.toks.activeCount(subj))
	}
}

func TestPollTickNoChangeNoRotation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess, _ := e.ctrl.Start(ctx, subj)
	tok := sess.CurrentToken

	e.ctrl.pollTick(ctx, subj)
	sess, _ = e.ctrl.Get(ctx, subj)
	if sess.CurrentToken != tok || sess.ScanCount != 0 {
		t.Fatalf("tick with no new rows rotated: %+v", sess)
	}
}

func TestSaveEditsDiffsBeforeWriting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Ben already has a row: pre-marked absent.
	e.led.InsertRecords(ctx, []ledger.Record{{
		ID: "row-b", StudentID: "stu-b", SubjectID: subj, Date: e.today(),
		Status: ledger.StatusAbsent, Remarks: "Did not scan QR",
	}})

	edits := []Edit{
		{StudentID: "stu-a", Status: ledger.StatusPresent},
		{StudentID: "stu-b", Status: ledger.StatusExcused},
	}
	result, err := e.ctrl.SaveEdits(ctx, subj, edits)
	if err != nil {
		t.Fatalf("SaveEdits() error = %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 0 {
		t.Fatalf("first save = %+v, want 2 succeeded", result)
	}
	if e.led.updates != 1 {
		t.Fatalf("updates = %d, want 1 (only the changed row)", e.led.updates)
	}

	writesAfterFirst := e.led.writes()
	result, err = e.ctrl.SaveEdits(ctx, subj, edits)
	if err != nil {
		t.Fatalf("second SaveEdits() error = %v", err)
	}
	if got := e.led.writes() - writesAfterFirst; got != 0 {
		t.Fatalf("second save performed %d writes, want 0", got)
	}
	if result.Succeeded != 0 || result.Failed != 0 {
		t.Fatalf("second save result = %+v, want all zero", result)
	}

	rows, _ := e.led.QueryDay(ctx, subj, e.today())
	for _, row := range rows {
		switch row.StudentID {
		case "stu-a":
			if row.Status != ledger.StatusPresent {
				t.Fatalf("stu-a = %s, want present", row.Status)
			}
		case "stu-b":
			if row.Status != ledger.StatusExcused {
				t.Fatalf("stu-b = %s, want excused", row.Status)
			}
		}
	}
}

func TestNewSessionWipesDayAndFlags(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess, _ := e.ctrl.Start(ctx, subj)
	e.scanAs(t, "stu-a", sess.CurrentToken)
	_, _, _ = e.ctrl.End(ctx, subj)

	sess, err := e.ctrl.NewSession(ctx, subj)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if sess.State != StateInactive || sess.SessionEnded || sess.WasResumed || sess.ScanCount != 0 {
		t.Fatalf("after new session: %+v", sess)
	}
	rows, _ := e.led.QueryDay(ctx, subj, e.today())
	if len(rows) != 0 {
		t.Fatalf("ledger rows after wipe = %d, want 0", len(rows))
	}
	if e.toks.activeCount(subj) != 0 {
		t.Fatal("token left active after new session")
	}

	// The next start is a clean one, not late mode.
	sess, _ = e.ctrl.Start(ctx, subj)
	if sess.LateMode {
		t.Fatal("start after new session must not be late mode")
	}
}

func TestSnapshotRestoresSameDay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	started, _ := e.ctrl.Start(ctx, subj)

	// Server restart: a fresh controller over the same stores.
	ros := &fakeRoster{students: map[string][]roster.Student{
		subj: {{ID: "stu-a", Name: "Ada"}, {ID: "stu-b", Name: "Ben"}, {ID: "stu-c", Name: "Cal"}},
	}}
	ctrl2 := NewController(e.issuer, e.led, ros, e.snaps, time.Hour)
	ctrl2.now = func() time.Time { return testNow }
	defer ctrl2.Shutdown()

	restored, err := ctrl2.Get(ctx, subj)
	if err != nil {
		t.Fatalf("Get() after restart error = %v", err)
	}
	if restored.State != StateActive || restored.CurrentToken != started.CurrentToken {
		t.Fatalf("restored = %+v, want running session back", restored)
	}

	// Next day the same snapshot is stale and must be discarded.
	ctrl3 := NewController(e.issuer, e.led, ros, e.snaps, time.Hour)
	ctrl3.now = func() time.Time { return testNow.Add(24 * time.Hour) }
	defer ctrl3.Shutdown()

	fresh, err := ctrl3.Get(ctx, subj)
	if err != nil {
		t.Fatalf("Get() next day error = %v", err)
	}
	if fresh.State != StateInactive || fresh.CurrentToken != "" {
		t.Fatalf("stale snapshot adopted: %+v", fresh)
	}
}
