package token

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type memRow struct {
	subjectID string
	active    bool
}

type memStore struct {
	rows map[string]*memRow // code -> row
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*memRow)}
}

func (m *memStore) Insert(_ context.Context, subjectID, code string) error {
	m.rows[code] = &memRow{subjectID: subjectID, active: true}
	return nil
}

func (m *memStore) DeactivateForSubject(_ context.Context, subjectID string) error {
	for _, row := range m.rows {
		if row.subjectID == subjectID {
			row.active = false
		}
	}
	return nil
}

func (m *memStore) ConsumeActive(_ context.Context, code string) (string, bool, error) {
	row, ok := m.rows[code]
	if !ok || !row.active {
		return "", false, nil
	}
	row.active = false
	return row.subjectID, true, nil
}

func (m *memStore) activeCount(subjectID string) int {
	n := 0
	for _, row := range m.rows {
		if row.subjectID == subjectID && row.active {
			n++
		}
	}
	return n
}

func TestMintKeepsSingleActiveToken(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	issuer := NewIssuer(store)

	var last string
	for i := 0; i < 5; i++ {
		code, err := issuer.Mint(ctx, "math-101", i%2 == 1)
		if err != nil {
			t.Fatalf("Mint() error = %v", err)
		}
		if code == last {
			t.Fatalf("Mint() returned a repeated code %q", code)
		}
		if got := store.activeCount("math-101"); got != 1 {
			t.Fatalf("after mint %d: active tokens = %d, want 1", i, got)
		}
		last = code
	}

	// A second subject gets its own active token without disturbing the first.
	if _, err := issuer.Mint(ctx, "phys-201", false); err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if got := store.activeCount("math-101"); got != 1 {
		t.Fatalf("active tokens for math-101 = %d, want 1", got)
	}
	if got := store.activeCount("phys-201"); got != 1 {
		t.Fatalf("active tokens for phys-201 = %d, want 1", got)
	}
}

func TestValidateAndConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	issuer := NewIssuer(newMemStore())

	code, err := issuer.Mint(ctx, "math-101", false)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	v, err := issuer.ValidateAndConsume(ctx, code)
	if err != nil {
		t.Fatalf("first consume error = %v", err)
	}
	if v.SubjectID != "math-101" || v.LateMode {
		t.Fatalf("first consume = %+v, want subject math-101, on time", v)
	}

	for i := 0; i < 3; i++ {
		if _, err := issuer.ValidateAndConsume(ctx, code); !errors.Is(err, ErrNotFound) {
			t.Fatalf("repeat consume error = %v, want ErrNotFound", err)
		}
	}
}

func TestLateModeTravelsWithCode(t *testing.T) {
	ctx := context.Background()
	issuer := NewIssuer(newMemStore())

	code, err := issuer.Mint(ctx, "math-101", true)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if !strings.HasSuffix(code, "_LATE") {
		t.Fatalf("late code %q lacks the _LATE marker", code)
	}

	v, err := issuer.ValidateAndConsume(ctx, code)
	if err != nil {
		t.Fatalf("consume error = %v", err)
	}
	if !v.LateMode {
		t.Fatal("consume of a late token did not report late mode")
	}
}

func TestConsumeUnknownAndStaleCodes(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	issuer := NewIssuer(store)

	if _, err := issuer.ValidateAndConsume(ctx, "never-issued"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown code error = %v, want ErrNotFound", err)
	}
	if _, err := issuer.ValidateAndConsume(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty code error = %v, want ErrNotFound", err)
	}

	// A superseded code is dead even though it was never scanned.
	first, _ := issuer.Mint(ctx, "math-101", false)
	if _, err := issuer.Mint(ctx, "math-101", false); err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := issuer.ValidateAndConsume(ctx, first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("superseded code error = %v, want ErrNotFound", err)
	}
}

func TestDeactivateRetiresActiveToken(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	issuer := NewIssuer(store)

	code, _ := issuer.Mint(ctx, "math-101", false)
	if err := issuer.Deactivate(ctx, "math-101"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if got := store.activeCount("math-101"); got != 0 {
		t.Fatalf("active tokens after deactivate = %d, want 0", got)
	}
	if _, err := issuer.ValidateAndConsume(ctx, code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("consume after deactivate error = %v, want ErrNotFound", err)
	}
}
