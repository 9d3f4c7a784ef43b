package token

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound means the code does not exist or was already consumed. It is a
// normal negative outcome for a scanner, not a server fault.
var ErrNotFound = errors.New("token not found or inactive")

// lateSuffix marks late-mode tokens in the code string itself. The scanner
// side never needs a separate column: mode travels with the code.
const lateSuffix = "_LATE"

// Validation is what a consumed token binds.
type Validation struct {
	SubjectID string
	LateMode  bool
}

// Store persists tokens. At most one row per subject may be active.
type Store interface {
	Insert(ctx context.Context, subjectID, code string) error
	DeactivateForSubject(ctx context.Context, subjectID string) error
	// ConsumeActive flips active to false for the given code and reports
	// whether a live row was actually flipped. The conditional update is the
	// guard against two scanners consuming the same code.
	ConsumeActive(ctx context.Context, code string) (subjectID string, ok bool, err error)
}

// Issuer mints and consumes single-use QR tokens.
type Issuer struct {
	store Store
}

// NewIssuer creates an issuer backed by a token store.
func NewIssuer(store Store) *Issuer {
	return &Issuer{store: store}
}

// Mint deactivates whatever token the subject currently has and inserts a
// fresh one. After a successful call exactly one token is active for the
// subject.
func (i *Issuer) Mint(ctx context.Context, subjectID string, lateMode bool) (string, error) {
	if subjectID == "" {
		return "", errors.New("subject id required")
	}
	if err := i.store.DeactivateForSubject(ctx, subjectID); err != nil {
		return "", err
	}
	code := uuid.NewString()
	if lateMode {
		code += lateSuffix
	}
	if err := i.store.Insert(ctx, subjectID, code); err != nil {
		return "", err
	}
	return code, nil
}

// ValidateAndConsume burns a token. The second of two racing scans observes
// ErrNotFound because only one conditional update can flip the active flag.
func (i *Issuer) ValidateAndConsume(ctx context.Context, code string) (Validation, error) {
	if code == "" {
		return Validation{}, ErrNotFound
	}
	subjectID, ok, err := i.store.ConsumeActive(ctx, code)
	if err != nil {
		return Validation{}, err
	}
	if !ok {
		return Validation{}, ErrNotFound
	}
	return Validation{SubjectID: subjectID, LateMode: strings.HasSuffix(code, lateSuffix)}, nil
}

// Deactivate retires the subject's active token without minting a new one.
// Used on pause and end.
func (i *Issuer) Deactivate(ctx context.Context, subjectID string) error {
	return i.store.DeactivateForSubject(ctx, subjectID)
}
