package token

import (
	"context"
	"database/sql"
	"errors"
)

// Repository is the Postgres-backed token store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, subjectID, code string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO qr_tokens (code, subject_id, active)
		VALUES ($1, $2, TRUE)
	`, code, subjectID)
	return err
}

func (r *Repository) DeactivateForSubject(ctx context.Context, subjectID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE qr_tokens SET active = FALSE WHERE subject_id = $1 AND active
	`, subjectID)
	return err
}

// ConsumeActive flips the active flag with a conditional update and checks the
// affected-row count, so two concurrent consumers cannot both succeed.
func (r *Repository) ConsumeActive(ctx context.Context, code string) (string, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE qr_tokens SET active = FALSE
		WHERE code = $1 AND active
		RETURNING subject_id
	`, code)
	var subjectID string
	if err := row.Scan(&subjectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return subjectID, true, nil
}
