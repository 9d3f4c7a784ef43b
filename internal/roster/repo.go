package roster

import (
	"context"
	"database/sql"
)

// Student is one enrolled student in a subject.
type Student struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Store is the enrollment lookup contract.
type Store interface {
	EnrolledStudents(ctx context.Context, subjectID string) ([]Student, error)
	IsEnrolled(ctx context.Context, studentID, subjectID string) (bool, error)
}

// Repository reads enrollments from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnrolledStudents lists the subject's roster ordered by name.
func (r *Repository) EnrolledStudents(ctx context.Context, subjectID string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.name
		FROM enrollments e
		JOIN users u ON u.id = e.student_id
		WHERE e.subject_id = $1
		ORDER BY u.name
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// IsEnrolled reports whether the student belongs to the subject.
func (r *Repository) IsEnrolled(ctx context.Context, studentID, subjectID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments WHERE student_id = $1 AND subject_id = $2
		)
	`, studentID, subjectID)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}
