package identity

import (
	"context"
	"database/sql"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredentials = errors.New("unknown identifier or wrong password")

// User is the slice of the users table the API needs.
type User struct {
	ID     string
	Name   string
	Role   string
	hashed string
}

// Repository reads users from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Authenticate looks a user up by identifier (email or school ID) and checks
// the password. Wrong identifier and wrong password are the same error so the
// response leaks nothing.
func (r *Repository) Authenticate(ctx context.Context, identifier, password string) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, role, password FROM users WHERE identifier = $1
	`, identifier)
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.hashed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrBadCredentials
		}
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.hashed), []byte(password)) != nil {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

// HashPassword is used by seeding and user-creation paths.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// EnsureAdmin seeds the admin account if the identifier is not taken yet, so
// a fresh deployment has a way in.
func (r *Repository) EnsureAdmin(ctx context.Context, identifier, password, name string) error {
	hashed, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, identifier, name, password, role)
		VALUES (gen_random_uuid()::text, $1, $2, $3, 'admin')
		ON CONFLICT (identifier) DO NOTHING
	`, identifier, name, hashed)
	return err
}
