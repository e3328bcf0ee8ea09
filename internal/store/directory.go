package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// User is a CRM user reachable on one or more phone numbers.
type User struct {
	ID        int64
	FirstName string
	LastName  string
}

// Company is a customer organisation identified by its phone numbers.
type Company struct {
	ID   int64
	Name string
}

// candidates returns the raw number and, when a normalizer is configured and
// changes it, the normalized form.
func (s *Store) candidates(phone string) (string, string) {
	if s.normalize == nil {
		return phone, phone
	}
	if n := s.normalize(phone); n != "" {
		return phone, n
	}
	return phone, phone
}

// FindUserByPhone returns the user owning phone, preferring users for whom it
// is the primary number. It returns ErrNotFound when no user matches.
func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	raw, norm := s.candidates(phone)
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.first_name, u.last_name
		 FROM users u
		 JOIN user_phones up ON up.user_id = u.id
		 WHERE up.phone_number = $1 OR up.phone_number = $2
		 ORDER BY up.is_primary DESC, u.id
		 LIMIT 1`, raw, norm,
	).Scan(&u.ID, &u.FirstName, &u.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding user by phone: %w", err)
	}
	return &u, nil
}

// FindCompanyByPhone returns the company owning phone. It returns ErrNotFound
// when no company matches.
func (s *Store) FindCompanyByPhone(ctx context.Context, phone string) (*Company, error) {
	raw, norm := s.candidates(phone)
	var c Company
	err := s.db.QueryRowContext(ctx,
		`SELECT c.id, c.name_companies
		 FROM companies c
		 JOIN phone_numbers_companies pnc ON pnc.company_id = c.id
		 WHERE pnc.phone_number = $1 OR pnc.phone_number = $2
		 ORDER BY c.id
		 LIMIT 1`, raw, norm,
	).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding company by phone: %w", err)
	}
	return &c, nil
}

// GetUser returns a user by id. It returns ErrNotFound when no user matches.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.FirstName, &u.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %d: %w", id, err)
	}
	return &u, nil
}

// CreateUser inserts a user with the given phone numbers. The first number
// is flagged primary.
func (s *Store) CreateUser(ctx context.Context, u *User, phones ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO users (first_name, last_name) VALUES ($1, $2) RETURNING id`,
		u.FirstName, u.LastName,
	).Scan(&u.ID); err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	for i, p := range phones {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_phones (user_id, phone_number, is_primary) VALUES ($1, $2, $3)`,
			u.ID, p, i == 0); err != nil {
			return fmt.Errorf("inserting user phone: %w", err)
		}
	}
	return tx.Commit()
}

// CreateCompany inserts a company with the given phone numbers.
func (s *Store) CreateCompany(ctx context.Context, c *Company, phones ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO companies (name_companies) VALUES ($1) RETURNING id`, c.Name,
	).Scan(&c.ID); err != nil {
		return fmt.Errorf("inserting company: %w", err)
	}

	for _, p := range phones {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO phone_numbers_companies (company_id, phone_number) VALUES ($1, $2)`, c.ID, p); err != nil {
			return fmt.Errorf("inserting company phone: %w", err)
		}
	}
	return tx.Commit()
}
