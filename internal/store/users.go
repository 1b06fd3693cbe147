package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const generalUserColumns = "id, display_name, account_name, created_at, updated_at"

func scanGeneralUser(row interface{ Scan(...any) error }) (*GeneralUser, error) {
	var u GeneralUser
	if err := row.Scan(&u.ID, &u.DisplayName, &u.AccountName, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (q *Queries) GetGeneralUser(ctx context.Context, id string) (*GeneralUser, error) {
	u, err := scanGeneralUser(q.db.QueryRowContext(ctx,
		"SELECT "+generalUserColumns+" FROM general_users WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query general user: %w", err)
	}
	return u, nil
}

// GetOrCreateGeneralUser returns the user with the given identity, creating it
// on first sight. accountName is preferred but account names are unique, so
// when another user already holds it the id is used instead, and failing that
// the id with a random suffix.
func (q *Queries) GetOrCreateGeneralUser(ctx context.Context, id, accountName, displayName string) (*GeneralUser, error) {
	if u, err := q.GetGeneralUser(ctx, id); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	candidates := []string{accountName, id, id + "-" + uuid.NewString()[:8]}
	if accountName == "" || accountName == id {
		candidates = candidates[1:]
	}
	now := time.Now().UTC()
	for _, name := range candidates {
		_, err := q.db.ExecContext(ctx,
			"INSERT INTO general_users (id, display_name, account_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING",
			id, displayName, name, now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert general user: %w", err)
		}
		// Either our row or a concurrent insert of the same id.
		u, err := q.GetGeneralUser(ctx, id)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to insert general user %s: no free account name", id)
}

func (q *Queries) UpdateGeneralUserDisplayName(ctx context.Context, id, displayName string) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE general_users SET display_name = ?, updated_at = ? WHERE id = ?",
		displayName, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update general user: %w", err)
	}
	return requireAffected(res)
}

func (q *Queries) DeleteGeneralUser(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM general_users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete general user: %w", err)
	}
	return requireAffected(res)
}

const userProfileColumns = "id, user_id, first_name, last_name, email, phone, created_at, updated_at"

func (q *Queries) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	var p UserProfile
	var phone sql.NullString
	err := q.db.QueryRowContext(ctx,
		"SELECT "+userProfileColumns+" FROM user_profiles WHERE user_id = ?", userID).
		Scan(&p.ID, &p.UserID, &p.FirstName, &p.LastName, &p.Email, &phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user profile: %w", err)
	}
	p.Phone = stringPtr(phone)
	return &p, nil
}

// GetOrCreateUserProfile lazily creates an empty profile on first access. When
// no email is known a placeholder address derived from the user id is stored.
func (q *Queries) GetOrCreateUserProfile(ctx context.Context, userID, email string) (*UserProfile, error) {
	if email == "" {
		email = fmt.Sprintf("user_%s@temp.example.com", userID)
	}
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO user_profiles (user_id, email, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (user_id) DO NOTHING",
		userID, email, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user profile: %w", err)
	}
	return q.GetUserProfile(ctx, userID)
}

func (q *Queries) UpdateUserProfile(ctx context.Context, p *UserProfile) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		"UPDATE user_profiles SET first_name = ?, last_name = ?, email = ?, phone = ?, updated_at = ? WHERE user_id = ?",
		p.FirstName, p.LastName, p.Email, nullString(p.Phone), p.UpdatedAt, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	return requireAffected(res)
}
