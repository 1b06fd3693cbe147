package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const virtualUserColumns = "id, name, owner_id, created_at, updated_at"

func scanVirtualUser(row interface{ Scan(...any) error }) (*VirtualUser, error) {
	var v VirtualUser
	if err := row.Scan(&v.ID, &v.Name, &v.OwnerID, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (q *Queries) CreateVirtualUser(ctx context.Context, name, ownerID string) (*VirtualUser, error) {
	now := time.Now().UTC()
	v := &VirtualUser{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO virtual_users ("+virtualUserColumns+") VALUES (?, ?, ?, ?, ?)",
		v.ID, v.Name, v.OwnerID, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert virtual user: %w", err)
	}
	return v, nil
}

func (q *Queries) GetVirtualUser(ctx context.Context, id string) (*VirtualUser, error) {
	v, err := scanVirtualUser(q.db.QueryRowContext(ctx,
		"SELECT "+virtualUserColumns+" FROM virtual_users WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query virtual user: %w", err)
	}
	return v, nil
}

// ListVirtualUsersByOwner returns the owner's personas, oldest first.
func (q *Queries) ListVirtualUsersByOwner(ctx context.Context, ownerID string) ([]VirtualUser, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+virtualUserColumns+" FROM virtual_users WHERE owner_id = ? ORDER BY created_at ASC, id ASC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query virtual users: %w", err)
	}
	defer rows.Close()

	var users []VirtualUser
	for rows.Next() {
		v, err := scanVirtualUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan virtual user row: %w", err)
		}
		users = append(users, *v)
	}
	return users, rows.Err()
}

func (q *Queries) UpdateVirtualUserName(ctx context.Context, id, name string) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE virtual_users SET name = ?, updated_at = ? WHERE id = ?", name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update virtual user: %w", err)
	}
	return requireAffected(res)
}

func (q *Queries) DeleteVirtualUser(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM virtual_user_profiles WHERE virtual_user_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete virtual user profile: %w", err)
	}
	res, err := q.db.ExecContext(ctx, "DELETE FROM virtual_users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete virtual user: %w", err)
	}
	return requireAffected(res)
}

const virtualUserProfileColumns = "id, virtual_user_id, personality, tone, knowledge_area, backstory, quirks, knowledge, created_at, updated_at"

func (q *Queries) GetVirtualUserProfile(ctx context.Context, virtualUserID string) (*VirtualUserProfile, error) {
	var p VirtualUserProfile
	var areasJSON string
	var quirks, knowledge sql.NullString
	err := q.db.QueryRowContext(ctx,
		"SELECT "+virtualUserProfileColumns+" FROM virtual_user_profiles WHERE virtual_user_id = ?", virtualUserID).
		Scan(&p.ID, &p.VirtualUserID, &p.Personality, &p.Tone, &areasJSON, &p.Backstory, &quirks, &knowledge, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query virtual user profile: %w", err)
	}
	if err := json.Unmarshal([]byte(areasJSON), &p.KnowledgeArea); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge_area for %s: %w", virtualUserID, err)
	}
	p.Quirks = stringPtr(quirks)
	p.Knowledge = stringPtr(knowledge)
	return &p, nil
}

// UpsertVirtualUserProfile creates or replaces the single profile of a persona.
func (q *Queries) UpsertVirtualUserProfile(ctx context.Context, p *VirtualUserProfile) (*VirtualUserProfile, error) {
	areas := p.KnowledgeArea
	if areas == nil {
		areas = []string{}
	}
	areasJSON, err := json.Marshal(areas)
	if err != nil {
		return nil, fmt.Errorf("failed to encode knowledge_area: %w", err)
	}
	if p.Knowledge != nil && !json.Valid([]byte(*p.Knowledge)) {
		return nil, fmt.Errorf("knowledge for %s is not valid JSON", p.VirtualUserID)
	}

	now := time.Now().UTC()
	_, err = q.db.ExecContext(ctx, `
        INSERT INTO virtual_user_profiles
            (virtual_user_id, personality, tone, knowledge_area, backstory, quirks, knowledge, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (virtual_user_id) DO UPDATE SET
            personality = excluded.personality,
            tone = excluded.tone,
            knowledge_area = excluded.knowledge_area,
            backstory = excluded.backstory,
            quirks = excluded.quirks,
            knowledge = excluded.knowledge,
            updated_at = excluded.updated_at`,
		p.VirtualUserID, p.Personality, p.Tone, string(areasJSON), p.Backstory,
		nullString(p.Quirks), nullString(p.Knowledge), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert virtual user profile: %w", err)
	}
	return q.GetVirtualUserProfile(ctx, p.VirtualUserID)
}
