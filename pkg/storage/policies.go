package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wequi-guard/pkg/event"
	"wequi-guard/pkg/policy"
)

// LoadPolicies returns the current revision of every stored policy.
func (s *SQLiteStore) LoadPolicies(ctx context.Context) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, owner_id, categories, safe_search, description, version, updated_at, updated_by
		FROM policies
		ORDER BY scope, owner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanPolicies(rows)
}

// PolicyHistory returns every stored revision for one owner, oldest first.
func (s *SQLiteStore) PolicyHistory(ctx context.Context, scope policy.Scope, ownerID string) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, owner_id, categories, safe_search, description, version, updated_at, updated_by
		FROM policy_history
		WHERE scope = ? AND owner_id = ?
		ORDER BY version ASC, id ASC
	`, string(scope), ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanPolicies(rows)
}

func scanPolicies(rows *sql.Rows) ([]*policy.Policy, error) {
	var out []*policy.Policy
	for rows.Next() {
		var (
			p                   policy.Policy
			scope, updatedAt    string
			categories, toggles string
		)
		if err := rows.Scan(&scope, &p.OwnerID, &categories, &toggles, &p.Description,
			&p.Version, &updatedAt, &p.UpdatedBy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		p.Scope = policy.Scope(scope)
		p.UpdatedAt = parseSQLiteTime(updatedAt)
		if err := json.Unmarshal([]byte(categories), &p.Categories); err != nil {
			return nil, fmt.Errorf("decode categories for %s/%s: %w", scope, p.OwnerID, err)
		}
		if err := json.Unmarshal([]byte(toggles), &p.SafeSearch); err != nil {
			return nil, fmt.Errorf("decode safe_search for %s/%s: %w", scope, p.OwnerID, err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return out, nil
}

// SavePolicy upserts the current revision and appends it to the history in
// one transaction.
func (s *SQLiteStore) SavePolicy(ctx context.Context, p *policy.Policy) error {
	categories, err := json.Marshal(nonNilToggles(p.Categories))
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	toggles, err := json.Marshal(nonNilToggles(p.SafeSearch))
	if err != nil {
		return fmt.Errorf("encode safe_search: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	updatedAt := formatTime(p.UpdatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO policies (scope, owner_id, categories, safe_search, description, version, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, owner_id) DO UPDATE SET
			categories = excluded.categories,
			safe_search = excluded.safe_search,
			description = excluded.description,
			version = excluded.version,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, string(p.Scope), p.OwnerID, string(categories), string(toggles), p.Description,
		p.Version, updatedAt, p.UpdatedBy); err != nil {
		return fmt.Errorf("%w: upsert policy: %v", ErrQueryFailed, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO policy_history (scope, owner_id, categories, safe_search, description, version, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(p.Scope), p.OwnerID, string(categories), string(toggles), p.Description,
		p.Version, updatedAt, p.UpdatedBy); err != nil {
		return fmt.Errorf("%w: append policy history: %v", ErrQueryFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// nonNilToggles drops inherited (nil) toggles so they stay inherited after
// a reload.
func nonNilToggles(m map[string]*bool) map[string]*bool {
	out := make(map[string]*bool, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// LoadOverrides returns every stored override, expired ones included.
func (s *SQLiteStore) LoadOverrides(ctx context.Context) ([]*policy.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, user_id, target_id, domain, action, created_at, created_by, expires_at
		FROM overrides
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*policy.Override
	for rows.Next() {
		var (
			o                        policy.Override
			scope, action, createdAt string
			expiresAt                sql.NullString
		)
		if err := rows.Scan(&o.ID, &scope, &o.UserID, &o.TargetID, &o.Domain, &action,
			&createdAt, &o.CreatedBy, &expiresAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		o.Scope = policy.Scope(scope)
		o.Action = event.Action(action)
		o.CreatedAt = parseSQLiteTime(createdAt)
		o.ExpiresAt = parseNullableTime(expiresAt)
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return out, nil
}

// SaveOverride inserts or replaces an override by id.
func (s *SQLiteStore) SaveOverride(ctx context.Context, o *policy.Override) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO overrides (id, scope, user_id, target_id, domain, action, created_at, created_by, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, string(o.Scope), o.UserID, o.TargetID, o.Domain, string(o.Action),
		formatTime(o.CreatedAt), o.CreatedBy, nullableTime(o.ExpiresAt))
	if err != nil {
		return fmt.Errorf("%w: save override: %v", ErrQueryFailed, err)
	}
	return nil
}

// DeleteOverride removes an override. ErrNotFound is returned when no row
// matched.
func (s *SQLiteStore) DeleteOverride(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM overrides WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: delete override: %v", ErrQueryFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
