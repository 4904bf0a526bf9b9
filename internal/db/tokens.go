package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ParentToken returns the parent's currently registered device token.
// At most one live token exists per parent.
func (s *Store) ParentToken(ctx context.Context, parentID string) (fcmID, token string, err error) {
	q := `SELECT fcm_id, fcm_token FROM fcm_tokens
          WHERE parent_id = $1 AND fcm_token IS NOT NULL AND fcm_token <> ''
          ORDER BY updated_at DESC LIMIT 1`
	err = s.db.QueryRowContext(ctx, q, parentID).Scan(&fcmID, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("query parent token: %w", err)
	}
	return fcmID, token, nil
}

// ReplaceParentToken removes every token row for the parent and stores the
// new one, in a single transaction.
func (s *Store) ReplaceParentToken(ctx context.Context, fcmID, parentID, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin token replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fcm_tokens WHERE parent_id = $1`, parentID); err != nil {
		return fmt.Errorf("delete old tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fcm_tokens (fcm_id, fcm_token, parent_id, created_at, updated_at)
         VALUES ($1, $2, $3, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		fcmID, token, parentID); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return tx.Commit()
}

// ParentExists reports whether the parent row is present.
func (s *Store) ParentExists(ctx context.Context, parentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM parents WHERE parent_id = $1`, parentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query parent: %w", err)
	}
	return true, nil
}
