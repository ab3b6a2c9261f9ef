package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/waporthq/waport/internal/session"
)

// StatusStore projects session status into a document-per-tenant table with
// merge semantics: partial updates never clobber unspecified fields.
type StatusStore struct {
	pool *pgxpool.Pool
}

// NewStatusStore creates a StatusStore backed by the given pool.
func NewStatusStore(pool *pgxpool.Pool) *StatusStore {
	return &StatusStore{pool: pool}
}

// SetStatus upserts the tenant's status document, merging the partial update
// into the stored jsonb document.
func (s *StatusStore) SetStatus(ctx context.Context, tenantID string, update session.StatusUpdate) error {
	doc := map[string]any{
		"status":    string(update.Status),
		"connected": update.Connected,
	}
	if update.QRToken != nil {
		if *update.QRToken == "" {
			doc["qr_token"] = nil
		} else {
			doc["qr_token"] = *update.QRToken
		}
	}
	if update.PhoneIdentity != nil {
		doc["phone_identity"] = *update.PhoneIdentity
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal status doc: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_status (tenant_id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id)
		DO UPDATE SET doc = session_status.doc || EXCLUDED.doc, updated_at = now()`,
		tenantID, payload)
	if err != nil {
		return fmt.Errorf("upsert session status: %w", err)
	}
	return nil
}

// GetStatus returns the tenant's status document, or nil when none exists.
func (s *StatusStore) GetStatus(ctx context.Context, tenantID string) (map[string]any, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM session_status WHERE tenant_id = $1`, tenantID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session status: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode status doc: %w", err)
	}
	return doc, nil
}
