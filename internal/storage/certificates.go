package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kioku/internal/model"
)

// InsertCertificate persists a compliance certificate. Certificates are
// append-only and never deleted.
func (db *DB) InsertCertificate(ctx context.Context, c model.ComplianceCertificate) (model.ComplianceCertificate, error) {
	if c.ID == uuid.Nil {
		c.ID = model.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO compliance_certificates (id, user_id, request_type, footprint, hash, grace_period_end, verified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.UserID, c.RequestType, c.Footprint, c.Hash, c.GracePeriodEnd, c.Verified, c.CreatedAt,
	)
	if err != nil {
		return model.ComplianceCertificate{}, fmt.Errorf("storage: insert certificate: %w", err)
	}
	return c, nil
}

// GetCertificate retrieves a certificate by ID.
func (db *DB) GetCertificate(ctx context.Context, id uuid.UUID) (model.ComplianceCertificate, error) {
	var c model.ComplianceCertificate
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, request_type, footprint, hash, grace_period_end, verified, created_at
		 FROM compliance_certificates WHERE id = $1`, id).Scan(
		&c.ID, &c.UserID, &c.RequestType, &c.Footprint, &c.Hash, &c.GracePeriodEnd, &c.Verified, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ComplianceCertificate{}, fmt.Errorf("%w: %s", ErrCertificateNotFound, id)
		}
		return model.ComplianceCertificate{}, fmt.Errorf("storage: get certificate: %w", err)
	}
	return c, nil
}

// SetCertificateVerified records the outcome of the verification pass. This
// is the only field that changes after insert.
func (db *DB) SetCertificateVerified(ctx context.Context, id uuid.UUID, verified bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE compliance_certificates SET verified = $2 WHERE id = $1`, id, verified)
	if err != nil {
		return fmt.Errorf("storage: set certificate verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCertificateNotFound, id)
	}
	return nil
}

// ListCertificatesByUser returns a user's certificates, newest first.
func (db *DB) ListCertificatesByUser(ctx context.Context, userID string) ([]model.ComplianceCertificate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, request_type, footprint, hash, grace_period_end, verified, created_at
		 FROM compliance_certificates WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list certificates: %w", err)
	}
	defer rows.Close()

	var out []model.ComplianceCertificate
	for rows.Next() {
		var c model.ComplianceCertificate
		if err := rows.Scan(&c.ID, &c.UserID, &c.RequestType, &c.Footprint, &c.Hash,
			&c.GracePeriodEnd, &c.Verified, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan certificate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate certificates: %w", err)
	}
	return out, nil
}
