package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/classdesk/classdesk-api/internal/models"
)

// ReviewRepository persists review comments and grading files attached to
// attachment versions. It participates in the retirement cascade as a
// DependentRetirer.
type ReviewRepository struct {
	db *sqlx.DB
}

// NewReviewRepository constructs the repository.
func NewReviewRepository(db *sqlx.DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

// Create stores a review record for a version.
func (r *ReviewRepository) Create(ctx context.Context, record *models.ReviewRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO review_records (id, version_id, author_id, comment, grading_key, grading_filename, created_at)
	VALUES (:id, :version_id, :author_id, :comment, :grading_key, :grading_filename, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("create review record: %w", err)
	}
	return nil
}

// ListByVersion returns the active review records of a version.
func (r *ReviewRepository) ListByVersion(ctx context.Context, versionID int64) ([]models.ReviewRecord, error) {
	const query = `SELECT id, version_id, author_id, comment, grading_key, grading_filename, created_at, retired_at
	FROM review_records WHERE version_id = $1 AND retired_at IS NULL ORDER BY created_at`
	var records []models.ReviewRecord
	if err := r.db.SelectContext(ctx, &records, query, versionID); err != nil {
		return nil, fmt.Errorf("list review records: %w", err)
	}
	return records, nil
}

// Kind implements DependentRetirer.
func (r *ReviewRepository) Kind() string {
	return "review"
}

// RetireByVersion implements DependentRetirer: retires every active review
// record of the version inside the caller's transaction.
func (r *ReviewRepository) RetireByVersion(ctx context.Context, tx *sqlx.Tx, versionID int64, at time.Time) (int64, error) {
	const query = `UPDATE review_records SET retired_at = $2 WHERE version_id = $1 AND retired_at IS NULL`
	res, err := tx.ExecContext(ctx, query, versionID, at)
	if err != nil {
		return 0, fmt.Errorf("retire review records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check review retire rows: %w", err)
	}
	return affected, nil
}
