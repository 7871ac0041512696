package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/classdesk/classdesk-api/internal/models"
	appErrors "github.com/classdesk/classdesk-api/pkg/errors"
)

// DependentRetirer retires side records bound to a version inside the same
// transaction that retires the version itself. Feature packages register
// their record kinds here instead of the chain manager knowing about them.
type DependentRetirer interface {
	Kind() string
	RetireByVersion(ctx context.Context, tx *sqlx.Tx, versionID int64, at time.Time) (int64, error)
}

// VersionRepository maintains attachment chains: the ordered revisions of
// one (subject, contributor) pair. The attachment_versions table carries a
// partial unique index on (subject_id, contributor_key) WHERE
// status = 'CURRENT', so the at-most-one-current invariant holds even if a
// writer bypasses the per-chain lock.
type VersionRepository struct {
	db         *sqlx.DB
	dependents []DependentRetirer
}

// NewVersionRepository constructs the repository.
func NewVersionRepository(db *sqlx.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// RegisterDependent adds a side-record kind to the retirement cascade.
func (r *VersionRepository) RegisterDependent(d DependentRetirer) {
	r.dependents = append(r.dependents, d)
}

// CreateVersion installs a new CURRENT revision in the chain, demoting any
// existing CURRENT revision to SUPERSEDED in the same transaction. The
// per-chain row lock serializes racing uploads: the loser's revision is
// demoted, never dropped. An empty chain has no rows to lock, so two first
// uploads can both reach the insert; the partial unique index rejects the
// loser, reported as ErrConflict so the caller can retry. Callers must have
// written the blob before calling; the current pointer only ever flips after
// the bytes are durable.
func (r *VersionRepository) CreateVersion(ctx context.Context, v *models.AttachmentVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	v.Status = models.VersionCurrent

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create version: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var chainIDs []int64
	const lockChain = `SELECT id FROM attachment_versions WHERE subject_id = $1 AND contributor_key = $2 FOR UPDATE`
	if err := tx.SelectContext(ctx, &chainIDs, lockChain, v.SubjectID, v.ContributorKey); err != nil {
		return fmt.Errorf("lock chain: %w", err)
	}

	const demote = `UPDATE attachment_versions SET status = 'SUPERSEDED' WHERE subject_id = $1 AND contributor_key = $2 AND status = 'CURRENT'`
	if _, err := tx.ExecContext(ctx, demote, v.SubjectID, v.ContributorKey); err != nil {
		return fmt.Errorf("supersede current version: %w", err)
	}

	const insert = `INSERT INTO attachment_versions
	(subject_id, contributor_id, contributor_key, uploader_id, storage_key, filename, mime_type, size_bytes, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
	if err := tx.QueryRowxContext(ctx, insert,
		v.SubjectID, v.ContributorID, v.ContributorKey, v.UploaderID,
		v.StorageKey, v.Filename, v.MimeType, v.SizeBytes, v.Status, v.CreatedAt,
	).Scan(&v.ID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "a concurrent upload finished first, retry the request")
		}
		return fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create version: %w", err)
	}
	return nil
}

// Retire marks a version RETIRED and cascades through every registered
// dependent kind in the same transaction. Blob bytes are left in place;
// logical retirement is authoritative. Returns the total number of retired
// records (the version plus its dependents) for confirmation messaging.
func (r *VersionRepository) Retire(ctx context.Context, versionID int64, at time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retire: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const retire = `UPDATE attachment_versions SET status = 'RETIRED', retired_at = $2 WHERE id = $1 AND status <> 'RETIRED'`
	res, err := tx.ExecContext(ctx, retire, versionID, at)
	if err != nil {
		return 0, fmt.Errorf("retire version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check retire rows: %w", err)
	}
	if affected == 0 {
		return 0, sql.ErrNoRows
	}

	total := affected
	for _, dependent := range r.dependents {
		n, err := dependent.RetireByVersion(ctx, tx, versionID, at)
		if err != nil {
			return 0, fmt.Errorf("retire %s records: %w", dependent.Kind(), err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retire: %w", err)
	}
	return total, nil
}

// GetByID loads one version regardless of status. Intended for authorized
// history and audit reads; regular downloads must check Status.
func (r *VersionRepository) GetByID(ctx context.Context, id int64) (*models.AttachmentVersion, error) {
	const query = `SELECT id, subject_id, contributor_id, contributor_key, uploader_id, storage_key, filename, mime_type, size_bytes, status, created_at, retired_at
	FROM attachment_versions WHERE id = $1 LIMIT 1`
	var v models.AttachmentVersion
	if err := r.db.GetContext(ctx, &v, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	return &v, nil
}

// ResolveCurrent returns the chain's CURRENT version, or sql.ErrNoRows when
// the chain is empty or fully superseded/retired.
func (r *VersionRepository) ResolveCurrent(ctx context.Context, subjectID, contributorKey string) (*models.AttachmentVersion, error) {
	const query = `SELECT id, subject_id, contributor_id, contributor_key, uploader_id, storage_key, filename, mime_type, size_bytes, status, created_at, retired_at
	FROM attachment_versions WHERE subject_id = $1 AND contributor_key = $2 AND status = 'CURRENT' LIMIT 1`
	var v models.AttachmentVersion
	if err := r.db.GetContext(ctx, &v, query, subjectID, contributorKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("resolve current version: %w", err)
	}
	return &v, nil
}

// ListChain returns every revision of a chain in creation order.
func (r *VersionRepository) ListChain(ctx context.Context, subjectID, contributorKey string) ([]models.AttachmentVersion, error) {
	const query = `SELECT id, subject_id, contributor_id, contributor_key, uploader_id, storage_key, filename, mime_type, size_bytes, status, created_at, retired_at
	FROM attachment_versions WHERE subject_id = $1 AND contributor_key = $2 ORDER BY id`
	var versions []models.AttachmentVersion
	if err := r.db.SelectContext(ctx, &versions, query, subjectID, contributorKey); err != nil {
		return nil, fmt.Errorf("list chain: %w", err)
	}
	return versions, nil
}

// ListCurrentBySubject returns the CURRENT version of every chain of a
// subject, used by the bulk download.
func (r *VersionRepository) ListCurrentBySubject(ctx context.Context, subjectID string) ([]models.AttachmentVersion, error) {
	const query = `SELECT id, subject_id, contributor_id, contributor_key, uploader_id, storage_key, filename, mime_type, size_bytes, status, created_at, retired_at
	FROM attachment_versions WHERE subject_id = $1 AND status = 'CURRENT' ORDER BY contributor_key, id`
	var versions []models.AttachmentVersion
	if err := r.db.SelectContext(ctx, &versions, query, subjectID); err != nil {
		return nil, fmt.Errorf("list current versions: %w", err)
	}
	return versions, nil
}

type progressCounts struct {
	Expected  int `db:"expected"`
	Submitted int `db:"submitted"`
}

// Progress computes (submitted, expected) for a subject in a single
// statement so both counts come from one snapshot. Both subqueries range
// over the same student roster, so submitted can never exceed expected.
// Never cached: a stale count is worse than the extra query.
func (r *VersionRepository) Progress(ctx context.Context, subjectID string) (models.ProgressRecord, error) {
	const query = `SELECT
	(SELECT COUNT(DISTINCT cm.user_id)
		FROM class_members cm
		JOIN subject_classes sc ON sc.class_id = cm.class_id
		JOIN users u ON u.id = cm.user_id
		WHERE sc.subject_id = $1 AND u.role = 'STUDENT') AS expected,
	(SELECT COUNT(DISTINCT av.contributor_key)
		FROM attachment_versions av
		WHERE av.subject_id = $1 AND av.status = 'CURRENT'
		AND av.contributor_key IN (
			SELECT cm.user_id FROM class_members cm
			JOIN subject_classes sc ON sc.class_id = cm.class_id
			JOIN users u ON u.id = cm.user_id
			WHERE sc.subject_id = $1 AND u.role = 'STUDENT')) AS submitted`
	var counts progressCounts
	if err := r.db.GetContext(ctx, &counts, query, subjectID); err != nil {
		return models.ProgressRecord{}, fmt.Errorf("compute progress: %w", err)
	}
	return models.ProgressRecord{
		SubjectID: subjectID,
		Submitted: counts.Submitted,
		Expected:  counts.Expected,
	}, nil
}

// ProgressRows returns one row per roster member with their current
// submission, if any. Feeds the CSV/PDF progress export.
func (r *VersionRepository) ProgressRows(ctx context.Context, subjectID string) ([]models.ProgressRow, error) {
	const query = `SELECT DISTINCT u.id AS student_id, u.full_name AS student_name,
	av.id AS version_id, av.filename AS filename, av.created_at AS submitted_at
	FROM class_members cm
	JOIN subject_classes sc ON sc.class_id = cm.class_id
	JOIN users u ON u.id = cm.user_id
	LEFT JOIN attachment_versions av ON av.subject_id = sc.subject_id AND av.contributor_key = u.id AND av.status = 'CURRENT'
	WHERE sc.subject_id = $1 AND u.role = 'STUDENT'
	ORDER BY student_name, student_id`
	var rows []models.ProgressRow
	if err := r.db.SelectContext(ctx, &rows, query, subjectID); err != nil {
		return nil, fmt.Errorf("list progress rows: %w", err)
	}
	return rows, nil
}
