package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/classdesk/classdesk-api/internal/models"
)

// SubjectRepository persists subjects and their class scope.
type SubjectRepository struct {
	db *sqlx.DB
}

// NewSubjectRepository constructs the repository.
func NewSubjectRepository(db *sqlx.DB) *SubjectRepository {
	return &SubjectRepository{db: db}
}

// Create inserts a subject together with its owning scope in one
// transaction.
func (r *SubjectRepository) Create(ctx context.Context, subject *models.Subject) error {
	if subject.ID == "" {
		subject.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = now
	}
	subject.UpdatedAt = now
	if subject.State == "" {
		subject.State = models.SubjectOpen
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create subject: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertSubject = `INSERT INTO subjects (id, type, title, description, state, deadline, created_by, created_at, updated_at)
	VALUES (:id, :type, :title, :description, :state, :deadline, :created_by, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insertSubject, subject); err != nil {
		return fmt.Errorf("create subject: %w", err)
	}

	const insertScope = `INSERT INTO subject_classes (subject_id, class_id) VALUES ($1, $2)`
	for _, classID := range subject.ClassIDs {
		if _, err := tx.ExecContext(ctx, insertScope, subject.ID, classID); err != nil {
			return fmt.Errorf("create subject scope: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create subject: %w", err)
	}
	return nil
}

// GetByID loads a subject with its class scope.
func (r *SubjectRepository) GetByID(ctx context.Context, id string) (*models.Subject, error) {
	const query = `SELECT id, type, title, description, state, deadline, created_by, created_at, updated_at FROM subjects WHERE id = $1 LIMIT 1`
	var subject models.Subject
	if err := r.db.GetContext(ctx, &subject, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get subject: %w", err)
	}

	const scopeQuery = `SELECT class_id FROM subject_classes WHERE subject_id = $1 ORDER BY class_id`
	if err := r.db.SelectContext(ctx, &subject.ClassIDs, scopeQuery, id); err != nil {
		return nil, fmt.Errorf("get subject scope: %w", err)
	}
	return &subject, nil
}

// List returns subjects matching the filter. Scope is not hydrated for
// listings; callers needing it load individual subjects.
func (r *SubjectRepository) List(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT DISTINCT s.id, s.type, s.title, s.description, s.state, s.deadline, s.created_by, s.created_at, s.updated_at FROM subjects s`)

	args := make([]interface{}, 0, 3)
	conditions := make([]string, 0, 3)

	if filter.ClassID != "" || len(filter.ClassIDs) > 0 {
		builder.WriteString(" JOIN subject_classes sc ON sc.subject_id = s.id")
	}
	if filter.ClassID != "" {
		args = append(args, filter.ClassID)
		conditions = append(conditions, fmt.Sprintf("sc.class_id = $%d", len(args)))
	}
	if len(filter.ClassIDs) > 0 {
		args = append(args, pq.Array(filter.ClassIDs))
		conditions = append(conditions, fmt.Sprintf("sc.class_id = ANY($%d)", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("s.type = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		conditions = append(conditions, fmt.Sprintf("s.state = $%d", len(args)))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY s.created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var subjects []models.Subject
	if err := r.db.SelectContext(ctx, &subjects, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return subjects, nil
}

// SetState stores an explicit OPEN or CLOSED transition.
func (r *SubjectRepository) SetState(ctx context.Context, id string, state models.SubjectState, at time.Time) error {
	const query = `UPDATE subjects SET state = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, state, at)
	if err != nil {
		return fmt.Errorf("set subject state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check subject state rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
