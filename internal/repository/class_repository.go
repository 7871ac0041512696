package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/classdesk/classdesk-api/internal/models"
)

// ClassRepository handles class and roster persistence.
type ClassRepository struct {
	db *sqlx.DB
}

// NewClassRepository constructs the repository.
func NewClassRepository(db *sqlx.DB) *ClassRepository {
	return &ClassRepository{db: db}
}

// Create inserts a class.
func (r *ClassRepository) Create(ctx context.Context, class *models.Class) error {
	if class.ID == "" {
		class.ID = uuid.NewString()
	}
	if class.CreatedAt.IsZero() {
		class.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO classes (id, name, year, created_at) VALUES (:id, :name, :year, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, class); err != nil {
		return fmt.Errorf("create class: %w", err)
	}
	return nil
}

// GetByID returns one class.
func (r *ClassRepository) GetByID(ctx context.Context, id string) (*models.Class, error) {
	const query = `SELECT id, name, year, created_at FROM classes WHERE id = $1 LIMIT 1`
	var class models.Class
	if err := r.db.GetContext(ctx, &class, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get class: %w", err)
	}
	return &class, nil
}

// AddMember enrols a user into a class roster. Re-enrolment is a no-op.
func (r *ClassRepository) AddMember(ctx context.Context, classID, userID string) error {
	const query = `INSERT INTO class_members (class_id, user_id, joined_at) VALUES ($1, $2, $3) ON CONFLICT (class_id, user_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, classID, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("add class member: %w", err)
	}
	return nil
}

// RemoveMember drops a user from a class roster.
func (r *ClassRepository) RemoveMember(ctx context.Context, classID, userID string) error {
	const query = `DELETE FROM class_members WHERE class_id = $1 AND user_id = $2`
	if _, err := r.db.ExecContext(ctx, query, classID, userID); err != nil {
		return fmt.Errorf("remove class member: %w", err)
	}
	return nil
}

// ListClassIDsByUser returns the classes a user belongs to. Embedded into
// JWT claims at login so per-request access checks need no roster lookup.
func (r *ClassRepository) ListClassIDsByUser(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT class_id FROM class_members WHERE user_id = $1 ORDER BY class_id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, userID); err != nil {
		return nil, fmt.Errorf("list class ids by user: %w", err)
	}
	return ids, nil
}

// ListMembers returns the roster of a class.
func (r *ClassRepository) ListMembers(ctx context.Context, classID string) ([]models.User, error) {
	const query = `SELECT u.id, u.email, u.password_hash, u.full_name, u.role, u.active, u.last_login, u.created_at, u.updated_at
	FROM users u JOIN class_members cm ON cm.user_id = u.id
	WHERE cm.class_id = $1 ORDER BY u.full_name`
	var users []models.User
	if err := r.db.SelectContext(ctx, &users, query, classID); err != nil {
		return nil, fmt.Errorf("list class members: %w", err)
	}
	return users, nil
}
