package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classdesk/classdesk-api/internal/models"
)

func TestCreateSubjectWritesScopeInSameTx(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubjectRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO subjects").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO subject_classes").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO subject_classes").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	subject := &models.Subject{
		Type:      models.SubjectAssignment,
		Title:     "Essay",
		CreatedBy: "teacher-1",
		ClassIDs:  []string{"class-a", "class-b"},
	}
	err := repo.Create(context.Background(), subject)
	require.NoError(t, err)
	assert.NotEmpty(t, subject.ID)
	assert.Equal(t, models.SubjectOpen, subject.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubjectHydratesScope(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubjectRepository(db)

	now := time.Now()
	mock.ExpectQuery("SELECT id, type, title, description, state, deadline, created_by, created_at, updated_at FROM subjects").
		WithArgs("subj-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "title", "description", "state", "deadline", "created_by", "created_at", "updated_at"}).
			AddRow("subj-1", "ASSIGNMENT", "Essay", "", "OPEN", nil, "teacher-1", now, now))
	mock.ExpectQuery("SELECT class_id FROM subject_classes").
		WithArgs("subj-1").
		WillReturnRows(sqlmock.NewRows([]string{"class_id"}).AddRow("class-a"))

	subject, err := repo.GetByID(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"class-a"}, subject.ClassIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStateUnknownSubject(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubjectRepository(db)

	mock.ExpectExec("UPDATE subjects SET state").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetState(context.Background(), "missing", models.SubjectClosed, time.Now())
	require.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSubjectsByClassScope(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSubjectRepository(db)

	now := time.Now()
	mock.ExpectQuery("SELECT DISTINCT s.id, .* FROM subjects s JOIN subject_classes sc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "title", "description", "state", "deadline", "created_by", "created_at", "updated_at"}).
			AddRow("subj-1", "ASSIGNMENT", "Essay", "", "OPEN", nil, "teacher-1", now, now))

	subjects, err := repo.List(context.Background(), models.SubjectFilter{ClassIDs: []string{"class-a", "class-b"}})
	require.NoError(t, err)
	assert.Len(t, subjects, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
