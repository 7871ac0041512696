package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classdesk/classdesk-api/internal/models"
)

func TestAddMemberIsIdempotent(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewClassRepository(db)

	mock.ExpectExec("INSERT INTO class_members .* ON CONFLICT").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO class_members .* ON CONFLICT").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.AddMember(context.Background(), "class-a", "student-1"))
	require.NoError(t, repo.AddMember(context.Background(), "class-a", "student-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveMemberDeletesRosterRow(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewClassRepository(db)

	mock.ExpectExec("DELETE FROM class_members").
		WithArgs("class-a", "student-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RemoveMember(context.Background(), "class-a", "student-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListClassIDsByUserOrdersByClass(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewClassRepository(db)

	mock.ExpectQuery("SELECT class_id FROM class_members WHERE user_id = .* ORDER BY class_id").
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"class_id"}).AddRow("class-a").AddRow("class-b"))

	ids, err := repo.ListClassIDsByUser(context.Background(), "student-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"class-a", "class-b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMembersJoinsRoster(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewClassRepository(db)

	now := time.Now()
	mock.ExpectQuery("SELECT u.id, .* FROM users u JOIN class_members cm").
		WithArgs("class-a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "full_name", "role", "active", "last_login", "created_at", "updated_at"}).
			AddRow("student-1", "ana@school.example", "hash", "Ana Silva", "STUDENT", true, nil, now, now))

	members, err := repo.ListMembers(context.Background(), "class-a")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Ana Silva", members[0].FullName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateClassAssignsID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewClassRepository(db)

	mock.ExpectExec("INSERT INTO classes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	class := &models.Class{Name: "10A", Year: 2026}
	require.NoError(t, repo.Create(context.Background(), class))
	assert.NotEmpty(t, class.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
