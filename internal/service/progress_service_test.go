package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classdesk/classdesk-api/internal/models"
	appErrors "github.com/classdesk/classdesk-api/pkg/errors"
	"github.com/classdesk/classdesk-api/pkg/export"
)

type progressRepoStub struct {
	record models.ProgressRecord
	rows   []models.ProgressRow
}

func (s *progressRepoStub) Progress(ctx context.Context, subjectID string) (models.ProgressRecord, error) {
	return s.record, nil
}

func (s *progressRepoStub) ProgressRows(ctx context.Context, subjectID string) ([]models.ProgressRow, error) {
	return s.rows, nil
}

func newProgressService(repo *progressRepoStub, subjects ...*models.Subject) *ProgressService {
	loader := &subjectLoaderStub{subjects: make(map[string]*models.Subject)}
	for _, s := range subjects {
		loader.subjects[s.ID] = s
	}
	return NewProgressService(repo, loader, NewAccessService(nil), export.NewCSVExporter(), export.NewPDFExporter(), nil)
}

func TestProgressFormatsDisplayPair(t *testing.T) {
	repo := &progressRepoStub{record: models.ProgressRecord{SubjectID: "subj-1", Submitted: 18, Expected: 25}}
	svc := newProgressService(repo, assignmentSubject())

	resp, err := svc.Progress(context.Background(), teacherClaims("class-a"), "subj-1")
	require.NoError(t, err)
	assert.Equal(t, 18, resp.Submitted)
	assert.Equal(t, 25, resp.Expected)
	assert.Equal(t, "18 / 25", resp.Display)
}

func TestProgressDeniedForStudents(t *testing.T) {
	svc := newProgressService(&progressRepoStub{}, assignmentSubject())

	_, err := svc.Progress(context.Background(), studentClaims("student-1", "class-a"), "subj-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestProgressHiddenOutsideScope(t *testing.T) {
	svc := newProgressService(&progressRepoStub{}, assignmentSubject())

	_, err := svc.Progress(context.Background(), teacherClaims("class-z"), "subj-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestExportCSVListsRosterRows(t *testing.T) {
	submittedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	filename := "essay.pdf"
	versionID := int64(8)
	repo := &progressRepoStub{rows: []models.ProgressRow{
		{StudentID: "student-1", StudentName: "Ana Silva", VersionID: &versionID, Filename: &filename, SubmittedAt: &submittedAt},
		{StudentID: "student-2", StudentName: "Bram Kovac"},
	}}
	svc := newProgressService(repo, assignmentSubject())

	payload, filename, mime, err := svc.Export(context.Background(), teacherClaims("class-a"), "subj-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "Essay.csv", filename)
	assert.Equal(t, "text/csv", mime)

	lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Student,Submitted,Filename,Submitted At", strings.TrimSpace(lines[0]))
	assert.Contains(t, lines[1], "Ana Silva")
	assert.Contains(t, lines[1], "true")
	assert.Contains(t, lines[1], "2026-03-14T09:30:00Z")
	assert.Contains(t, lines[2], "Bram Kovac")
	assert.Contains(t, lines[2], "false")
}

func TestExportDefaultsToCSV(t *testing.T) {
	svc := newProgressService(&progressRepoStub{}, assignmentSubject())

	_, filename, mime, err := svc.Export(context.Background(), teacherClaims("class-a"), "subj-1", "")
	require.NoError(t, err)
	assert.Equal(t, "Essay.csv", filename)
	assert.Equal(t, "text/csv", mime)
}

func TestExportPDFRendersDocument(t *testing.T) {
	repo := &progressRepoStub{rows: []models.ProgressRow{
		{StudentID: "student-1", StudentName: "Ana Silva"},
	}}
	svc := newProgressService(repo, assignmentSubject())

	payload, filename, mime, err := svc.Export(context.Background(), teacherClaims("class-a"), "subj-1", "pdf")
	require.NoError(t, err)
	assert.Equal(t, "Essay.pdf", filename)
	assert.Equal(t, "application/pdf", mime)
	assert.True(t, strings.HasPrefix(string(payload), "%PDF"))
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	svc := newProgressService(&progressRepoStub{}, assignmentSubject())

	_, _, _, err := svc.Export(context.Background(), teacherClaims("class-a"), "subj-1", "xlsx")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}
