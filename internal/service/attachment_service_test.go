package service

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classdesk/classdesk-api/internal/dto"
	"github.com/classdesk/classdesk-api/internal/models"
	appErrors "github.com/classdesk/classdesk-api/pkg/errors"
	"github.com/classdesk/classdesk-api/pkg/storage"
)

type versionRepoStub struct {
	mu          sync.Mutex
	nextID      int64
	versions    map[int64]*models.AttachmentVersion
	createErr   error
	cascadeSize int64
}

func newVersionRepoStub() *versionRepoStub {
	return &versionRepoStub{versions: make(map[int64]*models.AttachmentVersion)}
}

func (s *versionRepoStub) CreateVersion(ctx context.Context, v *models.AttachmentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	for _, existing := range s.versions {
		if existing.SubjectID == v.SubjectID && existing.ContributorKey == v.ContributorKey && existing.Status == models.VersionCurrent {
			existing.Status = models.VersionSuperseded
		}
	}
	s.nextID++
	v.ID = s.nextID
	v.Status = models.VersionCurrent
	v.CreatedAt = time.Now().UTC()
	stored := *v
	s.versions[v.ID] = &stored
	return nil
}

func (s *versionRepoStub) Retire(ctx context.Context, versionID int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok || v.Status == models.VersionRetired {
		return 0, sql.ErrNoRows
	}
	v.Status = models.VersionRetired
	v.RetiredAt = &at
	return 1 + s.cascadeSize, nil
}

func (s *versionRepoStub) GetByID(ctx context.Context, id int64) (*models.AttachmentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *v
	return &copied, nil
}

func (s *versionRepoStub) ResolveCurrent(ctx context.Context, subjectID, contributorKey string) (*models.AttachmentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.SubjectID == subjectID && v.ContributorKey == contributorKey && v.Status == models.VersionCurrent {
			copied := *v
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *versionRepoStub) ListChain(ctx context.Context, subjectID, contributorKey string) ([]models.AttachmentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chain []models.AttachmentVersion
	for id := int64(1); id <= s.nextID; id++ {
		if v, ok := s.versions[id]; ok && v.SubjectID == subjectID && v.ContributorKey == contributorKey {
			chain = append(chain, *v)
		}
	}
	return chain, nil
}

func (s *versionRepoStub) ListCurrentBySubject(ctx context.Context, subjectID string) ([]models.AttachmentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current []models.AttachmentVersion
	for id := int64(1); id <= s.nextID; id++ {
		if v, ok := s.versions[id]; ok && v.SubjectID == subjectID && v.Status == models.VersionCurrent {
			current = append(current, *v)
		}
	}
	return current, nil
}

type reviewRepoStub struct {
	records []models.ReviewRecord
}

func (s *reviewRepoStub) Create(ctx context.Context, record *models.ReviewRecord) error {
	if record.ID == "" {
		record.ID = fmt.Sprintf("review-%d", len(s.records)+1)
	}
	record.CreatedAt = time.Now().UTC()
	s.records = append(s.records, *record)
	return nil
}

func (s *reviewRepoStub) ListByVersion(ctx context.Context, versionID int64) ([]models.ReviewRecord, error) {
	var out []models.ReviewRecord
	for _, r := range s.records {
		if r.VersionID == versionID && r.RetiredAt == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

type subjectLoaderStub struct {
	subjects map[string]*models.Subject
}

func (s *subjectLoaderStub) Load(ctx context.Context, id string) (*models.Subject, error) {
	subject, ok := s.subjects[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}
	copied := *subject
	return &copied, nil
}

type userLookupStub struct {
	users map[string]*models.User
}

func (s *userLookupStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

type blobStoreStub struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	putErr error
	nextID int
}

func newBlobStoreStub() *blobStoreStub {
	return &blobStoreStub{blobs: make(map[string][]byte)}
}

func (s *blobStoreStub) Put(data []byte, originalName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	s.nextID++
	handle := fmt.Sprintf("blob-%d", s.nextID)
	s.blobs[handle] = append([]byte(nil), data...)
	return handle, nil
}

func (s *blobStoreStub) Get(handle string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[handle]
	if !ok {
		return nil, fmt.Errorf("blob %s missing", handle)
	}
	return data, nil
}

func (s *blobStoreStub) Delete(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, handle)
	return nil
}

type auditLogStub struct {
	logs []*models.AuditLog
}

func (s *auditLogStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	s.logs = append(s.logs, log)
	return nil
}

type attachmentFixture struct {
	service  *AttachmentService
	versions *versionRepoStub
	reviews  *reviewRepoStub
	subjects *subjectLoaderStub
	blobs    *blobStoreStub
	audit    *auditLogStub
}

func newAttachmentFixture(subjects ...*models.Subject) *attachmentFixture {
	loader := &subjectLoaderStub{subjects: make(map[string]*models.Subject)}
	for _, s := range subjects {
		loader.subjects[s.ID] = s
	}
	versions := newVersionRepoStub()
	reviews := &reviewRepoStub{}
	blobs := newBlobStoreStub()
	audit := &auditLogStub{}
	users := &userLookupStub{users: map[string]*models.User{
		"student-1": {ID: "student-1", FullName: "Ana Silva", Role: models.RoleStudent},
		"student-2": {ID: "student-2", FullName: "Bram Kovac", Role: models.RoleStudent},
		"teacher-1": {ID: "teacher-1", FullName: "Prof Ortiz", Role: models.RoleTeacher},
	}}
	signer := storage.NewSignedURLSigner("test-secret", time.Minute)

	svc := NewAttachmentService(
		versions, reviews, loader, users,
		NewAccessService(nil), blobs, signer, audit, nil, nil,
		AttachmentServiceConfig{},
	)
	return &attachmentFixture{service: svc, versions: versions, reviews: reviews, subjects: loader, blobs: blobs, audit: audit}
}

func (f *attachmentFixture) upload(t *testing.T, actor *models.JWTClaims, subjectID, contributorID, filename string, payload []byte) *dto.VersionResponse {
	t.Helper()
	version, err := f.service.Upload(context.Background(), actor, UploadInput{
		SubjectID:     subjectID,
		ContributorID: contributorID,
		Filename:      filename,
		MimeType:      "application/pdf",
		Data:          payload,
	})
	require.NoError(t, err)
	return version
}

func TestUploadReplaceHidesOldVersion(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")

	v1 := f.upload(t, student, "subj-1", "", "draft.pdf", []byte("first"))
	v2 := f.upload(t, student, "subj-1", "", "final.pdf", []byte("second"))
	require.NotEqual(t, v1.ID, v2.ID)

	_, err := f.service.Download(context.Background(), student, v1.ID, false)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	result, err := f.service.Download(context.Background(), student, v2.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), result.Data)
	assert.Equal(t, "final.pdf", result.Filename)
}

func TestUploadStorageFailureLeavesChainIntact(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")

	v1 := f.upload(t, student, "subj-1", "", "draft.pdf", []byte("first"))

	f.blobs.putErr = fmt.Errorf("disk full")
	_, err := f.service.Upload(context.Background(), student, UploadInput{
		SubjectID: "subj-1",
		Filename:  "final.pdf",
		MimeType:  "application/pdf",
		Data:      []byte("second"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStorage.Code, appErrors.FromError(err).Code)

	// The previous revision still serves.
	f.blobs.putErr = nil
	result, err := f.service.Download(context.Background(), student, v1.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), result.Data)
}

func TestUploadPointerFlipFailureCleansBlob(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")

	f.versions.createErr = fmt.Errorf("deadlock")
	_, err := f.service.Upload(context.Background(), student, UploadInput{
		SubjectID: "subj-1",
		Filename:  "draft.pdf",
		MimeType:  "application/pdf",
		Data:      []byte("first"),
	})
	require.Error(t, err)
	assert.Empty(t, f.blobs.blobs)
}

func TestUploadLosingChainRaceSurfacesConflict(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")

	f.versions.createErr = appErrors.Clone(appErrors.ErrConflict, "a concurrent upload finished first, retry the request")
	_, err := f.service.Upload(context.Background(), student, UploadInput{
		SubjectID: "subj-1",
		Filename:  "draft.pdf",
		MimeType:  "application/pdf",
		Data:      []byte("first"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.Equal(t, appErrors.ErrConflict.Status, appErrors.FromError(err).Status)
	// The loser's blob never becomes reachable.
	assert.Empty(t, f.blobs.blobs)
}

func TestUploadTeacherOwnSubmissionChainForbidden(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	teacher := teacherClaims("class-a")

	_, err := f.service.Upload(context.Background(), teacher, UploadInput{
		SubjectID: "subj-1",
		Filename:  "notes.pdf",
		MimeType:  "application/pdf",
		Data:      []byte("notes"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestUploadOverdueSelfServiceDeniedAssistedAllowed(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	subject := assignmentSubject()
	subject.Deadline = &past
	f := newAttachmentFixture(subject)

	student := studentClaims("student-1", "class-a")
	_, err := f.service.Upload(context.Background(), student, UploadInput{
		SubjectID: "subj-1",
		Filename:  "late.pdf",
		MimeType:  "application/pdf",
		Data:      []byte("late"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotWritable.Code, appErrors.FromError(err).Code)

	teacher := teacherClaims("class-a")
	version := f.upload(t, teacher, "subj-1", "student-1", "late.pdf", []byte("late"))
	assert.Equal(t, "teacher-1", version.UploaderID)
	require.NotNil(t, version.ContributorID)
	assert.Equal(t, "student-1", *version.ContributorID)
}

func TestUploadClosedSubjectAcceptsAdminsOnly(t *testing.T) {
	subject := assignmentSubject()
	subject.State = models.SubjectClosed
	f := newAttachmentFixture(subject)

	teacher := teacherClaims("class-a")
	_, err := f.service.Upload(context.Background(), teacher, UploadInput{
		SubjectID:     "subj-1",
		ContributorID: "student-1",
		Filename:      "fix.pdf",
		MimeType:      "application/pdf",
		Data:          []byte("fix"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotWritable.Code, appErrors.FromError(err).Code)

	admin := &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
	f.upload(t, admin, "subj-1", "student-1", "fix.pdf", []byte("fix"))
}

func TestRetireReportsCascadeCount(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	f.versions.cascadeSize = 2
	student := studentClaims("student-1", "class-a")

	v := f.upload(t, student, "subj-1", "", "draft.pdf", []byte("first"))

	result, err := f.service.Retire(context.Background(), student, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.RetiredCount)

	_, err = f.service.Download(context.Background(), student, v.ID, false)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	// Retiring twice is indistinguishable from an unknown id.
	_, err = f.service.Retire(context.Background(), student, v.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestDownloadClassmateSubmissionHidden(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	owner := studentClaims("student-1", "class-a")
	classmate := studentClaims("student-2", "class-a")

	v := f.upload(t, owner, "subj-1", "", "draft.pdf", []byte("first"))

	_, err := f.service.Download(context.Background(), classmate, v.ID, false)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	_, err = f.service.Retire(context.Background(), classmate, v.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestDownloadRenamePrefixesContributorName(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")
	teacher := teacherClaims("class-a")

	v := f.upload(t, student, "subj-1", "", "essay.pdf", []byte("text"))

	result, err := f.service.Download(context.Background(), teacher, v.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "Ana_Silva_essay.pdf", result.Filename)
}

func TestGlobalChainSharedAcrossContributors(t *testing.T) {
	f := newAttachmentFixture(librarySubject())
	teacher := teacherClaims("class-a")
	student := studentClaims("student-1", "class-a")

	v := f.upload(t, teacher, "lib-1", "", "handbook.pdf", []byte("book"))
	assert.Nil(t, v.ContributorID)

	// Every scope member reads the same chain.
	result, err := f.service.Download(context.Background(), student, v.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("book"), result.Data)

	// But only staff may replace it.
	_, err = f.service.Upload(context.Background(), student, UploadInput{
		SubjectID: "lib-1",
		Filename:  "mine.pdf",
		MimeType:  "application/pdf",
		Data:      []byte("mine"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestHistoryListsAllRevisions(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")

	f.upload(t, student, "subj-1", "", "v1.pdf", []byte("one"))
	f.upload(t, student, "subj-1", "", "v2.pdf", []byte("two"))

	history, err := f.service.History(context.Background(), student, "subj-1", "")
	require.NoError(t, err)
	require.Len(t, history.Versions, 2)
	assert.Equal(t, models.VersionSuperseded, history.Versions[0].Status)
	assert.Equal(t, models.VersionCurrent, history.Versions[1].Status)
}

func TestBulkArchiveCollectsCurrentRevisions(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	teacher := teacherClaims("class-a")
	s1 := studentClaims("student-1", "class-a")
	s2 := studentClaims("student-2", "class-a")

	f.upload(t, s1, "subj-1", "", "draft.pdf", []byte("old"))
	f.upload(t, s1, "subj-1", "", "final.pdf", []byte("one"))
	f.upload(t, s2, "subj-1", "", "essay.pdf", []byte("two"))

	payload, filename, err := f.service.BulkArchive(context.Background(), teacher, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, "Essay.zip", filename)

	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	names := make([]string, 0, len(reader.File))
	for _, entry := range reader.File {
		names = append(names, entry.Name)
	}
	assert.ElementsMatch(t, []string{"Ana_Silva_final.pdf", "Bram_Kovac_essay.pdf"}, names)

	// Students cannot pull the whole class's work.
	_, _, err = f.service.BulkArchive(context.Background(), s1, "subj-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestSignedLinkInvalidatedByReplacement(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")

	v1 := f.upload(t, student, "subj-1", "", "draft.pdf", []byte("first"))

	token, _, err := f.service.SignedLink(context.Background(), student, v1.ID)
	require.NoError(t, err)

	result, err := f.service.DownloadSigned(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), result.Data)

	f.upload(t, student, "subj-1", "", "final.pdf", []byte("second"))

	_, err = f.service.DownloadSigned(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAttachReviewAndRetrieveGrading(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")
	teacher := teacherClaims("class-a")

	v := f.upload(t, student, "subj-1", "", "essay.pdf", []byte("text"))

	record, err := f.service.AttachReview(context.Background(), teacher, dto.CreateReviewRequest{
		VersionID: v.ID,
		Comment:   "solid work, fix the citations",
	}, &GradingFile{Filename: "rubric.pdf", Data: []byte("rubric")})
	require.NoError(t, err)
	require.NotNil(t, record.GradingKey)

	grading, err := f.service.DownloadGrading(context.Background(), student, v.ID, record.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("rubric"), grading.Data)
	assert.Equal(t, "rubric.pdf", grading.Filename)

	// Students cannot review.
	_, err = f.service.AttachReview(context.Background(), student, dto.CreateReviewRequest{
		VersionID: v.ID,
		Comment:   "self review",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestCheckAccessMapsDecisions(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")

	allowed, err := f.service.CheckAccess(context.Background(), student, "subj-1", OpUpload, "")
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)

	denied, err := f.service.CheckAccess(context.Background(), student, "subj-1", OpProgress, "")
	require.NoError(t, err)
	assert.False(t, denied.Allowed)

	outsider := studentClaims("student-9", "class-z")
	_, err = f.service.CheckAccess(context.Background(), outsider, "subj-1", OpView, "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestCurrentResolvesOnlyServableRevision(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")

	_, err := f.service.Current(context.Background(), student, "subj-1", "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	f.upload(t, student, "subj-1", "", "v1.pdf", []byte("one"))
	v2 := f.upload(t, student, "subj-1", "", "v2.pdf", []byte("two"))

	current, err := f.service.Current(context.Background(), student, "subj-1", "")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID)
}

func TestConcurrentUploadsKeepSingleCurrent(t *testing.T) {
	f := newAttachmentFixture(assignmentSubject())
	student := studentClaims("student-1", "class-a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.service.Upload(context.Background(), student, UploadInput{
				SubjectID: "subj-1",
				Filename:  fmt.Sprintf("v%d.pdf", i),
				MimeType:  "application/pdf",
				Data:      []byte("payload"),
			})
		}(i)
	}
	wg.Wait()

	current, err := f.versions.ListCurrentBySubject(context.Background(), "subj-1")
	require.NoError(t, err)
	assert.Len(t, current, 1)

	chain, err := f.versions.ListChain(context.Background(), "subj-1", "student-1")
	require.NoError(t, err)
	assert.Len(t, chain, 8)
}
