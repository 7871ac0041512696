package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classdesk/classdesk-api/internal/middleware"
	"github.com/classdesk/classdesk-api/internal/models"
	"github.com/classdesk/classdesk-api/internal/service"
	appErrors "github.com/classdesk/classdesk-api/pkg/errors"
	"github.com/classdesk/classdesk-api/pkg/storage"
)

type memVersions struct {
	nextID   int64
	versions map[int64]*models.AttachmentVersion
}

func newMemVersions() *memVersions {
	return &memVersions{versions: make(map[int64]*models.AttachmentVersion)}
}

func (m *memVersions) CreateVersion(ctx context.Context, v *models.AttachmentVersion) error {
	for _, existing := range m.versions {
		if existing.SubjectID == v.SubjectID && existing.ContributorKey == v.ContributorKey && existing.Status == models.VersionCurrent {
			existing.Status = models.VersionSuperseded
		}
	}
	m.nextID++
	v.ID = m.nextID
	v.Status = models.VersionCurrent
	v.CreatedAt = time.Now().UTC()
	stored := *v
	m.versions[v.ID] = &stored
	return nil
}

func (m *memVersions) Retire(ctx context.Context, versionID int64, at time.Time) (int64, error) {
	v, ok := m.versions[versionID]
	if !ok || v.Status == models.VersionRetired {
		return 0, sql.ErrNoRows
	}
	v.Status = models.VersionRetired
	return 1, nil
}

func (m *memVersions) GetByID(ctx context.Context, id int64) (*models.AttachmentVersion, error) {
	v, ok := m.versions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *v
	return &copied, nil
}

func (m *memVersions) ResolveCurrent(ctx context.Context, subjectID, contributorKey string) (*models.AttachmentVersion, error) {
	for _, v := range m.versions {
		if v.SubjectID == subjectID && v.ContributorKey == contributorKey && v.Status == models.VersionCurrent {
			copied := *v
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memVersions) ListChain(ctx context.Context, subjectID, contributorKey string) ([]models.AttachmentVersion, error) {
	var chain []models.AttachmentVersion
	for id := int64(1); id <= m.nextID; id++ {
		if v, ok := m.versions[id]; ok && v.SubjectID == subjectID && v.ContributorKey == contributorKey {
			chain = append(chain, *v)
		}
	}
	return chain, nil
}

func (m *memVersions) ListCurrentBySubject(ctx context.Context, subjectID string) ([]models.AttachmentVersion, error) {
	var current []models.AttachmentVersion
	for id := int64(1); id <= m.nextID; id++ {
		if v, ok := m.versions[id]; ok && v.SubjectID == subjectID && v.Status == models.VersionCurrent {
			current = append(current, *v)
		}
	}
	return current, nil
}

type memReviews struct{}

func (memReviews) Create(ctx context.Context, record *models.ReviewRecord) error {
	record.ID = "review-1"
	return nil
}

func (memReviews) ListByVersion(ctx context.Context, versionID int64) ([]models.ReviewRecord, error) {
	return nil, nil
}

type memSubjects struct {
	subjects map[string]*models.Subject
}

func (m *memSubjects) Load(ctx context.Context, id string) (*models.Subject, error) {
	subject, ok := m.subjects[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}
	return subject, nil
}

type memUsers struct{}

func (memUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	return &models.User{ID: id, FullName: "Ana Silva", Role: models.RoleStudent}, nil
}

type memBlobs struct {
	blobs map[string][]byte
}

func (m *memBlobs) Put(data []byte, originalName string) (string, error) {
	handle := fmt.Sprintf("blob-%d", len(m.blobs)+1)
	m.blobs[handle] = data
	return handle, nil
}

func (m *memBlobs) Get(handle string) ([]byte, error) {
	data, ok := m.blobs[handle]
	if !ok {
		return nil, fmt.Errorf("missing blob")
	}
	return data, nil
}

func (m *memBlobs) Delete(handle string) error {
	delete(m.blobs, handle)
	return nil
}

func newAttachmentRouter(t *testing.T, claims *models.JWTClaims) (*gin.Engine, *memVersions) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	versions := newMemVersions()
	subjects := &memSubjects{subjects: map[string]*models.Subject{
		"subj-1": {
			ID:       "subj-1",
			Type:     models.SubjectAssignment,
			Title:    "Essay",
			State:    models.SubjectOpen,
			ClassIDs: []string{"class-a"},
		},
	}}
	svc := service.NewAttachmentService(
		versions, memReviews{}, subjects, memUsers{},
		service.NewAccessService(nil), &memBlobs{blobs: make(map[string][]byte)},
		storage.NewSignedURLSigner("test-secret", time.Minute),
		nil, nil, nil, service.AttachmentServiceConfig{},
	)
	h := NewAttachmentHandler(svc)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if claims != nil {
			c.Set(middleware.ContextUserKey, claims)
		}
		c.Next()
	})
	router.POST("/subjects/:id/attachments", h.Upload)
	router.GET("/subjects/:id/attachments/current", h.Current)
	router.GET("/attachments/:versionId", h.Download)
	router.DELETE("/attachments/:versionId", h.Retire)
	return router, versions
}

func multipartUpload(t *testing.T, url, filename string, payload []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, url, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestUploadEndpointReturnsCreatedVersion(t *testing.T) {
	student := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent, ClassIDs: []string{"class-a"}}
	router, _ := newAttachmentRouter(t, student)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, multipartUpload(t, "/subjects/subj-1/attachments", "essay.pdf", []byte("content")))

	require.Equal(t, http.StatusCreated, recorder.Code)
	var envelope struct {
		Data models.AttachmentVersion `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	assert.Equal(t, int64(1), envelope.Data.ID)
	assert.Equal(t, models.VersionCurrent, envelope.Data.Status)
	assert.Equal(t, "essay.pdf", envelope.Data.Filename)
}

func TestUploadEndpointRequiresFile(t *testing.T) {
	student := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent, ClassIDs: []string{"class-a"}}
	router, _ := newAttachmentRouter(t, student)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/subjects/subj-1/attachments", nil)
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestDownloadEndpointRejectsBadVersionID(t *testing.T) {
	student := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent, ClassIDs: []string{"class-a"}}
	router, _ := newAttachmentRouter(t, student)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/attachments/not-a-number", nil))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestDownloadEndpointHidesUnknownVersions(t *testing.T) {
	student := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent, ClassIDs: []string{"class-a"}}
	router, _ := newAttachmentRouter(t, student)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/attachments/999", nil))

	require.Equal(t, http.StatusNotFound, recorder.Code)
	var envelope struct {
		Error *appErrors.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrNotFound.Code, envelope.Error.Code)
}

func TestDownloadEndpointServesUploadedFile(t *testing.T) {
	student := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent, ClassIDs: []string{"class-a"}}
	router, _ := newAttachmentRouter(t, student)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, multipartUpload(t, "/subjects/subj-1/attachments", "essay.pdf", []byte("content")))
	require.Equal(t, http.StatusCreated, recorder.Code)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/attachments/1", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "content", recorder.Body.String())
	assert.Contains(t, recorder.Header().Get("Content-Disposition"), "essay.pdf")
}

func TestRetireEndpointReportsCount(t *testing.T) {
	student := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent, ClassIDs: []string{"class-a"}}
	router, _ := newAttachmentRouter(t, student)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, multipartUpload(t, "/subjects/subj-1/attachments", "essay.pdf", []byte("content")))
	require.Equal(t, http.StatusCreated, recorder.Code)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/attachments/1", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var envelope struct {
		Data struct {
			RetiredCount int64 `json:"retired_count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	assert.Equal(t, int64(1), envelope.Data.RetiredCount)
}

func TestEndpointsRejectAnonymousCallers(t *testing.T) {
	router, _ := newAttachmentRouter(t, nil)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/subjects/subj-1/attachments/current", nil))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}
