package service

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/classdesk/classdesk-api/internal/dto"
	"github.com/classdesk/classdesk-api/internal/models"
	appErrors "github.com/classdesk/classdesk-api/pkg/errors"
	"github.com/classdesk/classdesk-api/pkg/storage"
)

type versionRepository interface {
	CreateVersion(ctx context.Context, v *models.AttachmentVersion) error
	Retire(ctx context.Context, versionID int64, at time.Time) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.AttachmentVersion, error)
	ResolveCurrent(ctx context.Context, subjectID, contributorKey string) (*models.AttachmentVersion, error)
	ListChain(ctx context.Context, subjectID, contributorKey string) ([]models.AttachmentVersion, error)
	ListCurrentBySubject(ctx context.Context, subjectID string) ([]models.AttachmentVersion, error)
}

type reviewRepository interface {
	Create(ctx context.Context, record *models.ReviewRecord) error
	ListByVersion(ctx context.Context, versionID int64) ([]models.ReviewRecord, error)
}

type subjectLoader interface {
	Load(ctx context.Context, id string) (*models.Subject, error)
}

type userLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type blobStore interface {
	Put(data []byte, originalName string) (string, error)
	Get(handle string) ([]byte, error)
	Delete(handle string) error
}

// UploadInput carries one file submission.
type UploadInput struct {
	SubjectID     string
	ContributorID string
	Filename      string
	MimeType      string
	Data          []byte
}

// DownloadResult is a servable file with its presentation metadata.
type DownloadResult struct {
	Filename string
	MimeType string
	Data     []byte
}

// GradingFile is an optional attachment accompanying a review.
type GradingFile struct {
	Filename string
	Data     []byte
}

// AttachmentServiceConfig bounds uploads.
type AttachmentServiceConfig struct {
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
}

// AttachmentService owns version chains: upload installs a new CURRENT
// revision, download serves only CURRENT revisions, retire removes a
// revision together with its dependent records. All authorization goes
// through the access resolver; all denials are NotFound or Forbidden.
type AttachmentService struct {
	versions  versionRepository
	reviews   reviewRepository
	subjects  subjectLoader
	users     userLookup
	access    *AccessService
	blobs     blobStore
	signer    *storage.SignedURLSigner
	audit     auditWriter
	validator *validator.Validate
	logger    *zap.Logger
	maxSize   int64
	mimes     map[string]bool
}

// NewAttachmentService constructs the service.
func NewAttachmentService(
	versions versionRepository,
	reviews reviewRepository,
	subjects subjectLoader,
	users userLookup,
	access *AccessService,
	blobs blobStore,
	signer *storage.SignedURLSigner,
	audit auditWriter,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg AttachmentServiceConfig,
) *AttachmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	mimes := make(map[string]bool, len(cfg.AllowedMIMEs))
	for _, m := range cfg.AllowedMIMEs {
		mimes[strings.ToLower(m)] = true
	}
	maxSize := cfg.MaxFileSizeBytes
	if maxSize <= 0 {
		maxSize = 20 * 1024 * 1024
	}
	return &AttachmentService{
		versions:  versions,
		reviews:   reviews,
		subjects:  subjects,
		users:     users,
		access:    access,
		blobs:     blobs,
		signer:    signer,
		audit:     audit,
		validator: validate,
		logger:    logger,
		maxSize:   maxSize,
		mimes:     mimes,
	}
}

// Upload installs a new revision in the chain addressed by the subject and
// contributor. An empty ContributorID means a self-service submission by the
// actor; a different ContributorID is an assisted upload and requires staff
// capability. The blob is written before the chain pointer moves, so a
// storage failure leaves the previous revision untouched and servable.
func (s *AttachmentService) Upload(ctx context.Context, actor *models.JWTClaims, in UploadInput) (*dto.VersionResponse, error) {
	if actor == nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}
	if len(in.Data) == 0 || in.Filename == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	if int64(len(in.Data)) > s.maxSize {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds the %d byte limit", s.maxSize))
	}
	if len(s.mimes) > 0 && !s.mimes[strings.ToLower(in.MimeType)] {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file type %s is not accepted", in.MimeType))
	}

	subject, err := s.subjects.Load(ctx, in.SubjectID)
	if err != nil {
		return nil, err
	}

	contributorID := in.ContributorID
	selfService := contributorID == "" || contributorID == actor.UserID
	if selfService {
		contributorID = actor.UserID
	}
	chainKey := models.ChainKey(subject.Type, contributorID)

	if selfService {
		if err := s.access.Decide(actor, subject, OpUpload, chainKey); err != nil {
			return nil, err
		}
	} else {
		if err := s.access.DecideAssisted(actor, subject); err != nil {
			return nil, err
		}
		if _, err := s.users.FindByID(ctx, contributorID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrValidation, "contributor does not exist")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify contributor")
		}
	}

	if !subject.Writable(actor.Role, selfService, time.Now().UTC()) {
		return nil, appErrors.Clone(appErrors.ErrNotWritable, "")
	}

	handle, err := s.blobs.Put(in.Data, in.Filename)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, appErrors.ErrStorage.Message)
	}

	version := &models.AttachmentVersion{
		SubjectID:      subject.ID,
		ContributorKey: chainKey,
		UploaderID:     actor.UserID,
		StorageKey:     handle,
		Filename:       in.Filename,
		MimeType:       in.MimeType,
		SizeBytes:      int64(len(in.Data)),
	}
	if !subject.Type.GlobalChain() {
		version.ContributorID = &contributorID
	}

	if err := s.versions.CreateVersion(ctx, version); err != nil {
		if delErr := s.blobs.Delete(handle); delErr != nil {
			s.logger.Warn("failed to remove orphaned blob", zap.String("handle", handle), zap.Error(delErr))
		}
		if appErrors.Is(err, appErrors.ErrConflict) {
			// Lost the chain race: surface the retryable conflict as-is.
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attachment version")
	}

	s.writeAudit(ctx, actor.UserID, models.AuditActionUpload, version.ID, map[string]interface{}{
		"subject_id":   subject.ID,
		"filename":     version.Filename,
		"self_service": selfService,
	})

	return &dto.VersionResponse{AttachmentVersion: *version}, nil
}

// Download serves a CURRENT revision. Superseded and retired revision ids
// resolve to NotFound for every caller, so a replaced file's old id behaves
// exactly like an id that never existed. With rename set, the served
// filename is prefixed with the contributor's name for teacher-side sorting.
func (s *AttachmentService) Download(ctx context.Context, actor *models.JWTClaims, versionID int64, rename bool) (*DownloadResult, error) {
	version, subject, err := s.loadServable(ctx, actor, versionID)
	if err != nil {
		return nil, err
	}

	if err := s.access.Decide(actor, subject, OpDownload, version.ContributorKey); err != nil {
		return nil, err
	}

	data, err := s.blobs.Get(version.StorageKey)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read attachment")
	}

	filename := version.Filename
	if rename {
		filename = s.displayName(ctx, version)
	}
	return &DownloadResult{Filename: filename, MimeType: version.MimeType, Data: data}, nil
}

// SignedLink issues a short-lived token for downloading a version without
// re-authenticating, after the usual access check.
func (s *AttachmentService) SignedLink(ctx context.Context, actor *models.JWTClaims, versionID int64) (string, time.Time, error) {
	version, subject, err := s.loadServable(ctx, actor, versionID)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.access.Decide(actor, subject, OpDownload, version.ContributorKey); err != nil {
		return "", time.Time{}, err
	}
	token, expiresAt, err := s.signer.Generate(strconv.FormatInt(version.ID, 10), version.StorageKey)
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
	}
	return token, expiresAt, nil
}

// DownloadSigned serves a file addressed by a signed token. The token bound
// the version to its blob at issue time; the version must still be CURRENT,
// so a replacement or retirement invalidates outstanding links.
func (s *AttachmentService) DownloadSigned(ctx context.Context, token string) (*DownloadResult, error) {
	rawID, handle, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}
	versionID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}

	version, err := s.versions.GetByID(ctx, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load version")
	}
	if version.Status != models.VersionCurrent || version.StorageKey != handle {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}

	data, err := s.blobs.Get(version.StorageKey)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read attachment")
	}
	return &DownloadResult{Filename: version.Filename, MimeType: version.MimeType, Data: data}, nil
}

// Current resolves the chain's servable revision without touching the blob.
// An empty or fully replaced chain answers NotFound.
func (s *AttachmentService) Current(ctx context.Context, actor *models.JWTClaims, subjectID, contributorID string) (*dto.VersionResponse, error) {
	if actor == nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}
	subject, err := s.subjects.Load(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if contributorID == "" {
		contributorID = actor.UserID
	}
	chainKey := models.ChainKey(subject.Type, contributorID)

	if err := s.access.Decide(actor, subject, OpView, chainKey); err != nil {
		return nil, err
	}

	version, err := s.versions.ResolveCurrent(ctx, subjectID, chainKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve current version")
	}
	return &dto.VersionResponse{AttachmentVersion: *version}, nil
}

// History returns every revision of a chain plus the reviews attached to
// them, newest last.
func (s *AttachmentService) History(ctx context.Context, actor *models.JWTClaims, subjectID, contributorID string) (*dto.HistoryResponse, error) {
	if actor == nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}
	subject, err := s.subjects.Load(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if contributorID == "" {
		contributorID = actor.UserID
	}
	chainKey := models.ChainKey(subject.Type, contributorID)

	if err := s.access.Decide(actor, subject, OpHistory, chainKey); err != nil {
		return nil, err
	}

	versions, err := s.versions.ListChain(ctx, subjectID, chainKey)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load chain history")
	}

	var reviews []models.ReviewRecord
	for _, v := range versions {
		records, err := s.reviews.ListByVersion(ctx, v.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reviews")
		}
		reviews = append(reviews, records...)
	}

	return &dto.HistoryResponse{Versions: versions, Reviews: reviews}, nil
}

// Retire removes a revision and cascades to its dependent records in one
// transaction. The returned count covers the version plus everything retired
// with it, so the caller can state exactly how much was removed.
func (s *AttachmentService) Retire(ctx context.Context, actor *models.JWTClaims, versionID int64) (*dto.RetireResponse, error) {
	version, err := s.versions.GetByID(ctx, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load version")
	}
	if version.Status == models.VersionRetired {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}

	subject, err := s.subjects.Load(ctx, version.SubjectID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Decide(actor, subject, OpRetire, version.ContributorKey); err != nil {
		return nil, err
	}

	count, err := s.versions.Retire(ctx, version.ID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to retire version")
	}

	if err := s.blobs.Delete(version.StorageKey); err != nil {
		s.logger.Warn("failed to reclaim blob after retirement", zap.String("handle", version.StorageKey), zap.Error(err))
	}

	s.writeAudit(ctx, actor.UserID, models.AuditActionRetire, version.ID, map[string]interface{}{
		"subject_id":    version.SubjectID,
		"retired_count": count,
	})

	return &dto.RetireResponse{RetiredCount: count}, nil
}

// BulkArchive zips every chain's CURRENT revision of a subject. Staff only.
func (s *AttachmentService) BulkArchive(ctx context.Context, actor *models.JWTClaims, subjectID string) ([]byte, string, error) {
	subject, err := s.subjects.Load(ctx, subjectID)
	if err != nil {
		return nil, "", err
	}
	if err := s.access.Decide(actor, subject, OpBulk, ""); err != nil {
		return nil, "", err
	}

	versions, err := s.versions.ListCurrentBySubject(ctx, subjectID)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attachments")
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	seen := make(map[string]int)
	for _, v := range versions {
		data, err := s.blobs.Get(v.StorageKey)
		if err != nil {
			s.logger.Warn("skipping unreadable blob in archive", zap.Int64("version_id", v.ID), zap.Error(err))
			continue
		}
		base := s.displayName(ctx, &v)
		name := base
		if n := seen[base]; n > 0 {
			name = fmt.Sprintf("%d_%s", n, base)
		}
		seen[base]++

		entry, err := zw.Create(name)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build archive")
		}
		if _, err := entry.Write(data); err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build archive")
		}
	}
	if err := zw.Close(); err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finalize archive")
	}

	return buf.Bytes(), archiveName(subject.Title), nil
}

// AttachReview adds a review comment, with an optional grading file, to a
// CURRENT revision. Retiring the revision later retires the review too.
func (s *AttachmentService) AttachReview(ctx context.Context, actor *models.JWTClaims, req dto.CreateReviewRequest, grading *GradingFile) (*models.ReviewRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid review payload")
	}

	version, subject, err := s.loadServable(ctx, actor, req.VersionID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Decide(actor, subject, OpReview, version.ContributorKey); err != nil {
		return nil, err
	}

	record := &models.ReviewRecord{
		VersionID: version.ID,
		AuthorID:  actor.UserID,
		Comment:   req.Comment,
	}
	if grading != nil && len(grading.Data) > 0 {
		handle, err := s.blobs.Put(grading.Data, grading.Filename)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, appErrors.ErrStorage.Message)
		}
		record.GradingKey = &handle
		record.GradingFilename = &grading.Filename
	}

	if err := s.reviews.Create(ctx, record); err != nil {
		if record.GradingKey != nil {
			if delErr := s.blobs.Delete(*record.GradingKey); delErr != nil {
				s.logger.Warn("failed to remove orphaned grading blob", zap.Error(delErr))
			}
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record review")
	}

	s.writeAudit(ctx, actor.UserID, models.AuditActionReviewAttach, version.ID, map[string]interface{}{
		"subject_id": version.SubjectID,
		"review_id":  record.ID,
	})

	return record, nil
}

// DownloadGrading serves a review's grading file.
func (s *AttachmentService) DownloadGrading(ctx context.Context, actor *models.JWTClaims, versionID int64, reviewID string) (*DownloadResult, error) {
	version, subject, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Decide(actor, subject, OpDownload, version.ContributorKey); err != nil {
		return nil, err
	}

	records, err := s.reviews.ListByVersion(ctx, versionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load reviews")
	}
	for _, record := range records {
		if record.ID != reviewID || record.GradingKey == nil {
			continue
		}
		data, err := s.blobs.Get(*record.GradingKey)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read grading file")
		}
		filename := "grading"
		if record.GradingFilename != nil {
			filename = *record.GradingFilename
		}
		return &DownloadResult{Filename: filename, MimeType: "application/octet-stream", Data: data}, nil
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
}

// CheckAccess reports the resolver decision for an operation without
// performing it. A hidden subject still resolves to NotFound.
func (s *AttachmentService) CheckAccess(ctx context.Context, actor *models.JWTClaims, subjectID string, op ChainOp, contributorID string) (*dto.AccessCheckResponse, error) {
	subject, err := s.subjects.Load(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if contributorID == "" && actor != nil {
		contributorID = actor.UserID
	}
	chainKey := models.ChainKey(subject.Type, contributorID)

	decision := s.access.Decide(actor, subject, op, chainKey)
	switch {
	case decision == nil:
		return &dto.AccessCheckResponse{Operation: string(op), Allowed: true}, nil
	case appErrors.Is(decision, appErrors.ErrForbidden):
		return &dto.AccessCheckResponse{Operation: string(op), Allowed: false}, nil
	default:
		return nil, decision
	}
}

// loadServable loads a version that must be CURRENT along with its subject.
func (s *AttachmentService) loadServable(ctx context.Context, actor *models.JWTClaims, versionID int64) (*models.AttachmentVersion, *models.Subject, error) {
	if actor == nil {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}
	version, subject, err := s.loadVersion(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	if version.Status != models.VersionCurrent {
		// A superseded or retired id is indistinguishable from an id that
		// never existed.
		return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}
	return version, subject, nil
}

func (s *AttachmentService) loadVersion(ctx context.Context, versionID int64) (*models.AttachmentVersion, *models.Subject, error) {
	version, err := s.versions.GetByID(ctx, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load version")
	}
	subject, err := s.subjects.Load(ctx, version.SubjectID)
	if err != nil {
		return nil, nil, err
	}
	return version, subject, nil
}

// displayName prefixes a filename with the contributor's name for archive
// entries and renamed downloads. Falls back to the stored filename when the
// contributor cannot be resolved.
func (s *AttachmentService) displayName(ctx context.Context, v *models.AttachmentVersion) string {
	if v.ContributorID == nil {
		return v.Filename
	}
	user, err := s.users.FindByID(ctx, *v.ContributorID)
	if err != nil {
		s.logger.Warn("failed to resolve contributor for display name", zap.Int64("version_id", v.ID), zap.Error(err))
		return v.Filename
	}
	return sanitizeFilePart(user.FullName) + "_" + v.Filename
}

func (s *AttachmentService) writeAudit(ctx context.Context, userID, action string, versionID int64, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(values)
	if err != nil {
		payload = nil
	}
	resourceID := strconv.FormatInt(versionID, 10)
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "attachment",
		ResourceID: &resourceID,
		NewValues:  payload,
	}); err != nil {
		s.logger.Warn("failed to record attachment audit log", zap.Error(err))
	}
}

func archiveName(title string) string {
	name := sanitizeFilePart(title)
	if name == "" {
		name = "attachments"
	}
	return name + ".zip"
}

func sanitizeFilePart(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		case r == ' ', r == '_':
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
